// Package sftpfs 把传输连接、安全通道、认证协商和 sftp 子系统组装成可复用的连接句柄。
//
// 打开连接的流程: Dial -> Handshake -> Negotiator -> sftp 子系统 -> Init。
// 任何一步失败都会按获取的逆序释放已经获得的资源, 不会留下半初始化的连接。
package sftpfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/wentf9/xops-sftpfs/pkg/config"
	"github.com/wentf9/xops-sftpfs/pkg/errs"
	"github.com/wentf9/xops-sftpfs/pkg/logger"
	"github.com/wentf9/xops-sftpfs/pkg/models"
	"github.com/wentf9/xops-sftpfs/pkg/sftp"
	"github.com/wentf9/xops-sftpfs/pkg/ssh"
)

// 关闭 sftp 通道时等待服务端确认的上限, 超时后直接断开传输层
const closeTimeout = 5 * time.Second

type options struct {
	settings      config.Settings
	prompter      ssh.Prompter
	hostKey       gossh.HostKeyCallback
	agent         ssh.AgentSource
	lookup        ssh.LookupFunc
	dialer        ssh.Dialer
	chunkSize     int
	clientVersion string
}

// Option 定义连接配置函数的类型
type Option func(*options)

// WithSettings 端口/超时/keepalive/认证方式的默认值
func WithSettings(s config.Settings) Option {
	return func(o *options) { o.settings = s }
}

// WithPrompter 需要输入密码或口令时调用, 不设置时视为用户取消
func WithPrompter(p ssh.Prompter) Option {
	return func(o *options) { o.prompter = p }
}

// WithHostKeyCallback 主机密钥的信任判断由调用方完成, 不设置时接受任意密钥
func WithHostKeyCallback(cb gossh.HostKeyCallback) Option {
	return func(o *options) { o.hostKey = cb }
}

// WithAgent 替换默认的 SSH_AUTH_SOCK agent
func WithAgent(src ssh.AgentSource) Option {
	return func(o *options) { o.agent = src }
}

func WithLookup(fn ssh.LookupFunc) Option {
	return func(o *options) { o.lookup = fn }
}

// WithDialer 通过指定的拨号器 (例如跳板机) 建立传输连接
func WithDialer(d ssh.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithChunkSize(n int) Option {
	return func(o *options) { o.chunkSize = n }
}

func WithClientVersion(v string) Option {
	return func(o *options) { o.clientVersion = v }
}

func buildOptions(opts []Option) *options {
	o := &options{
		settings: config.Settings{
			AuthMethod:     "auto",
			Port:           config.DefaultPort,
			WaitTimeout:    10 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.agent == nil {
		o.agent = ssh.SocketAgent(o.settings.AgentSocket)
	}
	return o
}

// Connection 一个 (host, 用户, 端口) 对应的已认证连接。
// socket、安全通道和 sftp 会话只由 Connection 持有; 同一连接上的远程操作串行执行。
type Connection struct {
	desc models.Descriptor
	key  string

	sess    *ssh.Session
	auth    *ssh.AuthResult
	channel *gossh.Session
	client  *sftp.Client

	stopKeepAlive context.CancelFunc
	broken        atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Open 建立连接并完成认证和 sftp 初始化
func Open(ctx context.Context, d models.Descriptor, opts ...Option) (*Connection, error) {
	o := buildOptions(opts)
	config.FillDefaults(&d, o.settings)
	d = Effective(d)
	c := &Connection{desc: d, key: Key(d)}

	policy, err := ssh.ParsePolicy(d.AuthMethod)
	if err != nil {
		return nil, &errs.Error{Kind: errs.KindUnknown, Op: "connect", Host: d.Host, Err: err}
	}

	// 1. 传输连接
	dialOpts := []ssh.DialOption{ssh.WithConnectTimeout(o.settings.ConnectTimeout), ssh.WithLookup(o.lookup)}
	if o.dialer != nil {
		dialOpts = append(dialOpts, ssh.WithProxy(o.dialer))
	}
	conn, err := ssh.Dial(ctx, d.Host, d.Port, dialOpts...)
	if err != nil {
		return nil, err
	}

	// 2. 握手, 失败时 socket 已被释放
	c.sess, err = ssh.Handshake(ctx, conn, ssh.SessionConfig{
		User:            d.User,
		HostKeyCallback: o.hostKey,
		Timeout:         o.settings.ConnectTimeout,
		ClientVersion:   o.clientVersion,
	})
	if err != nil {
		return nil, err
	}

	// 3. 认证
	keyPath := d.KeyPath
	if keyPath == "" {
		if paths := ssh.DefaultKeyPaths(); len(paths) > 0 {
			keyPath = paths[0]
		}
	}
	c.auth, err = ssh.NewNegotiator(c.sess, ssh.NegotiatorConfig{
		User:       d.User,
		Host:       d.Host,
		Policy:     policy,
		KeyPath:    keyPath,
		Passphrase: d.Passphrase,
		Password:   d.Password,
		Prompter:   o.prompter,
		Agent:      o.agent,
	}).Run(ctx)
	if err != nil {
		c.sess.Close()
		return nil, err
	}
	// 记住提示得到的密码/口令, 重连时不再提示
	if c.auth.Password != "" {
		c.desc.Password = c.auth.Password
	}
	if c.auth.Passphrase != "" {
		c.desc.Passphrase = c.auth.Passphrase
	}

	// 4. sftp 子系统
	if err := c.startSubsystem(ctx, o); err != nil {
		c.release()
		return nil, err
	}

	if o.settings.Keepalive > 0 {
		kctx, cancel := context.WithCancel(context.Background())
		c.stopKeepAlive = cancel
		client, _ := c.sess.Client()
		ssh.StartKeepAlive(kctx, client, o.settings.Keepalive, func(err error) {
			logger.Logger.Debug("keepalive failed", "conn", c.key, "err", err)
			c.broken.Store(true)
		})
	}

	logger.Logger.Debug("connection ready", "conn", c.key, "method", string(c.auth.Method), "hostkey", c.sess.Fingerprint().SHA256)
	return c, nil
}

func (c *Connection) startSubsystem(ctx context.Context, o *options) error {
	client, err := c.sess.Client()
	if err != nil {
		return &errs.Error{Kind: errs.KindHandshake, Op: "subsystem", Host: c.desc.Host, Err: err}
	}
	ch, err := client.NewSession()
	if err != nil {
		return &errs.Error{Kind: errs.KindProtocol, Op: "subsystem", Host: c.desc.Host, Err: err}
	}
	stdin, err := ch.StdinPipe()
	if err != nil {
		ch.Close()
		return &errs.Error{Kind: errs.KindProtocol, Op: "subsystem", Host: c.desc.Host, Err: err}
	}
	stdout, err := ch.StdoutPipe()
	if err != nil {
		ch.Close()
		return &errs.Error{Kind: errs.KindProtocol, Op: "subsystem", Host: c.desc.Host, Err: err}
	}
	if err := ch.RequestSubsystem("sftp"); err != nil {
		ch.Close()
		return &errs.Error{Kind: errs.KindProtocol, Op: "subsystem", Host: c.desc.Host, Err: err}
	}
	c.channel = ch

	var clientOpts []sftp.Option
	if o.settings.WaitTimeout > 0 {
		clientOpts = append(clientOpts, sftp.WithWaitTimeout(o.settings.WaitTimeout))
	}
	if o.chunkSize > 0 {
		clientOpts = append(clientOpts, sftp.WithChunkSize(o.chunkSize))
	}
	c.client = sftp.NewClient(sftp.NewSession(&subsystem{r: stdout, w: stdin, ch: ch}), clientOpts...)
	if err := c.client.Init(ctx); err != nil {
		var e *errs.Error
		if errors.As(err, &e) && e.Host == "" {
			e.Host = c.desc.Host
		}
		return err
	}
	return nil
}

// subsystem 把 ssh 会话的 stdin/stdout 组合成协议引擎需要的通道
type subsystem struct {
	r  io.Reader
	w  io.WriteCloser
	ch *gossh.Session
}

func (s *subsystem) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *subsystem) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *subsystem) Close() error {
	s.w.Close()
	err := s.ch.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// release 按获取的逆序释放: sftp 通道, agent, 安全通道 (连同 socket)
func (c *Connection) release() error {
	if c.stopKeepAlive != nil {
		c.stopKeepAlive()
	}
	if c.client != nil {
		done := make(chan struct{})
		go func() {
			c.client.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeTimeout):
			logger.Logger.Debug("sftp channel close timed out", "conn", c.key)
		}
	} else if c.channel != nil {
		c.channel.Close()
	}
	if c.auth != nil && c.auth.Agent != nil {
		c.auth.Agent.Close()
	}
	return c.sess.Close()
}

// Close 断开连接, 可以重复调用
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.broken.Store(true)
		c.closeErr = c.release()
		logger.Logger.Debug("connection closed", "conn", c.key)
	})
	return c.closeErr
}

// Broken 连接已关闭, keepalive 失败或 sftp 通道已断开
func (c *Connection) Broken() bool {
	if c.broken.Load() {
		return true
	}
	select {
	case <-c.client.Done():
		return true
	default:
		return false
	}
}

// Key 连接复用的键 user@host:port
func (c *Connection) Key() string { return c.key }

// Descriptor 生效的连接描述, 包含认证过程中得到的密码/口令
func (c *Connection) Descriptor() models.Descriptor { return c.desc }

// Fingerprint 主机密钥指纹
func (c *Connection) Fingerprint() ssh.Fingerprint { return c.sess.Fingerprint() }

func (c *Connection) HostKey() gossh.PublicKey { return c.sess.HostKey() }

// AuthMethod 认证成功的方式
func (c *Connection) AuthMethod() ssh.Method { return c.auth.Method }

// Capabilities 握手后发现的服务端认证能力
func (c *Connection) Capabilities() ssh.Capability { return c.auth.Capability }

// AuthFailures 成功之前失败的方式
func (c *Connection) AuthFailures() []ssh.MethodFailure { return c.auth.Failures }

// SFTP 远程操作客户端
func (c *Connection) SFTP() *sftp.Client { return c.client }

// sshClient 用于跳板机转发和 keepalive
func (c *Connection) sshClient() (*gossh.Client, error) { return c.sess.Client() }

func (c *Connection) String() string {
	return fmt.Sprintf("%s (%s)", c.key, c.auth.Method)
}

// ================== 远程操作 ==================

func (c *Connection) OpenDir(ctx context.Context, p string) (*sftp.Dir, error) {
	return c.client.OpenDir(ctx, p)
}

func (c *Connection) ReadDir(ctx context.Context, p string) ([]sftp.Entry, error) {
	return c.client.ReadDir(ctx, p)
}

// OpenFile flags 使用 os.O_* 常量, 只有带 O_CREATE 时才使用 mode
func (c *Connection) OpenFile(ctx context.Context, p string, flags int, mode os.FileMode) (*sftp.File, error) {
	return c.client.OpenFile(ctx, p, flags, mode)
}

func (c *Connection) Stat(ctx context.Context, p string, dst *sftp.StatRecord) error {
	return c.client.Stat(ctx, p, dst)
}

func (c *Connection) Lstat(ctx context.Context, p string, dst *sftp.StatRecord) error {
	return c.client.Lstat(ctx, p, dst)
}
