package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/wentf9/xops-sftpfs/pkg/errs"
	"github.com/wentf9/xops-sftpfs/pkg/logger"
)

// 单一方式在 RetryableAuthMethod 中的最大回调次数, 超过后 x/crypto 会换下一种方式
const maxAuthAttempts = 32

var (
	errGiveUp        = errors.New("ssh: method abandoned by client")
	errSessionClosed = errors.New("ssh: session closed")
)

// SessionConfig 握手参数
type SessionConfig struct {
	User string
	// HostKeyCallback 在指纹计算之后调用, 为 nil 时接受任意主机密钥 (信任判断由调用方完成)
	HostKeyCallback ssh.HostKeyCallback
	// Timeout 密钥交换阶段的超时, 0 表示不限制
	Timeout       time.Duration
	ClientVersion string
}

// Fingerprint 主机密钥指纹
type Fingerprint struct {
	Type   string
	SHA256 string
	MD5    string
}

func (f Fingerprint) String() string { return f.SHA256 }

// Session 建立在已连接 socket 上的安全通道。
//
// x/crypto/ssh 把握手和认证合在 NewClientConn 一个调用里完成, 这里把它放到
// 后台协程, 认证回调通过 channel 交给 Negotiator 一步步驱动:
// 每次回调对应一次 Auth* 调用, 放弃某种方式时回调返回错误, x/crypto 会转到下一种。
// 回调只会在服务端列出的方式上被调用, 顺序为 publickey -> password -> keyboard-interactive。
type Session struct {
	conn net.Conn
	addr string
	user string

	hostKey ssh.PublicKey
	fp      Fingerprint

	reqs   chan *authRequest
	done   chan struct{} // 后台握手结束
	closed chan struct{}
	hsErr  error
	client *ssh.Client

	// 以下字段只由调用方 (Negotiator) 所在的协程访问
	cur     *authRequest
	methods []string

	closeOnce sync.Once
}

type authRequest struct {
	method    string // publickey, password, keyboard-interactive
	questions []string
	reply     chan authReply
}

type authReply struct {
	signers  []ssh.Signer
	password string
	err      error
}

// Handshake 在 conn 上完成密钥交换并计算主机密钥指纹。
// 失败时关闭 conn, 不会进入认证。
func Handshake(ctx context.Context, conn net.Conn, cfg SessionConfig) (*Session, error) {
	s := &Session{
		conn:   conn,
		addr:   conn.RemoteAddr().String(),
		user:   cfg.User,
		reqs:   make(chan *authRequest),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	keyed := make(chan struct{})
	// 第一次密钥交换之后置位, 之后的回调都是重新交换密钥 (rekey)
	var rekey atomic.Bool

	config := &ssh.ClientConfig{
		User:          cfg.User,
		ClientVersion: cfg.ClientVersion,
		// x/crypto 在每次密钥交换时都会调用
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if rekey.Load() {
				if !bytes.Equal(key.Marshal(), s.hostKey.Marshal()) {
					return fmt.Errorf("host key changed during rekey: %s", ssh.FingerprintSHA256(key))
				}
				return nil
			}
			if cfg.HostKeyCallback != nil {
				if err := cfg.HostKeyCallback(hostname, remote, key); err != nil {
					return err
				}
			}
			s.hostKey = key
			s.fp = Fingerprint{
				Type:   key.Type(),
				SHA256: ssh.FingerprintSHA256(key),
				MD5:    ssh.FingerprintLegacyMD5(key),
			}
			rekey.Store(true)
			close(keyed)
			return nil
		},
		Auth: []ssh.AuthMethod{
			ssh.RetryableAuthMethod(ssh.PublicKeysCallback(s.publicKeysCallback), maxAuthAttempts),
			ssh.RetryableAuthMethod(ssh.PasswordCallback(s.passwordCallback), maxAuthAttempts),
			ssh.RetryableAuthMethod(ssh.KeyboardInteractive(s.keyboardInteractive), maxAuthAttempts),
		},
	}

	if cfg.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	go s.run(config)

	select {
	case <-keyed:
		conn.SetDeadline(time.Time{})
		logger.Logger.Debug("ssh handshake done", "addr", s.addr, "hostkey", s.fp.SHA256)
		return s, nil
	case <-s.done:
		// none 认证时 keyed 和 done 可能同时就绪
		if s.hsErr == nil {
			conn.SetDeadline(time.Time{})
			return s, nil
		}
		conn.Close()
		return nil, &errs.Error{Kind: errs.KindHandshake, Op: "handshake", Host: s.addr, Err: s.hsErr}
	case <-ctx.Done():
		s.Close()
		return nil, &errs.Error{Kind: errs.KindCancelled, Op: "handshake", Host: s.addr, Err: ctx.Err()}
	}
}

func (s *Session) run(config *ssh.ClientConfig) {
	defer close(s.done)
	c, chans, reqs, err := ssh.NewClientConn(s.conn, s.addr, config)
	if err != nil {
		s.hsErr = err
		return
	}
	s.client = ssh.NewClient(c, chans, reqs)
}

// ================== x/crypto 回调 (后台协程) ==================

func (s *Session) ask(req *authRequest) authReply {
	req.reply = make(chan authReply, 1)
	select {
	case s.reqs <- req:
	case <-s.closed:
		return authReply{err: errSessionClosed}
	}
	select {
	case r := <-req.reply:
		return r
	case <-s.closed:
		return authReply{err: errSessionClosed}
	}
}

func (s *Session) publicKeysCallback() ([]ssh.Signer, error) {
	r := s.ask(&authRequest{method: "publickey"})
	return r.signers, r.err
}

func (s *Session) passwordCallback() (string, error) {
	r := s.ask(&authRequest{method: "password"})
	return r.password, r.err
}

func (s *Session) keyboardInteractive(name, instruction string, questions []string, echos []bool) ([]string, error) {
	// 没有问题的 info request 直接回应
	if len(questions) == 0 {
		return nil, nil
	}
	r := s.ask(&authRequest{method: "keyboard-interactive", questions: questions})
	if r.err != nil {
		return nil, r.err
	}
	answers := make([]string, len(questions))
	for i := range answers {
		answers[i] = r.password
	}
	return answers, nil
}

// ================== Authenticator 实现 ==================

func rank(method string) int {
	switch method {
	case "publickey":
		return 0
	case "password":
		return 1
	}
	return 2
}

func accepts(m Method, method string) bool {
	switch m {
	case MethodPublicKey, MethodAgent:
		return method == "publickey"
	case MethodPassword:
		return method == "password" || method == "keyboard-interactive"
	}
	return false
}

// ListMethods 等待第一个认证回调。
// x/crypto 不暴露服务端列表, 第一个回调的方式是服务端提供的最高优先级方式,
// 优先级更低的方式只能视为 "可能提供", 真正尝试时才能确认。
func (s *Session) ListMethods(ctx context.Context) ([]string, error) {
	if s.methods != nil {
		return s.methods, nil
	}
	if s.cur == nil {
		select {
		case req := <-s.reqs:
			s.cur = req
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.methods = []string{}
	if s.cur != nil {
		switch s.cur.method {
		case "publickey":
			s.methods = []string{"publickey", "password", "keyboard-interactive"}
		case "password":
			s.methods = []string{"password", "keyboard-interactive"}
		default:
			s.methods = []string{"keyboard-interactive"}
		}
	}
	logger.Logger.Debug("ssh auth methods", "addr", s.addr, "user", s.user, "methods", s.methods)
	return s.methods, nil
}

// Authenticated 后台握手已成功结束
func (s *Session) Authenticated() bool {
	select {
	case <-s.done:
		return s.hsErr == nil
	default:
		return false
	}
}

// pending 返回方式 m 对应的待处理回调。
// 排在 m 之前的方式会被放弃; 排在 m 之后说明服务端没有提供 m。
// 已经认证成功时返回 (nil, nil)。
func (s *Session) pending(ctx context.Context, m Method) (*authRequest, error) {
	for {
		if s.cur == nil {
			select {
			case req := <-s.reqs:
				s.cur = req
			case <-s.done:
				if s.hsErr == nil {
					return nil, nil
				}
				return nil, fmt.Errorf("%w: %v", ErrMethodUnavailable, s.hsErr)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		req := s.cur
		if accepts(m, req.method) {
			return req, nil
		}
		if rank(req.method) > rank(string(methodName(m))) {
			return nil, ErrMethodUnavailable
		}
		s.cur = nil
		req.reply <- authReply{err: errGiveUp}
	}
}

func methodName(m Method) Method {
	if m == MethodAgent {
		return MethodPublicKey
	}
	return m
}

// outcome 等待上一次回应的结果: 下一个回调到来表示被拒绝, 握手结束表示成功或连接失败
func (s *Session) outcome(ctx context.Context) error {
	select {
	case req := <-s.reqs:
		s.cur = req
		return ErrDenied
	case <-s.done:
		if s.hsErr == nil {
			return nil
		}
		return fmt.Errorf("authentication aborted: %w", s.hsErr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Offered(ctx context.Context, m Method) bool {
	req, err := s.pending(ctx, m)
	return err == nil && req != nil
}

func (s *Session) AuthPublicKey(ctx context.Context, signer ssh.Signer) error {
	req, err := s.pending(ctx, MethodPublicKey)
	if err != nil || req == nil {
		return err
	}
	s.cur = nil
	req.reply <- authReply{signers: []ssh.Signer{signer}}
	return s.outcome(ctx)
}

func (s *Session) AuthPassword(ctx context.Context, password string) error {
	req, err := s.pending(ctx, MethodPassword)
	if err != nil || req == nil {
		return err
	}
	s.cur = nil
	req.reply <- authReply{password: password}
	return s.outcome(ctx)
}

// ================== 会话访问 ==================

// Fingerprint 主机密钥指纹, 由调用方决定是否信任
func (s *Session) Fingerprint() Fingerprint { return s.fp }

func (s *Session) HostKey() ssh.PublicKey { return s.hostKey }

// Client 认证成功后返回底层 ssh 客户端
func (s *Session) Client() (*ssh.Client, error) {
	if !s.Authenticated() {
		return nil, errors.New("ssh: session not authenticated")
	}
	return s.client, nil
}

// Close 释放会话和 socket, 可以重复调用
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.Authenticated() {
			err = s.client.Close()
		} else {
			err = s.conn.Close()
		}
		<-s.done
	})
	return err
}
