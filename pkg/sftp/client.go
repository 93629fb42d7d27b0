package sftp

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/wentf9/xops-sftpfs/pkg/errs"
	"github.com/wentf9/xops-sftpfs/pkg/iopump"
	"github.com/wentf9/xops-sftpfs/pkg/logger"
)

// Option 定义配置函数的类型
type Option func(*Client)

// WithWaitTimeout 设置每次等待响应的上限
func WithWaitTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pump.Timeout = d
		}
	}
}

func WithChunkSize(size int) Option {
	return func(c *Client) {
		if size > 0 && size <= MaxChunkSize {
			c.config.ChunkSize = size
		}
	}
}

// Client 是远程操作适配层。
// 每个操作都是 "一次协议调用 + iopump.Do", 同一个 Client 上的操作严格串行。
type Client struct {
	sess    *Session
	pump    iopump.Pump
	config  TransferConfig
	mu      sync.Mutex
	version uint32
}

// NewClient 基于已打开的协议引擎创建客户端, 需要先调用 Init
func NewClient(sess *Session, opts ...Option) *Client {
	c := &Client{
		sess:   sess,
		pump:   iopump.Pump{Waiter: sess, Diag: sess, Timeout: iopump.DefaultTimeout},
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init 完成版本协商
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := iopump.Do(ctx, c.pump, "init", c.sess.init)
	if err != nil {
		return err
	}
	if v < protocolVersion {
		return errs.New(errs.KindProtocol, "init", fmt.Sprintf("unsupported sftp version %d", v))
	}
	c.version = v
	logger.Logger.Debug("sftp subsystem ready", "version", v)
	return nil
}

// Version 服务端报告的协议版本
func (c *Client) Version() uint32 { return c.version }

// Close 关闭协议引擎 (底层通道随之关闭)
func (c *Client) Close() error {
	return c.sess.Close()
}

// Done 在连接断开后关闭
func (c *Client) Done() <-chan struct{} { return c.sess.Done() }

// fixPath 把路径转换为协议要求的绝对形式
func fixPath(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// JoinPath 处理远程路径拼接 (SFTP 协议强制使用 forward slash)
func JoinPath(elem ...string) string {
	return path.Join(elem...)
}

// Stat 获取属性 (跟随符号链接), 只更新 dst 中服务端返回的字段
func (c *Client) Stat(ctx context.Context, p string, dst *StatRecord) error {
	return c.statPath(ctx, fxpStat, "stat", p, dst)
}

// Lstat 同 Stat, 但不跟随符号链接
func (c *Client) Lstat(ctx context.Context, p string, dst *StatRecord) error {
	return c.statPath(ctx, fxpLstat, "lstat", p, dst)
}

func (c *Client) statPath(ctx context.Context, typ byte, op, p string, dst *StatRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = fixPath(p)
	attrs, err := iopump.Do(ctx, c.pump, op, func() (*Attributes, error) {
		return c.sess.stat(typ, op, p)
	})
	if err != nil {
		return err
	}
	attrs.ApplyTo(dst)
	return nil
}

// RealPath 让服务端规范化路径
func (c *Client) RealPath(ctx context.Context, p string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = fixPath(p)
	return iopump.Do(ctx, c.pump, "realpath", func() (string, error) {
		return c.sess.realpath(p)
	})
}

// closeHandle 释放协议句柄, 调用方负责保证只调用一次
func (c *Client) closeHandle(ctx context.Context, op, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := iopump.Do(ctx, c.pump, op, func() (struct{}, error) {
		return c.sess.close(handle)
	})
	return err
}

// Mkdir 创建远程目录
func (c *Client) Mkdir(ctx context.Context, p string, perm os.FileMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = fixPath(p)
	attrs := &Attributes{Flags: attrPermissions, Permissions: uint32(perm.Perm())}
	_, err := iopump.Do(ctx, c.pump, "mkdir", func() (struct{}, error) {
		return c.sess.mkdir(p, attrs)
	})
	return err
}
