package sftpfs

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/wentf9/xops-sftpfs/pkg/config"
	"github.com/wentf9/xops-sftpfs/pkg/logger"
	"github.com/wentf9/xops-sftpfs/pkg/models"
	"github.com/wentf9/xops-sftpfs/pkg/ssh"
	"github.com/wentf9/xops-sftpfs/pkg/utils"
	"github.com/wentf9/xops-sftpfs/pkg/utils/concurrent"
)

// Pool 按 Key 缓存连接, 每个键只有一个存活的连接
type Pool struct {
	opts     []Option
	settings config.Settings
	conns    *concurrent.Map[string, *Connection]
	// 被淘汰的连接上得到的密码/口令, 重连时使用
	secrets *concurrent.Map[string, models.Descriptor]
	// 同一个键的并发 Get 只建立一次连接
	sf singleflight.Group
}

func NewPool(opts ...Option) *Pool {
	return &Pool{
		opts:     opts,
		settings: buildOptions(opts).settings,
		conns:    concurrent.NewMap[string, *Connection](concurrent.HashString),
		secrets:  concurrent.NewMap[string, models.Descriptor](concurrent.HashString),
	}
}

func (p *Pool) normalize(d models.Descriptor) models.Descriptor {
	config.FillDefaults(&d, p.settings)
	return Effective(d)
}

// Get 返回与 d 相等的已缓存连接, 没有或已断开时建立新连接。
// 配置了 ProxyJump 时先获取跳板机连接, 目标地址在跳板机上解析。
func (p *Pool) Get(ctx context.Context, d models.Descriptor) (*Connection, error) {
	d = p.normalize(d)
	key := Key(d)
	if c, ok := p.cached(key); ok {
		return c, nil
	}

	result, err, _ := p.sf.Do(key, func() (any, error) {
		// 双重检查: 进入 Do 之前别的协程可能刚好建立好了连接
		if c, ok := p.cached(key); ok {
			return c, nil
		}
		if s, ok := p.secrets.Get(key); ok {
			if d.Password == "" {
				d.Password = s.Password
			}
			if d.Passphrase == "" {
				d.Passphrase = s.Passphrase
			}
		}

		opts := p.opts
		if d.ProxyJump != nil {
			jump, err := p.Get(ctx, *d.ProxyJump)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to jump host '%s': %w", Key(*d.ProxyJump), err)
			}
			client, err := jump.sshClient()
			if err != nil {
				return nil, err
			}
			opts = append(opts[:len(opts):len(opts)], WithDialer(&ssh.SSHProxyDialer{Client: client}))
		}

		c, err := Open(ctx, d, opts...)
		if err != nil {
			return nil, err
		}
		p.conns.Set(key, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Connection), nil
}

// cached 命中时检查连接状态, 已断开的连接被移出并关闭
func (p *Pool) cached(key string) (*Connection, bool) {
	c, ok := p.conns.Get(key)
	if !ok {
		return nil, false
	}
	if !c.Broken() {
		return c, true
	}
	if p.conns.RemoveIf(key, func(v *Connection) bool { return v == c }) {
		logger.Logger.Debug("evicting broken connection", "conn", key)
		p.secrets.Set(key, c.Descriptor())
		c.Close()
	}
	return nil, false
}

// Lookup 只查缓存, 不建立连接
func (p *Pool) Lookup(d models.Descriptor) (*Connection, bool) {
	return p.cached(Key(p.normalize(d)))
}

// Remove 关闭并移出与 d 相等的连接
func (p *Pool) Remove(d models.Descriptor) error {
	key := Key(p.normalize(d))
	c, ok := p.conns.Pop(key)
	if !ok {
		return nil
	}
	p.secrets.Set(key, c.Descriptor())
	return c.Close()
}

// Len 当前缓存的连接数
func (p *Pool) Len() int { return p.conns.Count() }

// CloseAll 并行关闭所有缓存的连接 (在程序退出前调用)
func (p *Pool) CloseAll() {
	wp := utils.NewWorkerPool(0)
	for key, c := range p.conns.Drain() {
		wp.Execute(func() {
			if err := c.Close(); err != nil {
				logger.Logger.Debug("close connection", "conn", key, "err", err)
			}
		})
	}
	wp.Wait()
}
