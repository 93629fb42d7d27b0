package sftpfs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wentf9/xops-sftpfs/internal/sshtest"
	"github.com/wentf9/xops-sftpfs/pkg/config"
	"github.com/wentf9/xops-sftpfs/pkg/models"
)

func TestPoolReusesConnection(t *testing.T) {
	hermetic(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "secret"})
	pool := NewPool(WithAgent(noAgent))
	defer pool.CloseAll()
	d := descriptor(srv)
	d.Password = "secret"

	var wg sync.WaitGroup
	conns := make([]*Connection, 8)
	for i := range conns {
		wg.Go(func() {
			c, err := pool.Get(context.Background(), d)
			assert.NoError(t, err)
			conns[i] = c
		})
	}
	wg.Wait()

	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
	assert.Equal(t, 1, srv.Accepted())
	assert.Equal(t, 1, pool.Len())

	// 凭据不同的等价描述命中同一个连接
	same := d
	same.Password = ""
	c, ok := pool.Lookup(same)
	require.True(t, ok)
	assert.Same(t, conns[0], c)
}

func TestPoolEvictsBrokenConnection(t *testing.T) {
	hermetic(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "secret"})
	prompter := &countingPrompter{answer: "secret"}
	pool := NewPool(WithAgent(noAgent), WithPrompter(prompter))
	defer pool.CloseAll()
	d := descriptor(srv)

	first, err := pool.Get(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, int32(1), prompter.calls.Load())

	srv.DropConnections()
	require.Eventually(t, first.Broken, 5*time.Second, 10*time.Millisecond)

	second, err := pool.Get(context.Background(), d)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, srv.Accepted())
	// 重连使用记住的密码, 不再提示
	assert.Equal(t, int32(1), prompter.calls.Load())
}

func TestPoolKeepAliveMarksBrokenAndReconnects(t *testing.T) {
	hermetic(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "secret"})
	settings := config.Settings{
		AuthMethod:     "auto",
		Port:           config.DefaultPort,
		WaitTimeout:    time.Second,
		ConnectTimeout: time.Second,
		Keepalive:      50 * time.Millisecond,
	}
	pool := NewPool(WithAgent(noAgent), WithSettings(settings))
	defer pool.CloseAll()
	d := descriptor(srv)
	d.Password = "secret"

	first, err := pool.Get(context.Background(), d)
	require.NoError(t, err)
	require.NotNil(t, first.stopKeepAlive)
	// 心跳正常时连接保持可用
	time.Sleep(200 * time.Millisecond)
	assert.False(t, first.Broken())

	srv.DropConnections()
	// broken 标记只由心跳失败 (或 Close) 设置
	require.Eventually(t, first.broken.Load, 5*time.Second, 10*time.Millisecond)
	assert.True(t, first.Broken())

	second, err := pool.Get(context.Background(), d)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, srv.Accepted())
	assert.False(t, second.Broken())
}

func TestPoolRemove(t *testing.T) {
	hermetic(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "secret"})
	pool := NewPool(WithAgent(noAgent))
	d := descriptor(srv)
	d.Password = "secret"

	c, err := pool.Get(context.Background(), d)
	require.NoError(t, err)
	require.NoError(t, pool.Remove(d))
	assert.True(t, c.Broken())
	assert.Equal(t, 0, pool.Len())
	assert.NoError(t, pool.Remove(d))
}

func TestPoolProxyJump(t *testing.T) {
	hermetic(t)
	bastion := sshtest.Start(t, sshtest.Options{Password: "jump"})
	target := sshtest.Start(t, sshtest.Options{Password: "target"})
	pool := NewPool(WithAgent(noAgent))
	defer pool.CloseAll()

	jump := descriptor(bastion)
	jump.Password = "jump"
	d := descriptor(target)
	d.Password = "target"
	d.ProxyJump = &jump

	c, err := pool.Get(context.Background(), d)
	require.NoError(t, err)
	_, err = c.ReadDir(context.Background(), "/")
	require.NoError(t, err)

	assert.Equal(t, 2, pool.Len())
	assert.Equal(t, 1, bastion.Accepted())
	assert.Equal(t, 1, target.Accepted())
	_, ok := pool.Lookup(jump)
	assert.True(t, ok)
}

func TestPoolAppliesSettingsPort(t *testing.T) {
	hermetic(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "secret"})
	settings := config.Settings{Port: srv.Port, AuthMethod: "auto", WaitTimeout: time.Second, ConnectTimeout: time.Second}
	pool := NewPool(WithAgent(noAgent), WithSettings(settings))
	defer pool.CloseAll()

	c, err := pool.Get(context.Background(), models.Descriptor{Host: srv.Host, User: "alice", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, srv.Port, c.Descriptor().Port)
}

func TestPoolCloseAll(t *testing.T) {
	hermetic(t)
	a := sshtest.Start(t, sshtest.Options{Password: "secret"})
	b := sshtest.Start(t, sshtest.Options{Password: "secret"})
	pool := NewPool(WithAgent(noAgent))

	var conns []*Connection
	for _, srv := range []*sshtest.Server{a, b} {
		d := descriptor(srv)
		d.Password = "secret"
		c, err := pool.Get(context.Background(), d)
		require.NoError(t, err)
		conns = append(conns, c)
	}

	pool.CloseAll()
	assert.Equal(t, 0, pool.Len())
	for _, c := range conns {
		assert.True(t, c.Broken())
	}
}
