package ssh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/wentf9/xops-sftpfs/internal/sshtest"
)

func noneClient(t *testing.T, srv *sshtest.Server) *ssh.Client {
	t.Helper()
	s := handshake(t, srv, "alice")
	_, err := s.ListMethods(context.Background())
	require.NoError(t, err)
	client, err := s.Client()
	require.NoError(t, err)
	return client
}

func TestKeepAliveReportsFailure(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{NoClientAuth: true})
	client := noneClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	failed := make(chan error, 1)
	StartKeepAlive(ctx, client, 20*time.Millisecond, func(err error) { failed <- err })

	// 服务端正常应答时不报告
	select {
	case err := <-failed:
		t.Fatalf("unexpected keepalive failure: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	srv.DropConnections()
	select {
	case err := <-failed:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("keepalive failure not reported")
	}
	// 失败后连接已被关闭
	assert.Error(t, client.Wait())
}

func TestKeepAliveStopsWithContext(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{NoClientAuth: true})
	client := noneClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	called := make(chan error, 1)
	StartKeepAlive(ctx, client, 20*time.Millisecond, func(err error) { called <- err })
	cancel()
	time.Sleep(50 * time.Millisecond)

	srv.DropConnections()
	select {
	case err := <-called:
		t.Fatalf("keepalive still running after cancel: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestKeepAliveDisabled(t *testing.T) {
	// 间隔为 0 时不启动, 不会访问 client
	assert.NotPanics(t, func() {
		StartKeepAlive(context.Background(), nil, 0, func(error) { t.Error("fallback called") })
	})
}
