package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wentf9/xops-sftpfs/internal/sshtest"
	"github.com/wentf9/xops-sftpfs/pkg/config"
	"github.com/wentf9/xops-sftpfs/pkg/crypto"
	"github.com/wentf9/xops-sftpfs/pkg/models"
)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.NewConfiguration()
	cfg.Hosts.Set("web1", models.Host{Address: "10.0.0.1", Port: 2222})
	cfg.Identities.Set("web1", models.Identity{User: "deploy", KeyPath: "/keys/web1"})
	cfg.Nodes.Set("web1", models.Node{Alias: []string{"w1"}, HostRef: "web1", IdentityRef: "web1"})
	cfg.Hosts.Set("bastion", models.Host{Address: "10.0.0.254"})
	cfg.Identities.Set("bastion", models.Identity{User: "jump"})
	cfg.Nodes.Set("bastion", models.Node{HostRef: "bastion", IdentityRef: "bastion"})
	t.Cleanup(func() { connOpts = ConnOptions{} })
	return &app{
		settings: config.Settings{Port: config.DefaultPort},
		cfg:      cfg,
		provider: config.NewProvider(cfg),
	}
}

func TestResolveNode(t *testing.T) {
	a := testApp(t)
	for _, in := range []string{"web1:/srv", "w1:/srv"} {
		d, p, err := a.resolve(in)
		require.NoError(t, err, in)
		assert.Equal(t, "/srv", p)
		assert.Equal(t, models.Descriptor{Host: "10.0.0.1", Port: 2222, User: "deploy", KeyPath: "/keys/web1"}, d)
	}

	// 端口不同, 不匹配 web1
	d, _, err := a.resolve("deploy@10.0.0.1:/srv")
	require.NoError(t, err)
	assert.Equal(t, models.Descriptor{Host: "10.0.0.1", User: "deploy"}, d)
}

func TestResolveURLSkipsConfig(t *testing.T) {
	a := testApp(t)
	d, p, err := a.resolve("sftp://web1:2200/tmp")
	require.NoError(t, err)
	assert.Equal(t, "/tmp", p)
	assert.Equal(t, models.Descriptor{Host: "web1", Port: 2200}, d)
}

func TestResolveAppliesFlags(t *testing.T) {
	a := testApp(t)
	connOpts = ConnOptions{KeyFile: "/tmp/id", AuthMethod: "password", Jump: "bastion"}
	d, _, err := a.resolve("alice@db:/")
	require.NoError(t, err)
	assert.Equal(t, "alice", d.User)
	assert.Equal(t, "db", d.Host)
	assert.Equal(t, "/tmp/id", d.KeyPath)
	assert.Equal(t, "password", d.AuthMethod)
	require.NotNil(t, d.ProxyJump)
	assert.Equal(t, "10.0.0.254", d.ProxyJump.Host)
	assert.Equal(t, "jump", d.ProxyJump.User)

	connOpts = ConnOptions{Jump: "ops@gw"}
	d, _, err = a.resolve("db:/")
	require.NoError(t, err)
	require.NotNil(t, d.ProxyJump)
	assert.Equal(t, models.Descriptor{Host: "gw", User: "ops"}, *d.ProxyJump)
}

func TestResolveInvalidTarget(t *testing.T) {
	a := testApp(t)
	_, _, err := a.resolve("no-path-separator")
	assert.Error(t, err)
}

// 端到端: put / ls / stat / get / fingerprint, 最后保存节点
func TestCommandsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("SFTPFS_CONFIG", filepath.Join(dir, "config.yaml"))
	t.Setenv("SFTPFS_SECRET_KEY_FILE", filepath.Join(dir, "secret.key"))
	t.Cleanup(func() { connOpts = ConnOptions{} })
	t.Cleanup(closeApp)

	srv := sshtest.Start(t, sshtest.Options{NoClientAuth: true})
	base := fmt.Sprintf("sftp://alice@%s:%d", srv.Host, srv.Port)

	local := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello sftp"), 0644))

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(args)
		require.NoError(t, rootCmd.ExecuteContext(context.Background()), out.String())
		return out.String()
	}

	run("put", "-q", local, base+"/")
	assert.Contains(t, run("ls", base+"/"), "hello.txt")
	assert.Contains(t, run("stat", base+"/hello.txt"), "Size: 10")

	got := filepath.Join(dir, "got.txt")
	run("get", "-q", base+"/hello.txt", got)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "hello sftp", string(data))

	out := run("fingerprint", "--save", "test", base)
	assert.Contains(t, out, "SHA256:")
	assert.Contains(t, out, "Server methods (inferred):")
	assert.Contains(t, out, "none")
	// 一个服务端只建立了一个连接
	assert.Equal(t, 1, srv.Accepted())

	key, err := crypto.LoadOrGenerateKey(filepath.Join(dir, "secret.key"))
	require.NoError(t, err)
	store := config.NewDefaultStore(filepath.Join(dir, "config.yaml"), key)
	cfg, err := store.Load()
	require.NoError(t, err)
	node, ok := cfg.Nodes.Get("test")
	require.True(t, ok)
	assert.Equal(t, "test", node.HostRef)
	host, ok := cfg.Hosts.Get("test")
	require.True(t, ok)
	assert.Equal(t, srv.Port, host.Port)
}
