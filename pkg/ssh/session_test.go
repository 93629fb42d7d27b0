package ssh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	pkgsftp "github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/wentf9/xops-sftpfs/internal/sshtest"
	"github.com/wentf9/xops-sftpfs/pkg/errs"
)

func handshake(t *testing.T, srv *sshtest.Server, user string) *Session {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	s, err := Handshake(context.Background(), conn, SessionConfig{User: user, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHandshakeFingerprint(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "secret"})
	s := handshake(t, srv, "alice")

	fp := s.Fingerprint()
	assert.Equal(t, ssh.FingerprintSHA256(srv.HostKey), fp.SHA256)
	assert.Equal(t, ssh.FingerprintLegacyMD5(srv.HostKey), fp.MD5)
	assert.Equal(t, srv.HostKey.Type(), fp.Type)
	assert.Equal(t, fp.SHA256, fp.String())
	assert.False(t, s.Authenticated())
}

func TestHandshakeHostKeyRejected(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "secret"})
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)

	_, err = Handshake(context.Background(), conn, SessionConfig{
		User: "alice",
		HostKeyCallback: func(string, net.Addr, ssh.PublicKey) error {
			return errors.New("host key mismatch")
		},
	})
	assert.ErrorIs(t, err, errs.ErrHandshake)
	assert.Contains(t, err.Error(), "host key mismatch")
}

func TestHandshakeNotSSH(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		io.WriteString(c, "HTTP/1.1 400 Bad Request\r\n\r\n")
		c.Close()
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	_, err = Handshake(context.Background(), conn, SessionConfig{User: "alice", Timeout: 5 * time.Second})
	assert.ErrorIs(t, err, errs.ErrHandshake)
}

func TestHandshakeCancelled(t *testing.T) {
	// 只接受连接, 不发送版本行
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		c, err := l.Accept()
		if err == nil {
			defer c.Close()
			io.Copy(io.Discard, c)
		}
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = Handshake(ctx, conn, SessionConfig{User: "alice"})
	assert.ErrorIs(t, err, errs.ErrCancelled)
}

func TestSessionPasswordRetry(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "secret"})
	s := handshake(t, srv, "alice")
	ctx := context.Background()

	methods, err := s.ListMethods(ctx)
	require.NoError(t, err)
	assert.Equal(t, CapPassword, ParseCapabilities(methods))

	assert.ErrorIs(t, s.AuthPassword(ctx, "wrong"), ErrDenied)
	require.NoError(t, s.AuthPassword(ctx, "secret"))
	assert.True(t, s.Authenticated())
	assert.Equal(t, []string{"password", "password"}, srv.Attempts())

	client, err := s.Client()
	require.NoError(t, err)
	sess, err := client.NewSession()
	require.NoError(t, err)
	sess.Close()
}

func TestSessionPublicKey(t *testing.T) {
	signer := sshtest.NewSigner(t)
	srv := sshtest.Start(t, sshtest.Options{AuthorizedKeys: []ssh.PublicKey{signer.PublicKey()}})
	s := handshake(t, srv, "alice")
	ctx := context.Background()

	methods, err := s.ListMethods(ctx)
	require.NoError(t, err)
	assert.True(t, ParseCapabilities(methods).Has(CapPublicKey))

	assert.ErrorIs(t, s.AuthPublicKey(ctx, sshtest.NewSigner(t)), ErrDenied)
	require.NoError(t, s.AuthPublicKey(ctx, signer))
	assert.True(t, s.Authenticated())
}

func TestSessionUnofferedMethod(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "secret"})
	s := handshake(t, srv, "alice")
	ctx := context.Background()

	assert.False(t, s.Offered(ctx, MethodPublicKey))
	assert.ErrorIs(t, s.AuthPublicKey(ctx, sshtest.NewSigner(t)), ErrMethodUnavailable)
	// 没提供的方式不影响后续尝试
	assert.True(t, s.Offered(ctx, MethodPassword))
	require.NoError(t, s.AuthPassword(ctx, "secret"))
}

func TestSessionGivingUpEarlierMethod(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{AuthorizedKeys: []ssh.PublicKey{sshtest.NewSigner(t).PublicKey()}})
	s := handshake(t, srv, "alice")

	err := s.AuthPassword(context.Background(), "secret")
	assert.ErrorIs(t, err, ErrMethodUnavailable)
	assert.False(t, s.Authenticated())
}

func TestSessionKeyboardInteractive(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "secret", KeyboardInteractive: true})
	s := handshake(t, srv, "alice")
	ctx := context.Background()

	methods, err := s.ListMethods(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"keyboard-interactive"}, methods)
	require.NoError(t, s.AuthPassword(ctx, "secret"))
	assert.Equal(t, []string{"keyboard-interactive"}, srv.Attempts())
}

func TestSessionNoneAuthentication(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{NoClientAuth: true})
	s := handshake(t, srv, "alice")

	methods, err := s.ListMethods(context.Background())
	require.NoError(t, err)
	assert.Empty(t, methods)
	assert.True(t, s.Authenticated())
}

func TestHandshakeNoneAuthReturnsSession(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{NoClientAuth: true})
	// 握手和 none 认证几乎同时结束, 多次重复覆盖两个通道都就绪的情况
	for range 20 {
		s := handshake(t, srv, "alice")
		assert.Equal(t, ssh.FingerprintSHA256(srv.HostKey), s.Fingerprint().SHA256)
		_, err := s.ListMethods(context.Background())
		require.NoError(t, err)
		assert.True(t, s.Authenticated())
	}
}

func TestSessionSurvivesRekey(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{NoClientAuth: true, RekeyThreshold: 256})
	s := handshake(t, srv, "alice")
	_, err := s.ListMethods(context.Background())
	require.NoError(t, err)
	client, err := s.Client()
	require.NoError(t, err)

	sc, err := pkgsftp.NewClient(client)
	require.NoError(t, err)
	defer sc.Close()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 80*1024/16)
	f, err := sc.Create("/big.bin")
	require.NoError(t, err)
	_, err = f.Write(payload)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = sc.Open("/big.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, payload, got)
	assert.Equal(t, ssh.FingerprintSHA256(srv.HostKey), s.Fingerprint().SHA256)
}

func TestSessionCloseDuringAuth(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "secret"})
	s := handshake(t, srv, "alice")
	_, err := s.ListMethods(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	_, err = s.Client()
	assert.Error(t, err)
}

func TestNegotiatorOverSession(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "secret"})
	s := handshake(t, srv, "alice")
	prompter := PromptFunc(func(string) (string, error) { return "secret", nil })

	res, err := NewNegotiator(s, NegotiatorConfig{
		User: "alice", Host: srv.Host, Password: "stale", Prompter: prompter,
	}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, MethodPassword, res.Method)
	assert.Equal(t, "secret", res.Password)
	assert.True(t, s.Authenticated())
}

func TestNegotiatorAgentOverSession(t *testing.T) {
	src, agentPub, _ := keyringAgent(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "secret", AuthorizedKeys: []ssh.PublicKey{agentPub}})
	s := handshake(t, srv, "alice")

	res, err := NewNegotiator(s, NegotiatorConfig{User: "alice", Agent: src}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, MethodAgent, res.Method)
	assert.Equal(t, CapPublicKey|CapPassword, res.Capability)
	assert.NotContains(t, srv.Attempts(), "password")
}

func TestNegotiatorExhaustedOverSession(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "secret"})
	s := handshake(t, srv, "alice")
	prompter := PromptFunc(func(string) (string, error) { return "", ErrPromptCancelled })
	emptyAgent := func() (agent.Agent, io.Closer, error) { return agent.NewKeyring(), io.NopCloser(nil), nil }

	_, err := NewNegotiator(s, NegotiatorConfig{
		User: "alice", Password: "wrong", Prompter: prompter, Agent: emptyAgent,
	}).Run(context.Background())

	require.ErrorIs(t, err, errs.ErrAuthExhausted)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, "alice", ex.User)
	assert.Equal(t, errs.KindAuthExhausted, errs.KindOf(err))
}
