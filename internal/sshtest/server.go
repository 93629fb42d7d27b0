// Package sshtest 提供测试用的进程内 SSH 服务端, 带有 sftp 子系统 (内存文件系统)。
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	pkgsftp "github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Options 控制服务端提供哪些认证方式
type Options struct {
	// Password 非空时提供 password 认证
	Password string
	// KeyboardInteractive 用 keyboard-interactive 代替 password 提供密码认证
	KeyboardInteractive bool
	// AuthorizedKeys 非空时提供 publickey 认证
	AuthorizedKeys []ssh.PublicKey
	// NoClientAuth 允许 none 认证
	NoClientAuth bool
	MaxAuthTries int
	// RekeyThreshold 服务端传输多少字节后重新交换密钥, 0 使用默认值
	RekeyThreshold uint64
}

// Server 进程内 SSH 服务端
type Server struct {
	Host    string
	Port    int
	HostKey ssh.PublicKey

	listener net.Listener
	config   *ssh.ServerConfig
	handlers pkgsftp.Handlers

	mu       sync.Mutex
	conns    []net.Conn
	attempts []string
	accepted int
	wg       sync.WaitGroup
}

// Start 在 127.0.0.1 的随机端口上启动服务端, 测试结束时自动关闭
func Start(t testing.TB, opts Options) *Server {
	t.Helper()
	hostSigner := NewSigner(t)

	s := &Server{HostKey: hostSigner.PublicKey(), handlers: pkgsftp.InMemHandler()}
	config := &ssh.ServerConfig{
		Config:       ssh.Config{RekeyThreshold: opts.RekeyThreshold},
		NoClientAuth: opts.NoClientAuth,
		MaxAuthTries: opts.MaxAuthTries,
	}
	if opts.Password != "" && !opts.KeyboardInteractive {
		config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			s.record("password")
			if string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		}
	}
	if opts.Password != "" && opts.KeyboardInteractive {
		config.KeyboardInteractiveCallback = func(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			s.record("keyboard-interactive")
			answers, err := client(conn.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) == 1 && answers[0] == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("keyboard-interactive rejected for %q", conn.User())
		}
	}
	if len(opts.AuthorizedKeys) > 0 {
		config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.record("publickey")
			for _, k := range opts.AuthorizedKeys {
				if ssh.FingerprintSHA256(k) == ssh.FingerprintSHA256(key) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	config.AddHostKey(hostSigner)
	s.config = config

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	addr := listener.Addr().(*net.TCPAddr)
	s.Host = addr.IP.String()
	s.Port = addr.Port

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr host:port
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Attempts 服务端收到的认证尝试, 按顺序记录方式名
func (s *Server) Attempts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.attempts...)
}

// Accepted 已接受的 TCP 连接数
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *Server) record(method string) {
	s.mu.Lock()
	s.attempts = append(s.attempts, method)
	s.mu.Unlock()
}

// DropConnections 断开所有已建立的连接
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Close 停止监听并断开所有连接
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, netConn)
		s.accepted++
		s.mu.Unlock()
		go s.handleConn(netConn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, requests)
		case "direct-tcpip":
			go s.handleDirect(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		// payload: uint32 长度 + 子系统名
		if req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp" {
			req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			srv := pkgsftp.NewRequestServer(ch, s.handlers)
			srv.Serve()
			srv.Close()
			return
		}
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
}

// handleDirect 支持 ProxyJump: 把 direct-tcpip 通道接到目标地址
func (s *Server) handleDirect(newChan ssh.NewChannel) {
	var payload struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port))))
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newChan.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	go func() {
		defer ch.Close()
		defer target.Close()
		io.Copy(target, ch)
	}()
	io.Copy(ch, target)
	ch.CloseWrite()
}

// NewSigner 生成一个 ed25519 密钥
func NewSigner(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

// WriteKey 生成私钥写入临时目录, passphrase 非空时加密。返回文件路径和公钥。
func WriteKey(t testing.TB, passphrase string) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "sshtest")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "sshtest", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return path, sshPub
}
