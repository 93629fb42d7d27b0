package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh/agent"
)

// ErrNoAgent 没有可用的 agent socket
var ErrNoAgent = errors.New("ssh agent not available (SSH_AUTH_SOCK not set)")

// AgentSource 连接本地 agent, 返回客户端和需要在断开时关闭的连接
type AgentSource func() (agent.Agent, io.Closer, error)

// SocketAgent 通过 unix socket 连接 agent, socket 为空时读取 SSH_AUTH_SOCK
func SocketAgent(socket string) AgentSource {
	return func() (agent.Agent, io.Closer, error) {
		if socket == "" {
			socket = os.Getenv("SSH_AUTH_SOCK")
		}
		if socket == "" {
			return nil, nil, ErrNoAgent
		}
		conn, err := net.DialTimeout("unix", socket, 5*time.Second)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
		}
		return agent.NewClient(conn), conn, nil
	}
}
