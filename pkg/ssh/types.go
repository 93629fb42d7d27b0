package ssh

import (
	"context"
	"net"
)

// Dialer 建立传输连接: 直连时是 *net.Dialer, 经跳板机时是 *SSHProxyDialer
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

var (
	_ Dialer = (*net.Dialer)(nil)
	_ Dialer = (*SSHProxyDialer)(nil)
)
