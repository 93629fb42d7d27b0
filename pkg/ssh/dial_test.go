package ssh

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wentf9/xops-sftpfs/pkg/errs"
)

func listen(t *testing.T) (*net.TCPListener, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	return l.(*net.TCPListener), l.Addr().(*net.TCPAddr).Port
}

// closedPort 返回一个刚释放的端口
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestDialEmptyHost(t *testing.T) {
	_, err := Dial(context.Background(), "", 22)
	assert.ErrorIs(t, err, errs.ErrNameResolution)
}

func TestDialInvalidPort(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1", 70000)
	assert.ErrorIs(t, err, errs.ErrSocket)
}

func TestDialLoopback(t *testing.T) {
	_, port := listen(t)
	conn, err := Dial(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	conn.Close()
}

func TestDialRefused(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1", closedPort(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrSocket)
	assert.True(t, errs.KindOf(err).IsConnectivity())
}

func TestDialUnresolvable(t *testing.T) {
	lookup := func(ctx context.Context, network, host string) ([]netip.Addr, error) {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	_, err := Dial(context.Background(), "nowhere.invalid", 22, WithLookup(lookup))
	assert.ErrorIs(t, err, errs.ErrNameResolution)
}

func TestDialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lookup := func(ctx context.Context, network, host string) ([]netip.Addr, error) {
		return nil, ctx.Err()
	}
	_, err := Dial(ctx, "example.com", 22, WithLookup(lookup))
	assert.ErrorIs(t, err, errs.ErrCancelled)
}

func TestResolveFallsBackToAnyFamily(t *testing.T) {
	var networks []string
	lookup := func(ctx context.Context, network, host string) ([]netip.Addr, error) {
		networks = append(networks, network)
		if network == "ip4" {
			return nil, errors.New("no A record")
		}
		return []netip.Addr{netip.MustParseAddr("::1")}, nil
	}

	addrs, err := resolve(context.Background(), lookup, "ip4", "v6only.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"ip4", "ip"}, networks)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("::1")}, addrs)
}

func TestResolveEmptyResult(t *testing.T) {
	lookup := func(ctx context.Context, network, host string) ([]netip.Addr, error) {
		return nil, nil
	}
	_, err := resolve(context.Background(), lookup, "ip", "empty.example")
	assert.ErrorIs(t, err, errs.ErrNameResolution)
}

func TestDialCandidatesTriesNextAddress(t *testing.T) {
	_, port := listen(t)
	dead := closedPort(t)
	candidates := []netip.AddrPort{
		netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(dead)),
		netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port)),
	}

	conn, err := dialCandidates(context.Background(), &net.Dialer{Timeout: time.Second}, "multi", candidates)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, port, conn.RemoteAddr().(*net.TCPAddr).Port)
}

func TestDialCandidatesAllFail(t *testing.T) {
	candidates := []netip.AddrPort{
		netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(closedPort(t))),
		netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(closedPort(t))),
	}
	_, err := dialCandidates(context.Background(), &net.Dialer{Timeout: time.Second}, "multi", candidates)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindSocket, e.Kind)
	assert.Equal(t, "multi", e.Host)
}
