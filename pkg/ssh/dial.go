package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/wentf9/xops-sftpfs/pkg/errs"
	"github.com/wentf9/xops-sftpfs/pkg/logger"
)

// LookupFunc 与 net.Resolver.LookupNetIP 签名一致
type LookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

type dialOptions struct {
	lookup  LookupFunc
	dialer  Dialer
	proxied bool
	timeout time.Duration
}

// DialOption 定义拨号配置函数的类型
type DialOption func(*dialOptions)

// WithLookup 替换地址解析函数
func WithLookup(fn LookupFunc) DialOption {
	return func(o *dialOptions) {
		if fn != nil {
			o.lookup = fn
		}
	}
}

// WithProxy 通过跳板机拨号, 地址由跳板机解析
func WithProxy(d Dialer) DialOption {
	return func(o *dialOptions) {
		if d != nil {
			o.dialer = d
			o.proxied = true
		}
	}
}

// WithConnectTimeout 单个地址的连接超时
func WithConnectTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Dial 解析 host 并依次尝试每个地址, 返回第一个连接成功的 socket。
// port 必须已经由上层填好默认值。
func Dial(ctx context.Context, host string, port int, opts ...DialOption) (net.Conn, error) {
	o := &dialOptions{
		lookup:  net.DefaultResolver.LookupNetIP,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if host == "" {
		return nil, errs.New(errs.KindNameResolution, "connect", "empty host")
	}
	if port <= 0 || port > 65535 {
		return nil, &errs.Error{Kind: errs.KindSocket, Op: "connect", Host: host, Msg: fmt.Sprintf("invalid port %d", port)}
	}

	if o.proxied {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		conn, err := o.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, connectError(ctx, addr, err)
		}
		return conn, nil
	}

	addrs, err := resolve(ctx, o.lookup, preferredNetwork(), host)
	if err != nil {
		return nil, err
	}
	candidates := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		candidates = append(candidates, netip.AddrPortFrom(a.Unmap(), uint16(port)))
	}
	d := o.dialer
	if d == nil {
		d = &net.Dialer{Timeout: o.timeout}
	}
	return dialCandidates(ctx, d, host, candidates)
}

// resolve 先按本机已配置的地址族解析, 被拒绝或没有结果时不限地址族重试
func resolve(ctx context.Context, lookup LookupFunc, network, host string) ([]netip.Addr, error) {
	addrs, err := lookup(ctx, network, host)
	if (err != nil || len(addrs) == 0) && network != "ip" && ctx.Err() == nil {
		logger.Logger.Debug("restricted lookup failed, retrying unrestricted", "host", host, "network", network, "err", err)
		addrs, err = lookup(ctx, "ip", host)
	}
	if ctx.Err() != nil {
		return nil, &errs.Error{Kind: errs.KindCancelled, Op: "resolve", Host: host, Err: ctx.Err()}
	}
	if err != nil {
		return nil, &errs.Error{Kind: errs.KindNameResolution, Op: "resolve", Host: host, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &errs.Error{Kind: errs.KindNameResolution, Op: "resolve", Host: host, Msg: "no addresses"}
	}
	return addrs, nil
}

// dialCandidates 按顺序连接, 失败继续下一个; 用户取消单独报告
func dialCandidates(ctx context.Context, d Dialer, host string, candidates []netip.AddrPort) (net.Conn, error) {
	var failures []error
	for _, ap := range candidates {
		addr := ap.String()
		logger.Logger.Debug("connecting", "host", host, "addr", addr)
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, &errs.Error{Kind: errs.KindCancelled, Op: "connect", Host: host, Err: ctx.Err()}
		}
		failures = append(failures, err)
	}
	return nil, &errs.Error{Kind: errs.KindSocket, Op: "connect", Host: host, Err: errors.Join(failures...)}
}

func connectError(ctx context.Context, addr string, err error) error {
	if ctx.Err() != nil {
		return &errs.Error{Kind: errs.KindCancelled, Op: "connect", Host: addr, Err: ctx.Err()}
	}
	return &errs.Error{Kind: errs.KindSocket, Op: "connect", Host: addr, Err: err}
}

// preferredNetwork 只使用本机接口上已配置的地址族
func preferredNetwork() string {
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return "ip"
	}
	var v4, v6 bool
	for _, a := range ifAddrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		ip := prefix.Addr()
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		if ip.Is4() || ip.Is4In6() {
			v4 = true
		} else {
			v6 = true
		}
	}
	switch {
	case v4 && !v6:
		return "ip4"
	case v6 && !v4:
		return "ip6"
	}
	return "ip"
}
