package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedDestination 目标地址被出站防护拒绝
var ErrBlockedDestination = errors.New("destination blocked")

// Resolver 域名解析接口，默认使用 net.DefaultResolver
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// blockedPrefixes 禁止访问的网段
var blockedPrefixes = mustPrefixes(
	// IPv4
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10", // CGNAT
	"127.0.0.0/8",
	"169.254.0.0/16", // 链路本地，含云元数据地址
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4", // 组播
	"240.0.0.0/4", // 保留，含广播
	// IPv6
	"::/96", // IPv4 兼容地址，含 ::/128 与 ::1/128
	"::1/128",
	"64:ff9b::/96",   // NAT64
	"64:ff9b:1::/48", // 本地 NAT64
	"2001::/32",      // Teredo
	"fc00::/7",
	"fe80::/10",
	"fec0::/10", // 站点本地
	"ff00::/8",
)

// 6to4 地址在第 2-5 字节内嵌 IPv4，按内嵌地址判断
var sixToFour = netip.MustParsePrefix("2002::/16")

func mustPrefixes(items ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(items))
	for _, item := range items {
		out = append(out, netip.MustParsePrefix(item))
	}
	return out
}

// BlockedError 描述被拒绝的具体地址
type BlockedError struct {
	Host string
	Addr netip.Addr
}

func (e *BlockedError) Error() string {
	if e.Addr.IsValid() {
		return fmt.Sprintf("destination blocked: %s resolves to private address %s", e.Host, e.Addr)
	}
	return fmt.Sprintf("destination blocked: %s did not resolve to any address", e.Host)
}

func (e *BlockedError) Unwrap() error { return ErrBlockedDestination }

// Guard Webhook 出站防护
//
// 解析目标主机并校验每一个地址，通过校验的地址通过 context 固定到拨号阶段，
// 传输层只会连接这些地址，从而避免检查与连接之间的 DNS 重绑定。
type Guard struct {
	resolver Resolver
	allowed  []netip.Prefix
}

// NewGuard 创建出站防护。allowed 中的网段即使属于内网也会放行。
func NewGuard(resolver Resolver, allowed []netip.Prefix) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{resolver: resolver, allowed: allowed}
}

// IsBlocked 判断地址是否属于禁止访问的网段
func (g *Guard) IsBlocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range g.allowed {
		if p.Contains(addr) {
			return false
		}
	}
	if !addr.IsValid() {
		return true
	}
	if sixToFour.Contains(addr) {
		b := addr.As16()
		return g.IsBlocked(netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}))
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolve 解析并校验 URL 的主机，返回允许连接的地址
func (g *Guard) Resolve(ctx context.Context, u *url.URL) ([]netip.Addr, error) {
	host := u.Hostname()
	if host == "" {
		return nil, &BlockedError{Host: u.String()}
	}

	if literal, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		literal = literal.Unmap().WithZone("")
		if g.IsBlocked(literal) {
			return nil, &BlockedError{Host: host, Addr: literal}
		}
		return []netip.Addr{literal}, nil
	}

	ips, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, &BlockedError{Host: host}
	}

	addrs := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip.IP)
		if !ok {
			return nil, &BlockedError{Host: host}
		}
		addr = addr.Unmap()
		if g.IsBlocked(addr) {
			return nil, &BlockedError{Host: host, Addr: addr}
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

type pinnedAddrsKey struct{}

// WithPinnedAddrs 将校验通过的地址写入请求 context
func WithPinnedAddrs(ctx context.Context, addrs []netip.Addr) context.Context {
	return context.WithValue(ctx, pinnedAddrsKey{}, addrs)
}

func pinnedAddrs(ctx context.Context) []netip.Addr {
	addrs, _ := ctx.Value(pinnedAddrsKey{}).([]netip.Addr)
	return addrs
}

// NewPinnedClient 创建只连接固定地址且不跟随重定向的 HTTP 客户端
//
// 请求 context 中必须带有 WithPinnedAddrs 写入的地址，否则拨号失败。
func NewPinnedClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			addrs := pinnedAddrs(ctx)
			if len(addrs) == 0 {
				return nil, fmt.Errorf("%w: no pinned address for %s", ErrBlockedDestination, address)
			}
			_, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}

			var lastErr error
			for _, addr := range addrs {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: time.Second,
		// 固定地址随请求变化，不复用跨主机连接
		DisableKeepAlives: true,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
