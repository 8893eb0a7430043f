package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies decides which peers may assert identity and client address
// headers.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses CIDRs and bare addresses. Invalid entries are
// skipped; config validation rejects them earlier.
func NewTrustedProxies(cidrs []string) *TrustedProxies {
	tp := &TrustedProxies{}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if p, err := netip.ParsePrefix(c); err == nil {
			tp.prefixes = append(tp.prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(c); err == nil {
			tp.prefixes = append(tp.prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return tp
}

// IsTrusted reports whether addr falls in a trusted range.
func (tp *TrustedProxies) IsTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range tp.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsTrustedPeer reports whether the direct peer of r is trusted.
func (tp *TrustedProxies) IsTrustedPeer(r *http.Request) bool {
	addr, ok := remoteAddr(r.RemoteAddr)
	return ok && tp.IsTrusted(addr)
}

// ClientIP returns the originating client address. Forwarding headers are
// only read when the direct peer is trusted; the first X-Forwarded-For
// entry wins over X-Real-IP.
func (tp *TrustedProxies) ClientIP(r *http.Request) string {
	direct, ok := remoteAddr(r.RemoteAddr)
	if !ok {
		return "unknown"
	}
	if !tp.IsTrusted(direct) {
		return direct.String()
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if a, err := netip.ParseAddr(strings.TrimSpace(part)); err == nil {
				return a.Unmap().String()
			}
		}
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return a.Unmap().String()
	}
	return direct.String()
}

// remoteAddr parses net/http's "ip:port" RemoteAddr, accepting a bare ip.
func remoteAddr(s string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
