package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver decides whether X-Forwarded-For may be trusted based on
// the immediate peer address. Only requests arriving from a trusted proxy
// CIDR get their forwarded header honoured.
type ClientIPResolver struct {
	trusted []*net.IPNet
}

func NewClientIPResolver(cidrs []string) (*ClientIPResolver, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	if len(trusted) == 0 {
		for _, c := range []string{"127.0.0.1/32", "::1/128"} {
			_, ipnet, _ := net.ParseCIDR(c)
			trusted = append(trusted, ipnet)
		}
	}
	return &ClientIPResolver{trusted: trusted}, nil
}

func (g *ClientIPResolver) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the originating address for logging and audit metadata.
func (g *ClientIPResolver) ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	if !g.isTrusted(host) {
		return host
	}
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff == "" {
		return host
	}
	parts := strings.Split(xff, ",")
	return strings.TrimSpace(parts[0])
}
