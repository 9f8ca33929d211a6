package fetch

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
)

// proxyRing hands out proxies round robin, the current proxy only changes
// when rotate is called.
type proxyRing struct {
	proxies []*url.URL
	current atomic.Int64
}

func newProxyRing(raw []string) (*proxyRing, error) {
	ring := &proxyRing{}
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "://") {
			p = "http://" + p
		}
		u, err := url.Parse(p)
		if err != nil {
			return nil, err
		}
		ring.proxies = append(ring.proxies, u)
	}
	if len(ring.proxies) == 0 {
		return nil, nil
	}
	return ring, nil
}

func (r *proxyRing) proxy(*http.Request) (*url.URL, error) {
	return r.proxies[r.current.Load()%int64(len(r.proxies))], nil
}

func (r *proxyRing) rotate() *url.URL {
	next := r.current.Add(1)
	return r.proxies[next%int64(len(r.proxies))]
}

func (r *proxyRing) len() int {
	return len(r.proxies)
}

// proxyFailure reports whether err or status can be blamed on the proxy
// rather than the retailer.
func proxyFailure(err error, status int) bool {
	if status == http.StatusProxyAuthRequired {
		return true
	}
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "proxyconnect" {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "proxyconnect") || strings.Contains(msg, "proxy error")
}
