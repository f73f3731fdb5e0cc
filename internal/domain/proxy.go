package domain

import (
	"net/url"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ProxyState tracks an egress proxy candidate and how many connections through it failed.
// The failure counter only grows; a new pool creates fresh states.
type ProxyState struct {
	id       string
	proxy    *url.URL
	failures *atomic.Uint64
}

func NewProxyState(proxy *url.URL) *ProxyState {
	return &ProxyState{
		id:       uuid.NewString(),
		proxy:    proxy,
		failures: atomic.NewUint64(0),
	}
}

// ParseProxyState accepts proxy URLs such as "http://10.0.0.1:3128" or "socks5://host:1080".
func ParseProxyState(raw string) (*ProxyState, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.WithMessagef(err, "parse proxy url '%s'", raw)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("proxy url '%s' must have scheme and host", raw)
	}
	return NewProxyState(u), nil
}

func (p *ProxyState) ID() string {
	return p.id
}

func (p *ProxyState) URL() *url.URL {
	return p.proxy
}

func (p *ProxyState) FailureCount() uint64 {
	return p.failures.Load()
}

// IncrementFailureCount is safe for concurrent use and returns the new count.
func (p *ProxyState) IncrementFailureCount() uint64 {
	return p.failures.Inc()
}

func (p *ProxyState) String() string {
	return p.proxy.Redacted()
}
