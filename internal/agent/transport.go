package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goodtune/pac-agent/internal/connector"
)

// RoundTrip implements http.RoundTripper. Each request is resolved on its
// own and sent along the selected route, so an Agent can serve as the
// Transport of an http.Client.
func (a *Agent) RoundTrip(req *http.Request) (*http.Response, error) {
	meta, err := RequestFromURL(req.URL)
	if err != nil {
		return nil, err
	}
	rt, err := a.Route(req.Context(), meta)
	if err != nil {
		return nil, err
	}
	return a.Forward(rt, req)
}

// Forward sends req along an already resolved route. PROXY and HTTPS
// routes use the proxy as an HTTP forward proxy, tunnelling with CONNECT
// for https URLs. DIRECT and SOCKS routes dial through the connector.
func (a *Agent) Forward(rt *Route, req *http.Request) (*http.Response, error) {
	if hp, ok := rt.Connector.(*connector.HTTPProxy); ok && req.URL.Scheme == "http" && len(hp.Header()) > 0 {
		req = req.Clone(req.Context())
		for k, vv := range hp.Header() {
			for _, v := range vv {
				req.Header.Add(k, v)
			}
		}
	}

	resp, err := a.transports.get(rt).RoundTrip(req)
	if err != nil {
		a.upstreamError(rt, err)
		if !errors.Is(err, ErrConnector) {
			err = &connector.Error{
				Kind:     rt.Directive.Kind,
				Endpoint: rt.Connector.Endpoint(),
				Target:   req.URL.Host,
				Err:      err,
			}
		}
		return nil, err
	}
	return resp, nil
}

// CloseIdleConnections closes idle connections on every route's transport.
func (a *Agent) CloseIdleConnections() {
	a.transports.closeIdle()
}

func (a *Agent) newTransport(rt *Route) *http.Transport {
	t := &http.Transport{
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if a.tlsConfig != nil {
		t.TLSClientConfig = a.tlsConfig.Clone()
	}

	switch c := rt.Connector.(type) {
	case *connector.HTTPProxy:
		t.Proxy = http.ProxyURL(c.URL())
		t.ProxyConnectHeader = c.Header().Clone()
		t.DialContext = a.dialer.DialContext
	default:
		t.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
			return c.Dial(ctx, addr)
		}
	}
	return t
}

// transportCache keeps one http.Transport per distinct directive so
// connections are pooled per route. Resolution itself is never cached.
type transportCache struct {
	build func(*Route) *http.Transport

	mu sync.Mutex
	m  map[string]*http.Transport
}

func (c *transportCache) get(rt *Route) *http.Transport {
	key := rt.Directive.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.m[key]; ok {
		return t
	}
	if c.m == nil {
		c.m = make(map[string]*http.Transport)
	}
	t := c.build(rt)
	c.m[key] = t
	return t
}

func (c *transportCache) closeIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.m {
		t.CloseIdleConnections()
	}
}
