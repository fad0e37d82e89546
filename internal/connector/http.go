package connector

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/goodtune/pac-agent/internal/directive"
)

// HTTPProxy tunnels through an HTTP proxy with CONNECT. When secure is set
// the connection to the proxy itself is TLS (the PAC "HTTPS" type),
// independent of whether the destination is.
type HTTPProxy struct {
	endpoint  string
	secure    bool
	tlsConfig *tls.Config
	header    http.Header
	dialer    *net.Dialer
}

// HTTPProxyOptions carries the agent-wide settings merged into every
// HTTP(S) proxy connector.
type HTTPProxyOptions struct {
	// TLSConfig is the baseline for the TLS session with an HTTPS proxy.
	TLSConfig *tls.Config
	// Header is added to every CONNECT request, e.g. Proxy-Authorization.
	Header http.Header
	Dialer *net.Dialer
}

// NewHTTPProxy returns a connector for the proxy at endpoint (host:port).
func NewHTTPProxy(endpoint string, secure bool, opts HTTPProxyOptions) *HTTPProxy {
	p := &HTTPProxy{
		endpoint: endpoint,
		secure:   secure,
		header:   opts.Header,
		dialer:   newDialer(opts.Dialer),
	}
	if secure {
		host, _, err := net.SplitHostPort(endpoint)
		if err != nil {
			host = endpoint
		}
		p.tlsConfig = clientTLSConfig(opts.TLSConfig, host)
	}
	return p
}

func (p *HTTPProxy) Kind() directive.Kind {
	if p.secure {
		return directive.HTTPSProxy
	}
	return directive.HTTPProxy
}

func (p *HTTPProxy) Endpoint() string { return p.endpoint }

// TLSConfig is the configuration used for the proxy's own TLS session, or
// nil for a plain HTTP proxy.
func (p *HTTPProxy) TLSConfig() *tls.Config { return p.tlsConfig }

// URL returns the proxy as an http or https URL for http.Transport.Proxy.
func (p *HTTPProxy) URL() *url.URL {
	scheme := "http"
	if p.secure {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: p.endpoint}
}

// Header returns the extra headers sent to the proxy.
func (p *HTTPProxy) Header() http.Header { return p.header }

// Dial opens a CONNECT tunnel to addr.
func (p *HTTPProxy) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := p.connect(ctx, addr)
	if err != nil {
		return nil, &Error{Kind: p.Kind(), Endpoint: p.endpoint, Target: addr, Err: err}
	}
	return conn, nil
}

func (p *HTTPProxy) connect(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.endpoint)
	if err != nil {
		return nil, err
	}

	if p.secure {
		tlsConn := tls.Client(conn, p.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with proxy: %w", err)
		}
		conn = tlsConn
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(aLongTimeAgo)
	})
	tunnel, err := p.handshake(conn, addr)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("CONNECT %s: %w", addr, ctxErr)
		}
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return tunnel, nil
}

// handshake sends CONNECT addr over conn and reads the proxy's reply. The
// caller owns conn on error.
func (p *HTTPProxy) handshake(conn net.Conn, addr string) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	for k, vv := range p.header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("writing CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("reading CONNECT response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("proxy returned %s", resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn keeps bytes the proxy sent right after its CONNECT reply.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func (c *bufferedConn) CloseWrite() error {
	return CloseWrite(c.Conn)
}
