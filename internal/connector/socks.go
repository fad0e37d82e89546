package connector

import (
	"context"
	"errors"
	"net"

	"golang.org/x/net/proxy"

	"github.com/goodtune/pac-agent/internal/directive"
)

// SOCKS tunnels through a SOCKS5 proxy. Destination names are sent to the
// proxy unresolved.
type SOCKS struct {
	endpoint string
	dialer   *net.Dialer
}

// NewSOCKS returns a connector for the SOCKS5 proxy at endpoint (host:port).
func NewSOCKS(endpoint string, d *net.Dialer) (*SOCKS, error) {
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return nil, err
	}
	return &SOCKS{endpoint: endpoint, dialer: newDialer(d)}, nil
}

func (s *SOCKS) Kind() directive.Kind { return directive.SOCKS }

func (s *SOCKS) Endpoint() string { return s.endpoint }

func (s *SOCKS) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return nil, &Error{Kind: directive.SOCKS, Endpoint: s.endpoint, Target: addr, Err: err}
	}
	return conn, nil
}

func (s *SOCKS) dial(ctx context.Context, addr string) (net.Conn, error) {
	fwd := &recordingDialer{dialer: s.dialer}
	pd, err := proxy.SOCKS5("tcp", s.endpoint, nil, fwd)
	if err != nil {
		return nil, err
	}
	cd, ok := pd.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks dialer does not support contexts")
	}
	conn, err := cd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &socksConn{Conn: conn, raw: fwd.conn}, nil
}

// recordingDialer keeps the connection it opens to the SOCKS server.
type recordingDialer struct {
	dialer *net.Dialer
	conn   net.Conn
}

func (d *recordingDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *recordingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	d.conn = conn
	return conn, nil
}

// socksConn exposes the transport under the x/net wrapper, which does not
// forward CloseWrite.
type socksConn struct {
	net.Conn
	raw net.Conn
}

func (c *socksConn) NetConn() net.Conn { return c.raw }
