// Package connector opens byte streams to a destination along one of the
// routes a PAC directive can select: direct, SOCKS, or an HTTP(S) proxy
// tunnel.
package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/goodtune/pac-agent/internal/directive"
)

const defaultDialTimeout = 30 * time.Second

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// ErrConnector is matched by every error a connector returns.
var ErrConnector = errors.New("proxy connector failed")

// Error describes a failed connection attempt along a route.
type Error struct {
	Kind     directive.Kind
	Endpoint string // proxy address, empty for direct
	Target   string
	Err      error
}

func (e *Error) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("%v: %s to %s: %v", ErrConnector, e.Kind.Label(), e.Target, e.Err)
	}
	return fmt.Sprintf("%v: %s %s to %s: %v", ErrConnector, e.Kind.Label(), e.Endpoint, e.Target, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrConnector, e.Err}
}

// Connector opens raw streams to addr (host:port) along one route.
type Connector interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
	Kind() directive.Kind
	// Endpoint is the proxy address, or "" for direct connections.
	Endpoint() string
}

func newDialer(d *net.Dialer) *net.Dialer {
	if d != nil {
		return d
	}
	return &net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}
}

// Connect dials host:port through c and, when secure is set, completes a
// TLS handshake with the destination inside the resulting stream. The
// ServerName of base is kept when set, otherwise host is used.
func Connect(ctx context.Context, c Connector, host, port string, secure bool, base *tls.Config) (net.Conn, error) {
	addr := net.JoinHostPort(host, port)
	conn, err := c.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !secure {
		return conn, nil
	}

	tlsConn := tls.Client(conn, clientTLSConfig(base, host))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, &Error{Kind: c.Kind(), Endpoint: c.Endpoint(), Target: addr, Err: fmt.Errorf("tls handshake: %w", err)}
	}
	return tlsConn, nil
}

// clientTLSConfig clones base and fills ServerName only if base leaves it
// empty, so explicit settings survive the merge.
func clientTLSConfig(base *tls.Config, serverName string) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	return cfg
}

// CloseWrite shuts down the writing side of conn so the peer reads EOF
// while replies keep flowing back. Wrappers that hide the transport are
// looked through via NetConn. It returns errors.ErrUnsupported when no
// layer can half-close.
func CloseWrite(conn net.Conn) error {
	for conn != nil {
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			return cw.CloseWrite()
		}
		nc, ok := conn.(interface{ NetConn() net.Conn })
		if !ok {
			break
		}
		conn = nc.NetConn()
	}
	return errors.ErrUnsupported
}
