package connector

import (
	"context"
	"net"

	"github.com/goodtune/pac-agent/internal/directive"
)

// Direct connects to the destination without an intermediary.
type Direct struct {
	dialer *net.Dialer
}

// NewDirect returns a Direct connector. A nil dialer uses defaults.
func NewDirect(d *net.Dialer) *Direct {
	return &Direct{dialer: newDialer(d)}
}

func (d *Direct) Kind() directive.Kind { return directive.Direct }

func (d *Direct) Endpoint() string { return "" }

func (d *Direct) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Kind: directive.Direct, Target: addr, Err: err}
	}
	return conn, nil
}
