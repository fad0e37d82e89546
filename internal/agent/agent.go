// Package agent decides, per outbound request, which route carries the
// connection by evaluating the configured PAC script, then opens that
// route.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/pac-agent/internal/connector"
	"github.com/goodtune/pac-agent/internal/directive"
	"github.com/goodtune/pac-agent/internal/metrics"
	"github.com/goodtune/pac-agent/internal/pac"
	"github.com/goodtune/pac-agent/internal/resolver"
	"github.com/goodtune/pac-agent/internal/source"
)

// DefaultKeepAlive is the TCP keep-alive period of upstream connections.
const DefaultKeepAlive = 30 * time.Second

// Errors surfaced by Route, Connect and RoundTrip. Every failure is scoped
// to the one request; no connection is attempted after a resolution error.
var (
	ErrSourceUnavailable  = resolver.ErrSourceUnavailable
	ErrScriptCompile      = resolver.ErrScriptCompile
	ErrUnknownProxyType   = directive.ErrUnknownProxyType
	ErrMalformedDirective = directive.ErrMalformedDirective
	ErrConnector          = connector.ErrConnector

	// ErrEvaluate is returned when FindProxyForURL throws or times out.
	ErrEvaluate = errors.New("PAC evaluation failed")
)

// Options configures an Agent. The zero value is usable.
type Options struct {
	// Label names the script in diagnostics. Defaults to the source URI.
	Label string
	// Engine compiles PAC scripts. Defaults to the goja engine.
	Engine pac.Engine
	// Loader fetches the script. Defaults to a source.Loader built from
	// HTTPClient and Charset.
	Loader     resolver.Loader
	HTTPClient *http.Client
	Charset    string

	FetchTimeout    time.Duration
	RefreshInterval time.Duration
	ExecTimeout     time.Duration

	// TLSConfig is the baseline for every TLS session the agent opens,
	// to HTTPS proxies and to secure destinations.
	TLSConfig *tls.Config
	// ProxyHeader is sent to HTTP(S) proxies, e.g. Proxy-Authorization.
	ProxyHeader http.Header
	Dialer      *net.Dialer

	Logger *slog.Logger
}

// Agent resolves and opens routes for outbound requests. It is safe for
// concurrent use and shares one resolver cache across all requests.
type Agent struct {
	cache       *resolver.Cache
	tlsConfig   *tls.Config
	proxyHeader http.Header
	dialer      *net.Dialer
	logger      *slog.Logger

	transports transportCache
}

// New creates an Agent for the PAC source id, which may be a URI, a bare
// path, a pac+ prefixed reference or a literal script.
func New(id string, opts Options) (*Agent, error) {
	uri, err := source.Normalize(id)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	label := opts.Label
	if label == "" {
		label = uri
		if strings.HasPrefix(uri, "data:") {
			label = "inline.pac"
		}
	}

	loader := opts.Loader
	if loader == nil {
		loader = source.New(source.Options{
			Client:  opts.HTTPClient,
			Charset: opts.Charset,
			Logger:  logger,
		})
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 30 * time.Second, KeepAlive: DefaultKeepAlive}
	}

	a := &Agent{
		cache: resolver.New(uri, resolver.Options{
			Loader:          loader,
			Engine:          opts.Engine,
			PAC:             pac.Options{Filename: label, ExecTimeout: opts.ExecTimeout},
			FetchTimeout:    opts.FetchTimeout,
			RefreshInterval: opts.RefreshInterval,
			Logger:          logger,
		}),
		tlsConfig:   opts.TLSConfig,
		proxyHeader: opts.ProxyHeader,
		dialer:      dialer,
		logger:      logger,
	}
	a.transports.build = a.newTransport
	return a, nil
}

// Source returns the normalized PAC source URI.
func (a *Agent) Source() string { return a.cache.Source() }

// Cache exposes the resolver cache.
func (a *Agent) Cache() *resolver.Cache { return a.cache }

// Reload refetches the PAC source now, recompiling if its content changed.
func (a *Agent) Reload(ctx context.Context) error {
	_, err := a.cache.Reload(ctx)
	return err
}

// Route is the outcome of one resolution.
type Route struct {
	URL       string
	Result    string // raw FindProxyForURL return value
	Directive directive.Directive
	Connector connector.Connector
}

// Route resolves req to a directive and the connector that carries it.
// It opens no connection.
func (a *Agent) Route(ctx context.Context, req Request) (*Route, error) {
	u := BuildURL(req)

	r, err := a.cache.Resolver(ctx)
	if err != nil {
		metrics.ResolutionsTotal.WithLabelValues(failureLabel(err)).Inc()
		return nil, err
	}

	raw, err := r.FindProxyForURL(ctx, u, req.Host)
	if err != nil {
		metrics.ResolutionsTotal.WithLabelValues("eval_error").Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrEvaluate, u, err)
	}

	d, err := directive.Parse(raw)
	if err != nil {
		metrics.ResolutionsTotal.WithLabelValues(failureLabel(err)).Inc()
		a.logger.Warn("rejected PAC result", "url", u, "result", raw, "error", err)
		return nil, err
	}

	c, err := a.connectorFor(d)
	if err != nil {
		metrics.ResolutionsTotal.WithLabelValues("connector_error").Inc()
		return nil, err
	}

	metrics.ResolutionsTotal.WithLabelValues(d.Kind.Label()).Inc()
	a.logger.Debug("resolved route", "url", u, "result", raw, "directive", d.String())
	return &Route{URL: u, Result: raw, Directive: d, Connector: c}, nil
}

// Connect resolves req and opens a stream to its destination along the
// selected route. When req.Secure is set the returned connection is TLS
// to the destination, established inside any proxy tunnel.
func (a *Agent) Connect(ctx context.Context, req Request) (net.Conn, error) {
	rt, err := a.Route(ctx, req)
	if err != nil {
		return nil, err
	}
	conn, err := connector.Connect(ctx, rt.Connector, req.Host, portString(req), req.Secure, a.tlsConfig)
	if err != nil {
		a.upstreamError(rt, err)
		return nil, err
	}
	return conn, nil
}

// Dial resolves a CONNECT-style authority and opens a raw stream to it,
// leaving any TLS to the caller.
func (a *Agent) Dial(ctx context.Context, hostport string) (net.Conn, *Route, error) {
	req, err := RequestFromHostPort(hostport)
	if err != nil {
		return nil, nil, err
	}
	rt, err := a.Route(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	conn, err := rt.Connector.Dial(ctx, req.Address())
	if err != nil {
		a.upstreamError(rt, err)
		return nil, rt, err
	}
	return conn, rt, nil
}

func (a *Agent) connectorFor(d directive.Directive) (connector.Connector, error) {
	switch d.Kind {
	case directive.Direct:
		return connector.NewDirect(a.dialer), nil
	case directive.SOCKS:
		c, err := connector.NewSOCKS(d.Address(), a.dialer)
		if err != nil {
			return nil, &connector.Error{Kind: d.Kind, Endpoint: d.Address(), Err: err}
		}
		return c, nil
	case directive.HTTPProxy, directive.HTTPSProxy:
		return connector.NewHTTPProxy(d.Address(), d.Kind == directive.HTTPSProxy, connector.HTTPProxyOptions{
			TLSConfig: a.tlsConfig,
			Header:    a.proxyHeader,
			Dialer:    a.dialer,
		}), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownProxyType, d.Kind)
}

func (a *Agent) upstreamError(rt *Route, err error) {
	upstream := rt.Connector.Endpoint()
	if upstream == "" {
		upstream = "direct"
	}
	metrics.UpstreamErrors.WithLabelValues(rt.Directive.Kind.Label(), upstream).Inc()
	a.logger.Error("upstream connection failed", "url", rt.URL, "directive", rt.Directive.String(), "error", err)
}

func portString(req Request) string {
	return strconv.Itoa(req.port())
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrScriptCompile):
		return "compile_error"
	case errors.Is(err, ErrUnknownProxyType):
		return "unknown_type"
	case errors.Is(err, ErrMalformedDirective):
		return "malformed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}
