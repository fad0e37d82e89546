package agent_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/goodtune/pac-agent/internal/agent"
	"github.com/goodtune/pac-agent/internal/connector"
	"github.com/goodtune/pac-agent/internal/directive"
	"github.com/goodtune/pac-agent/internal/metrics"
	"github.com/goodtune/pac-agent/internal/pac"
	"github.com/goodtune/pac-agent/internal/source"
)

func script(result string) string {
	return `function FindProxyForURL(url, host) { return "` + result + `"; }`
}

// seqLoader replays results in order; the last one repeats.
type seqLoader struct {
	mu      sync.Mutex
	results []source.Result
	err     error
	calls   int
}

func (l *seqLoader) Load(ctx context.Context, uri string, prev source.Token) (source.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return source.Result{}, l.err
	}
	i := min(l.calls-1, len(l.results)-1)
	return l.results[i], nil
}

// countingEngine wraps the goja engine and counts compilations.
type countingEngine struct {
	n atomic.Int32
}

func (e *countingEngine) Compile(src string, opts pac.Options) (pac.Resolver, error) {
	e.n.Add(1)
	return pac.NewGojaEngine().Compile(src, opts)
}

// dialCounter observes every socket the agent tries to open.
type dialCounter struct{ n atomic.Int32 }

func (d *dialCounter) dialer() *net.Dialer {
	return &net.Dialer{
		Timeout: 5 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			d.n.Add(1)
			return nil
		},
	}
}

func newAgent(t *testing.T, id string, opts agent.Options) *agent.Agent {
	t.Helper()
	a, err := agent.New(id, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.CloseIdleConnections)
	return a
}

func TestRouteHTTPProxy(t *testing.T) {
	a := newAgent(t, script("PROXY 127.0.0.1:9000;"), agent.Options{})

	rt, err := a.Route(context.Background(), agent.Request{Host: "example.com", Port: 80, Path: "/"})
	if err != nil {
		t.Fatal(err)
	}
	hp, ok := rt.Connector.(*connector.HTTPProxy)
	if !ok {
		t.Fatalf("connector: got %T, want *connector.HTTPProxy", rt.Connector)
	}
	if hp.Endpoint() != "127.0.0.1:9000" || hp.Kind() != directive.HTTPProxy {
		t.Errorf("got %v %s", hp.Kind(), hp.Endpoint())
	}
	if rt.URL != "http://example.com/" {
		t.Errorf("url: got %q", rt.URL)
	}
}

func TestRouteSOCKSIgnoresSecurity(t *testing.T) {
	a := newAgent(t, script("SOCKS 127.0.0.1:9001;"), agent.Options{})

	for _, secure := range []bool{false, true} {
		rt, err := a.Route(context.Background(), agent.Request{Host: "example.com", Path: "/", Secure: secure})
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := rt.Connector.(*connector.SOCKS); !ok {
			t.Fatalf("secure=%v: got %T, want *connector.SOCKS", secure, rt.Connector)
		}
		if rt.Connector.Endpoint() != "127.0.0.1:9001" {
			t.Errorf("secure=%v: endpoint %q", secure, rt.Connector.Endpoint())
		}
	}
}

func TestRouteHTTPSProxyMergesTLS(t *testing.T) {
	base := &tls.Config{InsecureSkipVerify: true}
	a := newAgent(t, script("HTTPS proxy.corp.example:8443"), agent.Options{TLSConfig: base})

	rt, err := a.Route(context.Background(), agent.Request{Host: "example.com", Path: "/"})
	if err != nil {
		t.Fatal(err)
	}
	hp := rt.Connector.(*connector.HTTPProxy)
	cfg := hp.TLSConfig()
	if !cfg.InsecureSkipVerify || cfg.ServerName != "proxy.corp.example" {
		t.Errorf("merged TLS: skip=%v server=%q", cfg.InsecureSkipVerify, cfg.ServerName)
	}
	if base.ServerName != "" {
		t.Error("baseline TLS config was mutated")
	}
}

func TestFirstDirectiveOnly(t *testing.T) {
	a := newAgent(t, script("PROXY 1.2.3.4:8080; SOCKS 5.6.7.8:1080"), agent.Options{})
	rt, err := a.Route(context.Background(), agent.Request{Host: "example.com", Path: "/"})
	if err != nil {
		t.Fatal(err)
	}
	if rt.Directive.Kind != directive.HTTPProxy || rt.Directive.Address() != "1.2.3.4:8080" {
		t.Errorf("got %v", rt.Directive)
	}
}

func TestUnknownTypeFailsClosed(t *testing.T) {
	dc := &dialCounter{}
	a := newAgent(t, script("BOGUS 1.2.3.4:80"), agent.Options{Dialer: dc.dialer()})

	before := testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues("unknown_type"))
	_, err := a.Connect(context.Background(), agent.Request{Host: "example.com", Path: "/"})
	if !errors.Is(err, agent.ErrUnknownProxyType) {
		t.Fatalf("got %v, want ErrUnknownProxyType", err)
	}
	if dc.n.Load() != 0 {
		t.Errorf("%d connection attempts after a failed resolution", dc.n.Load())
	}
	if got := testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues("unknown_type")) - before; got != 1 {
		t.Errorf("unknown_type resolutions: got %v, want 1", got)
	}

	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	if _, err := a.RoundTrip(req); !errors.Is(err, agent.ErrUnknownProxyType) {
		t.Errorf("RoundTrip: got %v, want ErrUnknownProxyType", err)
	}
	if dc.n.Load() != 0 {
		t.Errorf("%d connection attempts after a failed resolution", dc.n.Load())
	}
}

func TestSourceUnavailableFailsClosed(t *testing.T) {
	dc := &dialCounter{}
	loader := &seqLoader{err: errors.New("connection refused")}
	a := newAgent(t, "http://wpad.invalid/proxy.pac", agent.Options{Loader: loader, Dialer: dc.dialer()})

	_, err := a.Connect(context.Background(), agent.Request{Host: "example.com", Path: "/"})
	if !errors.Is(err, agent.ErrSourceUnavailable) {
		t.Fatalf("got %v, want ErrSourceUnavailable", err)
	}
	if dc.n.Load() != 0 {
		t.Errorf("%d connection attempts with no PAC script", dc.n.Load())
	}
}

func TestCompileErrorFailsClosed(t *testing.T) {
	a := newAgent(t, "function FindProxyForURL(url, host) { return ", agent.Options{Label: "broken.pac"})
	_, err := a.Route(context.Background(), agent.Request{Host: "example.com", Path: "/"})
	if !errors.Is(err, agent.ErrScriptCompile) {
		t.Fatalf("got %v, want ErrScriptCompile", err)
	}
	if !strings.Contains(err.Error(), "broken.pac") {
		t.Errorf("error does not name the script: %v", err)
	}
}

func TestEvaluationErrorFailsClosed(t *testing.T) {
	a := newAgent(t, `function FindProxyForURL(url, host) { throw new Error("boom"); }`, agent.Options{})
	_, err := a.Route(context.Background(), agent.Request{Host: "example.com", Path: "/"})
	if !errors.Is(err, agent.ErrEvaluate) {
		t.Fatalf("got %v, want ErrEvaluate", err)
	}
}

func TestRunawayScriptDoesNotBlock(t *testing.T) {
	spin := `function FindProxyForURL(url, host) {
	if (host === "spin.example.com") { while (true) {} }
	return "DIRECT";
}`
	a := newAgent(t, spin, agent.Options{ExecTimeout: 100 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := a.Route(ctx, agent.Request{Host: "spin.example.com", Path: "/"})
	if !errors.Is(err, agent.ErrEvaluate) || !errors.Is(err, pac.ErrInterrupted) {
		t.Fatalf("got %v, want an interrupted evaluation", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Route returned after %v", elapsed)
	}

	rt, err := a.Route(context.Background(), agent.Request{Host: "ok.example.com", Path: "/"})
	if err != nil {
		t.Fatal(err)
	}
	if rt.Directive.Kind != directive.Direct {
		t.Errorf("got %v, want DIRECT", rt.Directive)
	}
}

func TestIdempotentResolution(t *testing.T) {
	eng := &countingEngine{}
	loader := &seqLoader{results: []source.Result{{Content: []byte(script("PROXY 10.0.0.1:3128"))}}}
	a := newAgent(t, "http://wpad/proxy.pac", agent.Options{Loader: loader, Engine: eng})

	req := agent.Request{Host: "example.com", Path: "/index.html"}
	first, err := a.Route(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Route(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Directive != second.Directive {
		t.Errorf("directives differ: %v vs %v", first.Directive, second.Directive)
	}
	if loader.calls != 2 {
		t.Errorf("loader calls: got %d, want 2", loader.calls)
	}
	if n := eng.n.Load(); n != 1 {
		t.Errorf("compiles: got %d, want 1", n)
	}
}

func TestUnchangedSourceReusesResolver(t *testing.T) {
	eng := &countingEngine{}
	loader := &seqLoader{results: []source.Result{
		{Content: []byte(script("SOCKS 10.0.0.2:1080"))},
		{Unchanged: true},
	}}
	a := newAgent(t, "http://wpad/proxy.pac", agent.Options{Loader: loader, Engine: eng})

	for i := 0; i < 3; i++ {
		rt, err := a.Route(context.Background(), agent.Request{Host: "example.com", Path: "/"})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if rt.Directive.Kind != directive.SOCKS {
			t.Errorf("call %d: got %v", i, rt.Directive)
		}
	}
	if n := eng.n.Load(); n != 1 {
		t.Errorf("compiles: got %d, want 1", n)
	}
}

func TestChangedSourceRecompiles(t *testing.T) {
	eng := &countingEngine{}
	loader := &seqLoader{results: []source.Result{
		{Content: []byte(script("DIRECT"))},
		{Content: []byte(script("PROXY 10.0.0.3:3128"))},
	}}
	a := newAgent(t, "http://wpad/proxy.pac", agent.Options{Loader: loader, Engine: eng})

	req := agent.Request{Host: "example.com", Path: "/"}
	rt, err := a.Route(context.Background(), req)
	if err != nil || rt.Directive.Kind != directive.Direct {
		t.Fatalf("first: %v %v", rt, err)
	}
	rt, err = a.Route(context.Background(), req)
	if err != nil || rt.Directive.Kind != directive.HTTPProxy {
		t.Fatalf("second: %v %v", rt, err)
	}
	if n := eng.n.Load(); n != 2 {
		t.Errorf("compiles: got %d, want 2", n)
	}
}

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestEmptyResultIsDirect(t *testing.T) {
	addr := echoServer(t)
	host, port, _ := net.SplitHostPort(addr)
	req := agent.Request{Host: host, Path: "/"}
	req.Port, _ = net.LookupPort("tcp", port)

	for _, result := range []string{"", "DIRECT"} {
		a := newAgent(t, script(result), agent.Options{})
		rt, err := a.Route(context.Background(), req)
		if err != nil {
			t.Fatalf("%q: %v", result, err)
		}
		if rt.Directive.Kind != directive.Direct {
			t.Errorf("%q: got %v", result, rt.Directive)
		}

		conn, err := a.Connect(context.Background(), req)
		if err != nil {
			t.Fatalf("%q: %v", result, err)
		}
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		conn.Write([]byte("hi\n"))
		line, err := bufio.NewReader(conn).ReadString('\n')
		conn.Close()
		if err != nil || line != "hi\n" {
			t.Errorf("%q: echo got %q, %v", result, line, err)
		}
	}
}

func TestConnectSecureDirect(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secure hello"))
	}))
	defer origin.Close()

	u, _ := url.Parse(origin.URL)
	req, err := agent.RequestFromURL(u)
	if err != nil {
		t.Fatal(err)
	}

	a := newAgent(t, script("DIRECT"), agent.Options{TLSConfig: &tls.Config{InsecureSkipVerify: true}})
	conn, err := a.Connect(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, ok := conn.(*tls.Conn); !ok {
		t.Fatalf("got %T, want *tls.Conn", conn)
	}
}

func TestConnectorErrorSurfaced(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	dead := ln.Addr().String()
	ln.Close()

	a := newAgent(t, script("PROXY "+dead), agent.Options{})
	before := testutil.ToFloat64(metrics.UpstreamErrors.WithLabelValues("http", dead))
	_, err := a.Connect(context.Background(), agent.Request{Host: "example.com", Path: "/"})
	if !errors.Is(err, agent.ErrConnector) {
		t.Fatalf("got %v, want ErrConnector", err)
	}
	if got := testutil.ToFloat64(metrics.UpstreamErrors.WithLabelValues("http", dead)) - before; got != 1 {
		t.Errorf("upstream errors: got %v, want 1", got)
	}
}

func TestRoundTripDirect(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("direct " + r.URL.RawQuery))
	}))
	defer origin.Close()

	a := newAgent(t, script("DIRECT"), agent.Options{})
	client := &http.Client{Transport: a, Timeout: 5 * time.Second}

	resp, err := client.Get(origin.URL + "/path?x=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "direct x=1" {
		t.Errorf("body: got %q", body)
	}
}

func TestRoundTripViaProxy(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from origin"))
	}))
	defer origin.Close()

	var sawAbsolute, sawAuth atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAbsolute.Store(r.URL.IsAbs())
		sawAuth.Store(r.Header.Get("Proxy-Authorization") == "Basic dGVzdDp0ZXN0")
		r.RequestURI = ""
		resp, err := http.DefaultTransport.RoundTrip(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}))
	defer upstream.Close()

	a := newAgent(t, script("PROXY "+upstream.Listener.Addr().String()), agent.Options{
		ProxyHeader: http.Header{"Proxy-Authorization": []string{"Basic dGVzdDp0ZXN0"}},
	})
	client := &http.Client{Transport: a, Timeout: 5 * time.Second}

	resp, err := client.Get(origin.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "from origin" {
		t.Errorf("body: got %q", body)
	}
	if !sawAbsolute.Load() {
		t.Error("proxy did not receive an absolute-form request")
	}
	if !sawAuth.Load() {
		t.Error("proxy did not receive the configured Proxy-Authorization header")
	}
}

func TestRoundTripUpstreamFailure(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	dead := ln.Addr().String()
	ln.Close()

	a := newAgent(t, script("PROXY "+dead), agent.Options{})
	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	if _, err := a.RoundTrip(req); !errors.Is(err, agent.ErrConnector) {
		t.Errorf("got %v, want ErrConnector", err)
	}
}
