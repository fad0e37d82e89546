package proxy_test

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/goodtune/pac-agent/internal/agent"
	"github.com/goodtune/pac-agent/internal/proxy"
)

// newHandler builds a proxy handler whose PAC script always returns result.
func newHandler(t *testing.T, result string) *proxy.Handler {
	t.Helper()
	a, err := agent.New(`function FindProxyForURL(url, host) { return "`+result+`"; }`, agent.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.CloseIdleConnections)
	return proxy.NewHandler(a, nil)
}

func TestForwardDirect(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "ok")
		w.WriteHeader(200)
		w.Write([]byte("hello from origin"))
	}))
	defer origin.Close()

	handler := newHandler(t, "DIRECT")

	// Simulate a forward proxy request (absolute URL)
	req := httptest.NewRequest("GET", origin.URL+"/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Errorf("status: got %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Test") != "ok" {
		t.Errorf("X-Test header not copied")
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body) != "hello from origin" {
		t.Errorf("body: got %q, want %q", body, "hello from origin")
	}
}

func TestForwardViaUpstream(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("from origin"))
	}))
	defer origin.Close()

	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !r.URL.IsAbs() {
			http.Error(w, "expected absolute URL", http.StatusBadRequest)
			return
		}
		r.RequestURI = ""
		resp, err := http.DefaultTransport.RoundTrip(r)
		if err != nil {
			http.Error(w, err.Error(), 502)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}))
	defer upstream.Close()

	handler := newHandler(t, "PROXY "+upstream.Listener.Addr().String())

	req := httptest.NewRequest("GET", origin.URL+"/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Errorf("status: got %d, want 200", rec.Code)
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hits: got %d, want 1", hits.Load())
	}
}

func TestForwardResolutionFailure(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer origin.Close()

	handler := newHandler(t, "BOGUS 127.0.0.1:1")

	req := httptest.NewRequest("GET", origin.URL+"/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status: got %d, want 502", rec.Code)
	}
	if hits.Load() != 0 {
		t.Error("origin was contacted despite a failed resolution")
	}
}

func TestForwardUpstreamDown(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	dead := ln.Addr().String()
	ln.Close()

	handler := newHandler(t, "PROXY "+dead)

	req := httptest.NewRequest("GET", "http://example.com/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status: got %d, want 502", rec.Code)
	}
}

func TestForwardRejectsOriginForm(t *testing.T) {
	handler := newHandler(t, "DIRECT")

	req := httptest.NewRequest("GET", "/relative", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
}
