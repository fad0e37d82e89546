package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/pac-agent/internal/agent"
	"github.com/goodtune/pac-agent/internal/logging"
	"github.com/goodtune/pac-agent/internal/metrics"
)

// Hop-by-hop headers that must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func (h *Handler) handleForward(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	if !r.URL.IsAbs() {
		http.Error(w, "proxy requests must use an absolute URL", http.StatusBadRequest)
		return
	}
	meta, err := agent.RequestFromURL(r.URL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rt, err := h.router.Route(r.Context(), meta)
	if err != nil {
		h.logger.Error("PAC resolution failed", "error", err, "host", meta.Host)
		http.Error(w, "PAC resolution error", http.StatusBadGateway)
		return
	}
	routeLabel := rt.Directive.Kind.Label()
	upstream := upstreamLabel(rt)

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	removeHopByHop(outReq.Header)

	resp, err := h.router.Forward(rt, outReq)
	if err != nil {
		h.logger.Error("upstream request failed", "error", err, "upstream", upstream)
		status := http.StatusBadGateway
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, "upstream error", status)
		return
	}
	defer resp.Body.Close()

	removeHopByHop(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	bytesSent, _ := io.Copy(w, resp.Body)

	duration := time.Since(start)

	metrics.RequestsTotal.WithLabelValues(r.Method, meta.Host, routeLabel).Inc()
	metrics.RequestDuration.WithLabelValues(r.Method, routeLabel).Observe(duration.Seconds())
	metrics.BytesSent.WithLabelValues(routeLabel).Add(float64(bytesSent))
	if r.ContentLength > 0 {
		metrics.BytesReceived.WithLabelValues(routeLabel).Add(float64(r.ContentLength))
	}

	logging.LogRequest(h.logger, logging.RequestEntry{
		ClientIP:   clientIP(r),
		Method:     r.Method,
		Host:       meta.Host,
		URL:        rt.URL,
		PACResult:  rt.Result,
		Directive:  rt.Directive.String(),
		Upstream:   upstream,
		StatusCode: resp.StatusCode,
		Duration:   duration,
		BytesSent:  bytesSent,
		BytesRecv:  max(r.ContentLength, 0),
	})
}

func upstreamLabel(rt *agent.Route) string {
	if ep := rt.Connector.Endpoint(); ep != "" {
		return ep
	}
	return "direct"
}

func removeHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
