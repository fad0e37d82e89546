package proxy

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goodtune/pac-agent/internal/agent"
	"github.com/goodtune/pac-agent/internal/connector"
	"github.com/goodtune/pac-agent/internal/logging"
	"github.com/goodtune/pac-agent/internal/metrics"
)

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// handleTunnel handles CONNECT requests. The route is resolved and the
// upstream stream opened before the client is told the tunnel is up, so a
// failed resolution never produces a connection.
func (h *Handler) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if _, err := agent.RequestFromHostPort(r.Host); err != nil {
		h.logger.Warn("invalid CONNECT target", "host", r.Host, "error", err)
		http.Error(w, "CONNECT target must be host:port", http.StatusBadRequest)
		return
	}

	start := time.Now()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	upstreamConn, rt, err := h.router.Dial(r.Context(), r.Host)
	if err != nil {
		if rt == nil {
			h.logger.Error("PAC resolution failed", "error", err, "host", r.Host)
			http.Error(w, "PAC resolution error", http.StatusBadGateway)
			return
		}
		h.logger.Error("tunnel dial failed", "error", err, "target", r.Host, "upstream", upstreamLabel(rt))
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}
	routeLabel := rt.Directive.Kind.Label()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstreamConn.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, bufRW, err := hijacker.Hijack()
	if err != nil {
		upstreamConn.Close()
		h.logger.Error("hijack failed", "error", err)
		return
	}

	bufRW.WriteString("HTTP/1.1 200 Connection established\r\n\r\n")
	bufRW.Flush()

	var sent, recv int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		recv = pipe(upstreamConn, bufRW.Reader)
		closeWrite(upstreamConn)
	}()
	go func() {
		defer wg.Done()
		sent = pipe(clientConn, upstreamConn)
		closeWrite(clientConn)
	}()
	wg.Wait()
	clientConn.Close()
	upstreamConn.Close()

	duration := time.Since(start)
	host := hostOnly(r.Host)

	metrics.RequestsTotal.WithLabelValues(r.Method, host, routeLabel).Inc()
	metrics.RequestDuration.WithLabelValues(r.Method, routeLabel).Observe(duration.Seconds())
	metrics.BytesSent.WithLabelValues(routeLabel).Add(float64(sent))
	metrics.BytesReceived.WithLabelValues(routeLabel).Add(float64(recv))

	logging.LogRequest(h.logger, logging.RequestEntry{
		ClientIP:   clientIP(r),
		Method:     r.Method,
		Host:       host,
		URL:        rt.URL,
		PACResult:  rt.Result,
		Directive:  rt.Directive.String(),
		Upstream:   upstreamLabel(rt),
		StatusCode: http.StatusOK,
		Duration:   duration,
		BytesSent:  sent,
		BytesRecv:  recv,
	})
}

func pipe(dst io.Writer, src io.Reader) int64 {
	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)
	n, _ := io.CopyBuffer(dst, src, *bufPtr)
	return n
}

// closeWrite half-closes conn so the peer sees EOF while the other
// direction keeps flowing. Connections without half-close are closed.
func closeWrite(conn net.Conn) {
	if connector.CloseWrite(conn) == nil {
		return
	}
	conn.Close()
}

func hostOnly(hostport string) string {
	h, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return h
}
