package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/goodtune/pac-agent/internal/agent"
)

// Router resolves and carries outbound requests. *agent.Agent implements it.
type Router interface {
	Route(ctx context.Context, req agent.Request) (*agent.Route, error)
	Forward(rt *agent.Route, req *http.Request) (*http.Response, error)
	Dial(ctx context.Context, hostport string) (net.Conn, *agent.Route, error)
}

// Handler is the main proxy HTTP handler.
type Handler struct {
	router Router
	logger *slog.Logger
}

// NewHandler creates a new proxy handler.
func NewHandler(router Router, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{router: router, logger: logger}
}

// ServeHTTP routes requests to the appropriate handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.handleTunnel(w, r)
		return
	}
	h.handleForward(w, r)
}
