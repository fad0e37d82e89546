// Package pac compiles Proxy Auto-Configuration scripts into resolvers
// that evaluate FindProxyForURL. Two JavaScript engines are available:
// goja (via gpac) and otto.
package pac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultExecTimeout bounds a single FindProxyForURL call on engines that
// support interruption.
const DefaultExecTimeout = 5 * time.Second

// ErrInterrupted is returned when a FindProxyForURL call is cut short by
// its context or the execution timeout.
var ErrInterrupted = errors.New("PAC execution interrupted")

// Resolver is a compiled PAC script. Implementations are safe for
// concurrent use.
type Resolver interface {
	// FindProxyForURL returns the raw PAC result string for url.
	FindProxyForURL(ctx context.Context, url, host string) (string, error)
}

// Options is passed through to the engine on every compile.
type Options struct {
	// Filename labels the script in compile and runtime diagnostics.
	Filename string
	// ExecTimeout overrides DefaultExecTimeout.
	ExecTimeout time.Duration
}

func (o Options) filename() string {
	if o.Filename == "" {
		return "proxy.pac"
	}
	return o.Filename
}

func (o Options) execTimeout() time.Duration {
	if o.ExecTimeout <= 0 {
		return DefaultExecTimeout
	}
	return o.ExecTimeout
}

// Engine turns PAC source into a Resolver.
type Engine interface {
	Compile(script string, opts Options) (Resolver, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(script string, opts Options) (Resolver, error)

func (f EngineFunc) Compile(script string, opts Options) (Resolver, error) {
	return f(script, opts)
}

// NewEngine returns the engine registered under name ("goja" or "otto").
// An empty name selects goja.
func NewEngine(name string) (Engine, error) {
	switch strings.ToLower(name) {
	case "", "goja", "gpac":
		return NewGojaEngine(), nil
	case "otto":
		return NewOttoEngine(nil), nil
	default:
		return nil, fmt.Errorf("unknown PAC engine %q", name)
	}
}
