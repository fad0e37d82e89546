package pac

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
)

// OttoEngine runs scripts on otto with the PAC helpers implemented in Go.
type OttoEngine struct {
	lookup LookupFunc
	logger *slog.Logger
}

// NewOttoEngine creates an otto engine. lookup overrides DNS resolution for
// dnsResolve, isResolvable and isInNet; nil uses the system resolver.
func NewOttoEngine(lookup LookupFunc) *OttoEngine {
	return &OttoEngine{lookup: lookup, logger: slog.Default()}
}

// Compile loads script into a fresh VM and checks that FindProxyForURL is
// defined.
func (e *OttoEngine) Compile(script string, opts Options) (Resolver, error) {
	vm := otto.New()
	bindHelpers(vm, newHelpers(e.lookup), e.logger.With("pac", opts.filename()))

	program, err := vm.Compile(opts.filename(), script)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opts.filename(), err)
	}
	if _, err := vm.Run(program); err != nil {
		return nil, fmt.Errorf("%s: %w", opts.filename(), err)
	}
	fn, err := vm.Get("FindProxyForURL")
	if err != nil || !fn.IsFunction() {
		return nil, fmt.Errorf("%s: FindProxyForURL is not defined", opts.filename())
	}
	return &ottoResolver{vm: vm, timeout: opts.execTimeout()}, nil
}

type ottoResolver struct {
	mu      sync.Mutex
	vm      *otto.Otto
	timeout time.Duration
}

// FindProxyForURL calls the script's FindProxyForURL. The call is
// interrupted when ctx is done or the execution timeout elapses.
func (r *ottoResolver) FindProxyForURL(ctx context.Context, url, host string) (result string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	interrupt := make(chan func(), 1)
	r.vm.Interrupt = interrupt
	done := make(chan struct{})
	defer func() {
		close(done)
		r.vm.Interrupt = nil
	}()
	go func() {
		select {
		case <-ctx.Done():
			interrupt <- func() { panic(ErrInterrupted) }
		case <-done:
		}
	}()

	defer func() {
		if caught := recover(); caught != nil {
			if caught != ErrInterrupted {
				panic(caught)
			}
			err = fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}
	}()

	value, err := r.vm.Call("FindProxyForURL", nil, url, host)
	if err != nil {
		return "", fmt.Errorf("FindProxyForURL(%q): %w", url, err)
	}
	if value.IsUndefined() || value.IsNull() {
		return "", nil
	}
	return value.ToString()
}

func bindHelpers(vm *otto.Otto, h *helpers, logger *slog.Logger) {
	str := func(call otto.FunctionCall, i int) string {
		s, _ := call.Argument(i).ToString()
		return s
	}
	strs := func(call otto.FunctionCall) []string {
		out := make([]string, 0, len(call.ArgumentList))
		for i := range call.ArgumentList {
			out = append(out, str(call, i))
		}
		return out
	}
	value := func(v any) otto.Value {
		ov, _ := vm.ToValue(v)
		return ov
	}

	funcs := map[string]func(otto.FunctionCall) otto.Value{
		"isPlainHostName": func(c otto.FunctionCall) otto.Value {
			return value(isPlainHostName(str(c, 0)))
		},
		"dnsDomainIs": func(c otto.FunctionCall) otto.Value {
			return value(dnsDomainIs(str(c, 0), str(c, 1)))
		},
		"localHostOrDomainIs": func(c otto.FunctionCall) otto.Value {
			return value(localHostOrDomainIs(str(c, 0), str(c, 1)))
		},
		"dnsDomainLevels": func(c otto.FunctionCall) otto.Value {
			return value(dnsDomainLevels(str(c, 0)))
		},
		"shExpMatch": func(c otto.FunctionCall) otto.Value {
			return value(shExpMatch(str(c, 0), str(c, 1)))
		},
		"isResolvable": func(c otto.FunctionCall) otto.Value {
			return value(h.isResolvable(str(c, 0)))
		},
		"dnsResolve": func(c otto.FunctionCall) otto.Value {
			if ip := h.dnsResolve(str(c, 0)); ip != "" {
				return value(ip)
			}
			return otto.NullValue()
		},
		"isInNet": func(c otto.FunctionCall) otto.Value {
			return value(h.isInNet(str(c, 0), str(c, 1), str(c, 2)))
		},
		"myIpAddress": func(otto.FunctionCall) otto.Value {
			return value(myIPAddress())
		},
		"weekdayRange": func(c otto.FunctionCall) otto.Value {
			return value(h.weekdayRange(strs(c)))
		},
		"timeRange": func(c otto.FunctionCall) otto.Value {
			return value(h.timeRange(strs(c)))
		},
		"dateRange": func(c otto.FunctionCall) otto.Value {
			return value(h.dateRange(strs(c)))
		},
		"alert": func(c otto.FunctionCall) otto.Value {
			logger.Warn("PAC alert", "message", str(c, 0))
			return otto.UndefinedValue()
		},
	}
	for name, fn := range funcs {
		// Set only fails for values otto cannot convert; Go funcs of this
		// signature are always accepted.
		_ = vm.Set(name, fn)
	}
}
