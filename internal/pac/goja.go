package pac

import (
	"context"
	"fmt"
	"sync"

	"github.com/darren/gpac"
	"github.com/dop251/goja"
)

// GojaEngine compiles scripts with gpac, which runs them on goja with the
// standard PAC helper functions installed.
type GojaEngine struct{}

// NewGojaEngine returns the default engine.
func NewGojaEngine() *GojaEngine {
	return &GojaEngine{}
}

// Compile checks the syntax with goja first so errors carry the script
// label, then builds the gpac parser.
func (GojaEngine) Compile(script string, opts Options) (Resolver, error) {
	if _, err := goja.Compile(opts.filename(), script, false); err != nil {
		return nil, fmt.Errorf("%s: %w", opts.filename(), err)
	}
	parser, err := gpac.New(script)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opts.filename(), err)
	}
	return &gojaResolver{script: script, opts: opts, parser: parser}, nil
}

// gojaResolver runs calls on a gpac parser, which serialises them on its
// single goja runtime. gpac keeps the runtime private, so a call that
// overruns cannot be interrupted; the parser it is stuck in is abandoned
// and later calls get a fresh one.
type gojaResolver struct {
	script string
	opts   Options

	mu     sync.Mutex
	parser *gpac.Parser
}

type gojaOutcome struct {
	result string
	err    error
}

// FindProxyForURL evaluates url. gpac derives the host argument from url
// itself, so host is unused. The call gives up when ctx is done or the
// execution timeout elapses.
func (r *gojaResolver) FindProxyForURL(ctx context.Context, url, host string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	parser, err := r.current()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.execTimeout())
	defer cancel()

	done := make(chan gojaOutcome, 1)
	go func() {
		result, err := parser.FindProxyForURL(url)
		done <- gojaOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return "", fmt.Errorf("FindProxyForURL(%q): %w", url, out.err)
		}
		return out.result, nil
	case <-ctx.Done():
		r.abandon(parser)
		return "", fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}

func (r *gojaResolver) current() (*gpac.Parser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.parser == nil {
		parser, err := gpac.New(r.script)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.opts.filename(), err)
		}
		r.parser = parser
	}
	return r.parser, nil
}

func (r *gojaResolver) abandon(parser *gpac.Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.parser == parser {
		r.parser = nil
	}
}
