// Package resolver keeps the compiled PAC resolver for one source,
// refetching the script on demand and recompiling only when its content
// changes.
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/goodtune/pac-agent/internal/metrics"
	"github.com/goodtune/pac-agent/internal/pac"
	"github.com/goodtune/pac-agent/internal/source"
)

// Loader fetches PAC script bytes. *source.Loader implements it.
type Loader interface {
	Load(ctx context.Context, uri string, prev source.Token) (source.Result, error)
}

// Fingerprint is the SHA-256 digest of a script's bytes.
type Fingerprint [sha256.Size]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Options configures a Cache.
type Options struct {
	Loader Loader
	Engine pac.Engine
	// PAC is passed to Engine.Compile unchanged.
	PAC pac.Options
	// FetchTimeout bounds one fetch+compile. Zero means no limit.
	FetchTimeout time.Duration
	// RefreshInterval lets Resolver reuse the current resolver without
	// contacting the source for this long after the last check. Zero checks
	// the source on every call.
	RefreshInterval time.Duration
	Logger          *slog.Logger
}

type entry struct {
	fingerprint Fingerprint
	resolver    pac.Resolver
	checkedAt   time.Time
}

// Cache holds at most one compiled resolver for a source. It is safe for
// concurrent use; overlapping loads share a single fetch and compile.
type Cache struct {
	uri          string
	label        string
	loader       Loader
	engine       pac.Engine
	pacOpts      pac.Options
	fetchTimeout time.Duration
	interval     time.Duration
	logger       *slog.Logger
	now          func() time.Time

	group   singleflight.Group
	current atomic.Pointer[entry]

	// token is read and written only inside the single-flight load.
	token source.Token
}

// New creates a Cache for uri. Nothing is fetched until the first call to
// Resolver.
func New(uri string, opts Options) *Cache {
	c := &Cache{
		uri:          uri,
		label:        opts.PAC.Filename,
		loader:       opts.Loader,
		engine:       opts.Engine,
		pacOpts:      opts.PAC,
		fetchTimeout: opts.FetchTimeout,
		interval:     opts.RefreshInterval,
		logger:       opts.Logger,
		now:          time.Now,
	}
	if c.label == "" {
		c.label = uri
	}
	if c.loader == nil {
		c.loader = source.New(source.Options{Logger: opts.Logger})
	}
	if c.engine == nil {
		c.engine = pac.NewGojaEngine()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Source returns the URI this cache loads from.
func (c *Cache) Source() string {
	return c.uri
}

// Fingerprint returns the digest of the script behind the current
// resolver, if any.
func (c *Cache) Fingerprint() (Fingerprint, bool) {
	if e := c.current.Load(); e != nil {
		return e.fingerprint, true
	}
	return Fingerprint{}, false
}

// Resolver returns the resolver for the current script content, fetching
// and compiling as needed. Cancelling ctx abandons the wait but not the
// shared load, which completes for the other callers.
func (c *Cache) Resolver(ctx context.Context) (pac.Resolver, error) {
	if e := c.current.Load(); e != nil && c.interval > 0 && c.now().Sub(e.checkedAt) < c.interval {
		return e.resolver, nil
	}
	return c.load(ctx)
}

// Reload checks the source immediately, ignoring RefreshInterval.
func (c *Cache) Reload(ctx context.Context) (pac.Resolver, error) {
	return c.load(ctx)
}

func (c *Cache) load(ctx context.Context) (pac.Resolver, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(c.uri, func() (any, error) {
		return c.refresh(detached)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(pac.Resolver), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refresh runs inside the single-flight group. A failure leaves the
// current entry and token untouched.
func (c *Cache) refresh(ctx context.Context) (pac.Resolver, error) {
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	prev := c.current.Load()
	token := c.token
	if prev == nil {
		token = source.Token{}
	}

	res, err := c.loader.Load(ctx, c.uri, token)
	if err != nil {
		metrics.PACFetchTotal.WithLabelValues("error").Inc()
		c.logger.Error("PAC fetch failed", "source", c.label, "error", err)
		return nil, &LoadError{Source: c.label, Err: err}
	}

	if res.Unchanged {
		if prev == nil {
			metrics.PACFetchTotal.WithLabelValues("error").Inc()
			return nil, &LoadError{Source: c.label, Err: errors.New("source reported unchanged but nothing is cached")}
		}
		metrics.PACFetchTotal.WithLabelValues("unchanged").Inc()
		c.touch(prev)
		return prev.resolver, nil
	}

	fp := Fingerprint(sha256.Sum256(res.Content))
	if prev != nil && prev.fingerprint == fp {
		metrics.PACFetchTotal.WithLabelValues("identical").Inc()
		c.logger.Debug("PAC content identical, reusing resolver", "source", c.label, "fingerprint", fp.String())
		c.token = res.Token
		c.touch(prev)
		return prev.resolver, nil
	}

	metrics.PACFetchTotal.WithLabelValues("changed").Inc()
	r, err := c.engine.Compile(string(res.Content), c.pacOpts)
	if err != nil {
		metrics.PACReloadTotal.WithLabelValues("failure").Inc()
		c.logger.Error("PAC compile failed, keeping previous resolver", "source", c.label, "error", err)
		return nil, &CompileError{Source: c.label, Err: err}
	}
	metrics.PACReloadTotal.WithLabelValues("success").Inc()
	c.logger.Info("PAC script loaded", "source", c.label, "fingerprint", fp.String(), "size", len(res.Content))

	c.token = res.Token
	c.current.Store(&entry{fingerprint: fp, resolver: r, checkedAt: c.now()})
	return r, nil
}

func (c *Cache) touch(e *entry) {
	c.current.Store(&entry{fingerprint: e.fingerprint, resolver: e.resolver, checkedAt: c.now()})
}
