// Package source retrieves PAC script bytes from file, http(s), data and
// inline sources, supporting conditional refetch through an opaque Token.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	// PrefixPAC marks an identifier as a PAC reference, e.g. "pac+https://wpad/proxy.pac".
	PrefixPAC = "pac+"

	defaultMaxBytes  = 1 << 20
	defaultUserAgent = "pac-agent"
	inlineMediaType  = "application/x-ns-proxy-autoconfig"
)

// ErrUnsupportedScheme is returned for URIs whose scheme has no backend.
var ErrUnsupportedScheme = errors.New("unsupported PAC source scheme")

// Token carries the cache validators from a previous fetch. The zero Token
// forces a full fetch.
type Token struct {
	etag         string
	lastModified string
	digest       [sha256.Size]byte // file content
}

// IsZero reports whether t holds no validators.
func (t Token) IsZero() bool {
	return t == Token{}
}

// Result is the outcome of a Load call. When Unchanged is true Content is
// nil and the caller keeps whatever it built from the previous content.
type Result struct {
	Content   []byte
	Token     Token
	Unchanged bool
}

// Options configures a Loader.
type Options struct {
	// Client performs http(s) fetches. Defaults to a client that never uses
	// a proxy, so fetching the PAC file does not depend on the PAC file.
	Client *http.Client
	// Charset overrides the declared or detected encoding of the script.
	Charset string
	// MaxBytes caps the script size. Defaults to 1 MiB.
	MaxBytes int64
	// UserAgent is sent on http(s) fetches.
	UserAgent string
	Logger    *slog.Logger
}

// Loader fetches PAC scripts. It holds no per-source state; validators are
// threaded through Token by the caller.
type Loader struct {
	client    *http.Client
	charset   string
	maxBytes  int64
	userAgent string
	logger    *slog.Logger
}

// New creates a Loader.
func New(opts Options) *Loader {
	l := &Loader{
		client:    opts.Client,
		charset:   opts.Charset,
		maxBytes:  opts.MaxBytes,
		userAgent: opts.UserAgent,
		logger:    opts.Logger,
	}
	if l.client == nil {
		l.client = &http.Client{Transport: &http.Transport{Proxy: nil}}
	}
	if l.maxBytes <= 0 {
		l.maxBytes = defaultMaxBytes
	}
	if l.userAgent == "" {
		l.userAgent = defaultUserAgent
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l
}

// Normalize turns a construction-time identifier into a loadable URI. The
// optional "pac+" prefix is removed, bare filesystem paths become file URIs
// and a literal script payload becomes a data URI.
func Normalize(id string) (string, error) {
	id = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(id), PrefixPAC))
	if id == "" {
		return "", errors.New("empty PAC source")
	}
	if u, err := url.Parse(id); err == nil && len(u.Scheme) > 1 {
		return id, nil
	}
	if strings.Contains(id, "FindProxyForURL") {
		return "data:" + inlineMediaType + ";base64," + base64.StdEncoding.EncodeToString([]byte(id)), nil
	}
	abs, err := filepath.Abs(id)
	if err != nil {
		return "", fmt.Errorf("resolving PAC path %q: %w", id, err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// Load fetches uri. prev is the Token returned by the previous successful
// Load for the same uri, or the zero Token.
func (l *Loader) Load(ctx context.Context, uri string, prev Token) (Result, error) {
	scheme, _, ok := strings.Cut(uri, ":")
	if !ok {
		return Result{}, fmt.Errorf("%w: %q has no scheme", ErrUnsupportedScheme, uri)
	}

	var (
		res         Result
		contentType string
		err         error
	)
	switch strings.ToLower(scheme) {
	case "file":
		res, err = l.loadFile(uri, prev)
	case "http", "https":
		res, contentType, err = l.loadHTTP(ctx, uri, prev)
	case "data":
		res, contentType, err = loadData(uri)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	if err != nil || res.Unchanged {
		return res, err
	}
	if int64(len(res.Content)) > l.maxBytes {
		return Result{}, fmt.Errorf("PAC source %q exceeds %d bytes", uri, l.maxBytes)
	}

	decoded, err := decode(res.Content, contentType, l.charset)
	if err != nil {
		l.logger.Warn("PAC charset decoding failed, using raw bytes", "source", uri, "error", err)
	} else {
		res.Content = decoded
	}
	return res, nil
}

func (l *Loader) loadFile(uri string, prev Token) (Result, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Result{}, fmt.Errorf("parsing PAC file URI: %w", err)
	}
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	// file:///C:/dir/proxy.pac
	if len(path) > 2 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}
	path = filepath.FromSlash(path)

	// The content is the validator; mtime and size miss quick rewrites.
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("opening PAC file: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, l.maxBytes+1))
	if err != nil {
		return Result{}, fmt.Errorf("reading PAC file: %w", err)
	}
	tok := Token{digest: sha256.Sum256(content)}
	if !prev.IsZero() && prev == tok {
		l.logger.Debug("PAC file not modified", "path", path)
		return Result{Token: prev, Unchanged: true}, nil
	}
	return Result{Content: content, Token: tok}, nil
}

func (l *Loader) loadHTTP(ctx context.Context, uri string, prev Token) (Result, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Result{}, "", fmt.Errorf("creating PAC request: %w", err)
	}
	req.Header.Set("User-Agent", l.userAgent)
	if prev.etag != "" {
		req.Header.Set("If-None-Match", prev.etag)
	}
	if prev.lastModified != "" {
		req.Header.Set("If-Modified-Since", prev.lastModified)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return Result{}, "", fmt.Errorf("fetching PAC file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		if prev.IsZero() {
			return Result{}, "", fmt.Errorf("fetching PAC file: unexpected %s without validators", resp.Status)
		}
		l.logger.Debug("PAC file not modified", "source", uri)
		return Result{Token: prev, Unchanged: true}, "", nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, "", fmt.Errorf("fetching PAC file: %s returned %s", uri, resp.Status)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return Result{}, "", fmt.Errorf("reading PAC response body: %w", err)
	}
	tok := Token{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}
	return Result{Content: content, Token: tok}, resp.Header.Get("Content-Type"), nil
}

// loadData decodes an RFC 2397 data URI. It never reports Unchanged.
func loadData(uri string) (Result, string, error) {
	meta, payload, ok := strings.Cut(uri[len("data:"):], ",")
	if !ok {
		return Result{}, "", errors.New("data URI missing ','")
	}

	mediaType := meta
	isBase64 := false
	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		mediaType = meta[:len(meta)-len(";base64")]
		isBase64 = true
	}

	var content []byte
	if isBase64 {
		raw, err := url.PathUnescape(payload)
		if err != nil {
			return Result{}, "", fmt.Errorf("data URI: %w", err)
		}
		content, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			if content, err = base64.RawStdEncoding.DecodeString(raw); err != nil {
				return Result{}, "", fmt.Errorf("data URI: %w", err)
			}
		}
	} else {
		s, err := url.PathUnescape(payload)
		if err != nil {
			return Result{}, "", fmt.Errorf("data URI: %w", err)
		}
		content = []byte(s)
	}
	return Result{Content: content}, mediaType, nil
}
