package agent

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Request is the metadata of one pending outbound request.
type Request struct {
	Host string
	// Port is the destination port. Zero means the default for the scheme.
	Port int
	// Path is the request target, optionally followed by ?query.
	Path string
	// Secure marks destinations that require TLS end to end.
	Secure bool
}

func (r Request) defaultPort() int {
	if r.Secure {
		return 443
	}
	return 80
}

func (r Request) port() int {
	if r.Port == 0 {
		return r.defaultPort()
	}
	return r.Port
}

// Address returns host:port of the destination.
func (r Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.port()))
}

// BuildURL reconstructs the absolute URL handed to FindProxyForURL. The
// port is written only when it differs from the scheme default. Path and
// query are copied verbatim.
func BuildURL(r Request) string {
	scheme := "http"
	if r.Secure {
		scheme = "https"
	}

	host := r.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if p := r.port(); p != r.defaultPort() {
		host += ":" + strconv.Itoa(p)
	}

	path, query, hasQuery := strings.Cut(r.Path, "?")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if hasQuery {
		b.WriteByte('?')
		b.WriteString(query)
	}
	return b.String()
}

// RequestFromURL derives request metadata from an absolute http or https
// URL.
func RequestFromURL(u *url.URL) (Request, error) {
	var secure bool
	switch strings.ToLower(u.Scheme) {
	case "http":
	case "https":
		secure = true
	default:
		return Request{}, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return Request{}, fmt.Errorf("URL %q has no host", u.String())
	}

	req := Request{Host: u.Hostname(), Path: u.RequestURI(), Secure: secure}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Request{}, fmt.Errorf("invalid port %q", p)
		}
		req.Port = n
	}
	return req, nil
}

// RequestFromHostPort derives request metadata from a CONNECT authority.
// The tunnelled stream is opaque, so Secure is inferred from port 443.
func RequestFromHostPort(hostport string) (Request, error) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return Request{}, err
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 || n > 65535 {
		return Request{}, fmt.Errorf("invalid port %q", p)
	}
	return Request{Host: host, Port: n, Path: "/", Secure: n == 443}, nil
}
