// Package directive parses the string returned by a PAC FindProxyForURL
// call into the proxy instruction the agent acts on.
package directive

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrUnknownProxyType is returned when the PAC result names a proxy type
	// other than DIRECT, PROXY, SOCKS or HTTPS.
	ErrUnknownProxyType = errors.New("unknown proxy type")

	// ErrMalformedDirective is returned when a proxy type is missing its
	// host:port argument or the argument cannot be split.
	ErrMalformedDirective = errors.New("malformed proxy directive")
)

// Kind is the closed set of directive types defined by the PAC grammar.
type Kind int

const (
	Direct Kind = iota
	SOCKS
	HTTPProxy
	HTTPSProxy
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "DIRECT"
	case SOCKS:
		return "SOCKS"
	case HTTPProxy:
		return "PROXY"
	case HTTPSProxy:
		return "HTTPS"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Label is the lower-case form used for metric and log labels.
func (k Kind) Label() string {
	switch k {
	case Direct:
		return "direct"
	case SOCKS:
		return "socks"
	case HTTPProxy:
		return "http"
	case HTTPSProxy:
		return "https"
	default:
		return "unknown"
	}
}

// defaultPort is used when a proxy directive names a host without a port.
func (k Kind) defaultPort() string {
	switch k {
	case SOCKS:
		return "1080"
	case HTTPSProxy:
		return "443"
	default:
		return "80"
	}
}

// Directive is one parsed PAC instruction.
type Directive struct {
	Kind Kind
	Host string // empty for Direct
	Port string // empty for Direct
}

// Address returns host:port of the proxy endpoint, or "" for Direct.
func (d Directive) Address() string {
	if d.Kind == Direct {
		return ""
	}
	return net.JoinHostPort(d.Host, d.Port)
}

// String renders the directive in PAC syntax.
func (d Directive) String() string {
	if d.Kind == Direct {
		return "DIRECT"
	}
	return d.Kind.String() + " " + d.Address()
}

// Parse turns a raw PAC result into the directive to act on. An empty
// result is treated as "DIRECT". Only the first non-empty candidate of a
// semicolon separated list is considered; later entries are never used as
// fallbacks.
func Parse(raw string) (Directive, error) {
	first := ""
	for _, candidate := range strings.Split(strings.TrimSpace(raw), ";") {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			first = candidate
			break
		}
	}
	if first == "" {
		return Directive{Kind: Direct}, nil
	}

	fields := strings.Fields(first)
	typ := strings.ToUpper(fields[0])
	var arg string
	if len(fields) > 1 {
		arg = fields[1]
	}

	var kind Kind
	switch typ {
	case "DIRECT":
		return Directive{Kind: Direct}, nil
	case "SOCKS", "SOCKS5":
		kind = SOCKS
	case "PROXY":
		kind = HTTPProxy
	case "HTTPS":
		kind = HTTPSProxy
	default:
		return Directive{}, fmt.Errorf("%w: %q", ErrUnknownProxyType, fields[0])
	}

	if arg == "" {
		return Directive{}, fmt.Errorf("%w: %s requires host:port", ErrMalformedDirective, typ)
	}
	host, port, err := splitHostPort(arg, kind.defaultPort())
	if err != nil {
		return Directive{}, fmt.Errorf("%w: %q: %v", ErrMalformedDirective, first, err)
	}
	return Directive{Kind: kind, Host: host, Port: port}, nil
}

func splitHostPort(arg, defPort string) (string, string, error) {
	host, port, err := net.SplitHostPort(arg)
	if err != nil {
		// Bare host or bracketed IPv6 literal without a port.
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && addrErr.Err == "missing port in address" {
			return strings.Trim(arg, "[]"), defPort, nil
		}
		return "", "", err
	}
	if host == "" {
		return "", "", errors.New("empty host")
	}
	if port == "" {
		port = defPort
	}
	return host, port, nil
}
