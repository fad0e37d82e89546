package source

import (
	"bytes"
	"fmt"
	"mime"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decode converts raw to UTF-8. The encoding is taken from override, then
// the Content-Type charset parameter, then a byte order mark.
func decode(raw []byte, contentType, override string) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	name := override
	if name == "" && contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			name = params["charset"]
		}
	}
	if name == "" {
		_, detected, certain := charset.DetermineEncoding(raw, "")
		if !certain {
			return raw, nil
		}
		name = detected
	}

	enc, canonical := charset.Lookup(name)
	if enc == nil {
		return nil, fmt.Errorf("unknown charset %q", name)
	}
	if strings.EqualFold(canonical, "utf-8") {
		return bytes.TrimPrefix(raw, utf8BOM), nil
	}

	out, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", canonical, err)
	}
	return out, nil
}
