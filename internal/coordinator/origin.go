package coordinator

import (
	"fmt"
	"net/url"
	"strings"
)

// OriginPattern is a browser-style match pattern such as *://*.cnki.net/*.
type OriginPattern struct {
	raw    string
	scheme string
	host   string
	path   string
}

func ParseOriginPattern(raw string) (OriginPattern, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" {
		return OriginPattern{}, fmt.Errorf("%w: origin pattern %q", ErrInvalidInput, raw)
	}
	host, path, ok := strings.Cut(rest, "/")
	if !ok {
		path = "*"
	}
	if host == "" {
		return OriginPattern{}, fmt.Errorf("%w: origin pattern %q", ErrInvalidInput, raw)
	}
	if strings.Contains(strings.TrimPrefix(host, "*."), "*") && host != "*" {
		return OriginPattern{}, fmt.Errorf("%w: origin pattern %q", ErrInvalidInput, raw)
	}
	return OriginPattern{
		raw:    raw,
		scheme: strings.ToLower(scheme),
		host:   strings.ToLower(host),
		path:   "/" + path,
	}, nil
}

func (p OriginPattern) String() string {
	return p.raw
}

// Match reports whether the page address falls under the pattern. A
// wildcard scheme covers http and https only.
func (p OriginPattern) Match(address string) bool {
	u, err := url.Parse(strings.TrimSpace(address))
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	switch p.scheme {
	case "*":
		if scheme != "http" && scheme != "https" {
			return false
		}
	default:
		if scheme != p.scheme {
			return false
		}
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case p.host == "*":
	case strings.HasPrefix(p.host, "*."):
		domain := p.host[2:]
		if host != domain && !strings.HasSuffix(host, "."+domain) {
			return false
		}
	default:
		if host != p.host {
			return false
		}
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return globMatch(p.path, path)
}

// globMatch matches s against pattern where * spans any run of characters,
// slashes included.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, last)
}
