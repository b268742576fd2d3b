package models

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrInvalidTarget = errors.New("invalid target")
	ErrInvalidHost   = errors.New("invalid host")
)

const wildcardPrefix = "*."

// IsURLTarget reports whether target has a scheme prefix. Targets without one
// are domains.
func IsURLTarget(target string) bool {
	return strings.Contains(target, "://")
}

// ScopeForTarget returns the rule scope implied by the target's shape.
func ScopeForTarget(target string) Scope {
	if IsURLTarget(target) {
		return ScopeURL
	}
	return ScopeDomain
}

// NormalizeTarget returns the canonical form of a URL or domain target so that
// equal targets compare equal as strings.
func NormalizeTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	if IsURLTarget(target) {
		return normalizeURLTarget(target)
	}

	wildcard := strings.HasPrefix(target, wildcardPrefix)
	host := strings.TrimPrefix(target, wildcardPrefix)
	if strings.ContainsAny(host, "/?#*") {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	h, _, err := NormalizeHostPort(host)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if wildcard {
		if net.ParseIP(h) != nil {
			return "", fmt.Errorf("%w: wildcard on IP address %q", ErrInvalidTarget, target)
		}
		return wildcardPrefix + h, nil
	}
	return h, nil
}

func normalizeURLTarget(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidTarget, raw)
	}
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return URLTarget(scheme, u.Host, path)
}

// URLTarget builds the exact-URL target for a request. An empty scheme means
// https, which is what an intercepting proxy sees for CONNECT tunnels.
func URLTarget(scheme, hostport, path string) (string, error) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" {
		scheme = "https"
	}
	host, port, err := NormalizeHostPort(hostport)
	if err != nil {
		return "", err
	}
	if port != "" && !isDefaultPort(scheme, port) {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return scheme + "://" + host + path, nil
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

// NormalizeHostPort lower-cases the host, strips a trailing dot and brackets and
// splits off an optional port. It rejects anything that is not an IP literal or
// a syntactically valid DNS name.
func NormalizeHostPort(hostport string) (host, port string, err error) {
	hostport = strings.ToLower(strings.TrimSpace(hostport))
	if hostport == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidHost)
	}

	host = hostport
	if strings.HasPrefix(hostport, "[") || strings.Count(hostport, ":") == 1 {
		h, p, splitErr := net.SplitHostPort(hostport)
		if splitErr == nil {
			host, port = h, p
		} else if strings.HasPrefix(hostport, "[") && strings.HasSuffix(hostport, "]") {
			host = hostport[1 : len(hostport)-1]
		} else {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidHost, hostport)
		}
	}
	if port != "" && !validPort(port) {
		return "", "", fmt.Errorf("%w: bad port in %q", ErrInvalidHost, hostport)
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), port, nil
	}
	host = strings.TrimSuffix(host, ".")
	if !validDNSName(host) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidHost, hostport)
	}
	return host, port, nil
}

func validPort(p string) bool {
	if len(p) == 0 || len(p) > 5 {
		return false
	}
	n := 0
	for _, c := range p {
		if c < '0' || c > '9' {
			return false
		}
		n = n*10 + int(c-'0')
	}
	return n > 0 && n <= 65535
}

func validDNSName(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
			default:
				return false
			}
		}
	}
	return true
}

// DomainCandidates lists the domain targets a host can match, most specific
// first: the host itself, then "*." wildcards of the host and each parent.
// "a.b.example.com" yields a.b.example.com, *.a.b.example.com,
// *.b.example.com, *.example.com, *.com.
func DomainCandidates(host string) []string {
	if net.ParseIP(host) != nil {
		return []string{host}
	}
	labels := strings.Split(host, ".")
	out := make([]string, 0, len(labels)+1)
	out = append(out, host)
	for i := range labels {
		out = append(out, wildcardPrefix+strings.Join(labels[i:], "."))
	}
	return out
}
