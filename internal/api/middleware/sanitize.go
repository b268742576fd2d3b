package middleware

import (
	"net/http"
	"strings"

	"github.com/Wikid82/netgate/internal/util"
)

const maxLoggedValue = 200

// redactedHeaders carry credentials for the control API or for the
// workload's upstream services.
var redactedHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
}

// urlHeaders hold a workload's outbound URL on the forward-auth hook. Their
// query strings are dropped like the request path's.
var urlHeaders = map[string]struct{}{
	"x-forwarded-uri": {},
	"x-original-uri":  {},
	"x-original-url":  {},
	"referer":         {},
}

func sensitiveHeader(key string) bool {
	if _, ok := redactedHeaders[key]; ok {
		return true
	}
	if strings.HasPrefix(key, "x-netgate-") && key != "x-netgate-decision" {
		return true
	}
	return strings.Contains(key, "token") || strings.Contains(key, "secret") || strings.HasSuffix(key, "api-key")
}

// SanitizeHeaders returns headers safe to log. Credentials and unknown
// X-Netgate-* headers are redacted, forwarded URLs lose their query, and
// every value is stripped of control characters and truncated.
func SanitizeHeaders(h http.Header) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, vals := range h {
		key := strings.ToLower(k)
		if sensitiveHeader(key) {
			out[k] = []string{"<redacted>"}
			continue
		}
		_, isURL := urlHeaders[key]
		clean := make([]string, 0, len(vals))
		for _, v := range vals {
			if isURL {
				clean = append(clean, SanitizePath(v))
				continue
			}
			clean = append(clean, truncate(util.SanitizeForLog(v)))
		}
		out[k] = clean
	}
	return out
}

// SanitizePath prepares a request path for logging: the query string and
// control characters are removed and long values truncated.
func SanitizePath(p string) string {
	if i := strings.IndexByte(p, '?'); i != -1 {
		p = p[:i]
	}
	return truncate(util.SanitizeForLog(p))
}

func truncate(s string) string {
	if len(s) > maxLoggedValue {
		return s[:maxLoggedValue]
	}
	return s
}
