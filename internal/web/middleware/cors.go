package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may call the API.
type OriginPolicy struct {
	allowed        map[string]struct{}
	allowLocalhost bool
}

// NewOriginPolicy builds a policy from an explicit origin list.
func NewOriginPolicy(origins []string, allowLocalhost bool) OriginPolicy {
	p := OriginPolicy{allowed: make(map[string]struct{}, len(origins)), allowLocalhost: allowLocalhost}
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

// Allows reports whether origin should receive CORS headers.
func (p OriginPolicy) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	if _, ok := p.allowed[origin]; ok {
		return true
	}
	return p.allowLocalhost && isLocalhostOrigin(origin)
}

// isLocalhostOrigin matches http(s) origins whose host is localhost or a loopback address.
// Hosts such as "localhost.evil.com" do not match.
func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// CORS returns middleware that sets CORS headers for origins the policy allows.
// Preflight requests are answered directly.
func CORS(policy OriginPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")
			if policy.Allows(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Last-Event-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets headers for a JSON API that never serves documents.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	}
}
