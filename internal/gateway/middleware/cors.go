package middleware

import (
	"net/http"
	"slices"
	"strings"
)

const (
	corsAllowHeaders  = "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, Connect-Protocol-Version, Connect-Timeout-Ms, Connect-Content-Encoding, Connect-Accept-Encoding, X-User-Agent"
	corsExposeHeaders = "Connect-Content-Encoding, Connect-Accept-Encoding, Copyflow-Error-Code"
)

// ParseOrigins flattens an origin allowlist. Entries may hold several
// comma-separated origins, as they do when set from the environment.
func ParseOrigins(entries []string) []string {
	var allowed []string
	for _, entry := range entries {
		for _, o := range strings.Split(entry, ",") {
			if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
				allowed = append(allowed, o)
			}
		}
	}
	return allowed
}

// OriginAllowed reports whether origin may talk to the server. An empty
// allowlist admits every origin, as does a request without an Origin header.
func OriginAllowed(allowed []string, origin string) bool {
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	return origin == "" || len(allowed) == 0 || slices.Contains(allowed, origin)
}

// CORS answers preflight requests and sets the CORS headers. With no
// allowed origins every origin is echoed back.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := ParseOrigins(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			switch {
			case origin == "":
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case OriginAllowed(allowed, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			default:
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
			w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
