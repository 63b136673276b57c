package api

import (
	"net/http"
	"strings"
)

// SecurityHeaders sets standard security response headers on every
// response. The interactive docs pages load their assets from a CDN and
// are served without a Content-Security-Policy.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		if !isDocsPath(r.URL.Path) {
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		}

		if requestIsSecure(r) {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func isDocsPath(path string) bool {
	path = strings.TrimPrefix(path, "/api/v1")
	return strings.HasPrefix(path, "/docs") || strings.HasPrefix(path, "/redoc")
}
