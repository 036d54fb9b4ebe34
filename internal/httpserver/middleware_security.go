package httpserver

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/CloakMarket/server/internal/errors"
)

// securityHeadersMiddleware sets the standard security headers on
// every response. HSTS is only emitted on TLS connections.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// adminMetricsAuth protects the Prometheus endpoint with a bearer key.
// An empty configured key leaves the endpoint open, which is the right
// default for scrape targets inside a private network.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			expected := "Bearer " + apiKey
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Invalid or missing admin API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
