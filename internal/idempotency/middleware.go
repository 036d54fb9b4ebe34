package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/CloakMarket/server/internal/apikey"
	apierrors "github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/metrics"
)

const (
	// HeaderKey is the request header carrying the caller-chosen key.
	HeaderKey = "Idempotency-Key"

	// HeaderReplay marks responses served from the idempotency cache.
	HeaderReplay = "x-idempotent-replay"
)

// responseWriter captures status, headers, and body for caching.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// capturedHeaders snapshots response headers worth replaying. Trace and
// request ids are regenerated per request and deliberately excluded.
func (rw *responseWriter) capturedHeaders() map[string]string {
	headers := make(map[string]string)
	for _, name := range []string{"Content-Type", "Location"} {
		if v := rw.ResponseWriter.Header().Get(name); v != "" {
			headers[name] = v
		}
	}
	return headers
}

// Middleware makes request handling replay-safe for one route scope.
// A request with an Idempotency-Key header is hashed (actor + key +
// body); an identical resend returns the stored response byte-for-byte
// with x-idempotent-replay: true, and a resend with a different body is
// rejected with 409 IDEMPOTENCY_KEY_REUSED. Responses outside 2xx are
// not cached, so a failed attempt can be retried with the same key.
func Middleware(store Store, scope string, collector *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			actor := apikey.OperatorWallet(r)

			// Hash the body and restore it for the handler.
			var bodyBytes []byte
			if r.Body != nil {
				bodyBytes, _ = io.ReadAll(r.Body)
				r.Body.Close()
				r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			}
			requestHash := hashRequest(r.Method, r.URL.Path, bodyBytes)

			result, record, err := store.Lookup(r.Context(), scope, actor, key, requestHash)
			if err != nil {
				// A degraded cache must not block request handling.
				next.ServeHTTP(w, r)
				return
			}

			switch result {
			case Replay:
				if collector != nil {
					collector.ObserveIdempotentReplay()
				}
				for k, v := range record.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set(HeaderReplay, "true")
				w.Header().Set(HeaderKey, key)
				w.WriteHeader(record.Status)
				w.Write(record.Body)
				return

			case Conflict:
				if collector != nil {
					collector.ObserveIdempotencyConflict()
				}
				apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeIdempotencyReuse,
					"Idempotency key was already used with a different request body",
					"idempotency_key", key)
				return
			}

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			if rw.statusCode >= 200 && rw.statusCode < 300 {
				store.Save(r.Context(), scope, actor, key, Record{
					RequestHash: requestHash,
					Status:      rw.statusCode,
					Body:        rw.body.Bytes(),
					Headers:     rw.capturedHeaders(),
				})
			}
		})
	}
}

// hashRequest derives the request hash binding a key to one exact request.
func hashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
