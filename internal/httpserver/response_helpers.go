package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	apierrors "github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/telemetry"
)

// traced mints a trace id for the route family, exposes it on the
// response, and threads it through the request context so telemetry
// events inherit it.
func traced(w http.ResponseWriter, r *http.Request, routeTag string) *http.Request {
	traceID := telemetry.NewTraceID(routeTag)
	w.Header().Set(telemetry.TraceHeader, traceID)
	return r.WithContext(telemetry.WithTraceID(r.Context(), traceID))
}

// decodeBody parses a JSON request body into dst, rejecting unknown
// fields so typos in field names fail loudly instead of silently.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeValidation, "Invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// queryInt parses an integer query parameter, falling back on absence
// or garbage.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// queryBool parses a boolean query parameter. Anything but an explicit
// truthy value reads as false.
func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// pagination bounds limit/offset for list endpoints.
func pagination(r *http.Request) (limit, offset int) {
	limit = queryInt(r, "limit", 20)
	if limit > 100 {
		limit = 100
	}
	offset = queryInt(r, "offset", 0)
	return limit, offset
}
