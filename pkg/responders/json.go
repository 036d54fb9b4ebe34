package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes an application/json response with status code and payload.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// List writes a JSON list envelope. Items is never null on the wire,
// even for an empty result set.
func List(w http.ResponseWriter, status int, key string, items any, total int) {
	JSON(w, status, map[string]any{
		key:     items,
		"total": total,
	})
}
