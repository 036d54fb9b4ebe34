package idempotency

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestHandler(calls *atomic.Int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id":"run_%d"}`, n)
	})
}

func TestMiddlewareReplaysIdenticalRequest(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()

	var calls atomic.Int64
	handler := Middleware(store, "runs", nil)(newTestHandler(&calls))

	body := []byte(`{"hire_id":"hire_1","action":"swap"}`)

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/marketplace/runs", bytes.NewReader(body))
	req.Header.Set(HeaderKey, "idem-1")
	handler.ServeHTTP(first, req)

	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", first.Code)
	}
	if first.Header().Get(HeaderReplay) != "" {
		t.Error("first response marked as replay")
	}

	second := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/marketplace/runs", bytes.NewReader(body))
	req.Header.Set(HeaderKey, "idem-1")
	handler.ServeHTTP(second, req)

	if second.Code != http.StatusCreated {
		t.Fatalf("replay status = %d, want 201", second.Code)
	}
	if second.Header().Get(HeaderReplay) != "true" {
		t.Error("replay header missing")
	}
	if second.Header().Get(HeaderKey) != "idem-1" {
		t.Error("replay should echo the idempotency key")
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Errorf("replay body %q differs from original %q", second.Body.String(), first.Body.String())
	}
	if calls.Load() != 1 {
		t.Errorf("handler invoked %d times, want 1", calls.Load())
	}
}

func TestMiddlewareConflictOnDifferentBody(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()

	var calls atomic.Int64
	handler := Middleware(store, "runs", nil)(newTestHandler(&calls))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/marketplace/runs", bytes.NewReader([]byte(`{"action":"swap"}`)))
	req.Header.Set(HeaderKey, "idem-1")
	handler.ServeHTTP(first, req)

	second := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/marketplace/runs", bytes.NewReader([]byte(`{"action":"stake"}`)))
	req.Header.Set(HeaderKey, "idem-1")
	handler.ServeHTTP(second, req)

	if second.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", second.Code)
	}
	if !bytes.Contains(second.Body.Bytes(), []byte("IDEMPOTENCY_KEY_REUSED")) {
		t.Errorf("body = %s, want IDEMPOTENCY_KEY_REUSED code", second.Body.String())
	}
	if calls.Load() != 1 {
		t.Errorf("handler invoked %d times, want 1", calls.Load())
	}
}

func TestMiddlewareSkipsWithoutKey(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()

	var calls atomic.Int64
	handler := Middleware(store, "runs", nil)(newTestHandler(&calls))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/marketplace/runs", bytes.NewReader([]byte(`{}`)))
		handler.ServeHTTP(rec, req)
	}

	if calls.Load() != 2 {
		t.Errorf("handler invoked %d times, want 2 (no key, no caching)", calls.Load())
	}
}

func TestMiddlewareDoesNotCacheErrors(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()

	var calls atomic.Int64
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})
	handler := Middleware(store, "runs", nil)(failing)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/marketplace/runs", bytes.NewReader([]byte(`{}`)))
		req.Header.Set(HeaderKey, "idem-err")
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d status = %d, want 400 (errors are retryable)", i, rec.Code)
		}
	}

	if calls.Load() != 2 {
		t.Errorf("handler invoked %d times, want 2", calls.Load())
	}
}
