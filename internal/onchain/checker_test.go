package onchain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CloakMarket/server/internal/circuitbreaker"
)

func registryServer(t *testing.T, entries map[string]registryEntry) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Method != "registry_getAgent" || len(req.Params) != 2 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		agentID, _ := req.Params[1].(string)
		resp := rpcResponse{}
		if entry, ok := entries[agentID]; ok {
			resp.Result = &entry
		} else {
			resp.Result = &registryEntry{AgentID: agentID, Registered: false}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestChecker(url string, enforced bool) *RPCChecker {
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{Enabled: false})
	return NewRPCChecker(url, "0xregistry", 2*time.Second, func() bool { return enforced }, breakers, nil)
}

func TestRPCCheckerVerified(t *testing.T) {
	server := registryServer(t, map[string]registryEntry{
		"agent-1": {AgentID: "agent-1", Owner: "0xABCDEF", Registered: true},
	})
	defer server.Close()

	checker := newTestChecker(server.URL, true)
	result := checker.Check(context.Background(), "agent-1", "0xabcdef")
	if !result.Enforced {
		t.Fatal("expected enforced result")
	}
	if result.Status != StatusVerified {
		t.Fatalf("expected verified, got %s (%s)", result.Status, result.Reason)
	}
	if result.Owner != "0xabcdef" {
		t.Fatalf("owner not lowercased: %s", result.Owner)
	}
}

func TestRPCCheckerMismatch(t *testing.T) {
	server := registryServer(t, map[string]registryEntry{
		"agent-1": {AgentID: "agent-1", Owner: "0xsomeoneelse", Registered: true},
	})
	defer server.Close()

	checker := newTestChecker(server.URL, true)
	result := checker.Check(context.Background(), "agent-1", "0xabcdef")
	if result.Status != StatusMismatch {
		t.Fatalf("expected mismatch, got %s", result.Status)
	}
	if result.Reason == "" {
		t.Fatal("expected a mismatch reason")
	}
}

func TestRPCCheckerUnregisteredIsUnknown(t *testing.T) {
	server := registryServer(t, nil)
	defer server.Close()

	checker := newTestChecker(server.URL, true)
	result := checker.Check(context.Background(), "agent-ghost", "0xabcdef")
	if result.Status != StatusUnknown {
		t.Fatalf("expected unknown for unregistered agent, got %s", result.Status)
	}
}

func TestRPCCheckerTransientFailureIsUnknown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer server.Close()

	checker := newTestChecker(server.URL, true)
	result := checker.Check(context.Background(), "agent-1", "0xabcdef")
	if result.Status != StatusUnknown {
		t.Fatalf("transient failure must degrade to unknown, got %s", result.Status)
	}
	if result.Reason == "" {
		t.Fatal("expected a failure reason")
	}
}

func TestRPCCheckerSkippedWhenNotEnforced(t *testing.T) {
	checker := newTestChecker("http://127.0.0.1:0", false)
	result := checker.Check(context.Background(), "agent-1", "0xabcdef")
	if result.Enforced || result.Status != StatusSkipped {
		t.Fatalf("expected skipped, got %+v", result)
	}
}

func TestStaticCheckerFallsBackToUnknown(t *testing.T) {
	checker := StaticChecker{Enforced: true, Results: map[string]Result{
		"agent-1": {Status: StatusMismatch, Owner: "0xother"},
	}}
	if got := checker.Check(context.Background(), "agent-1", "0xme"); got.Status != StatusMismatch {
		t.Fatalf("expected canned mismatch, got %s", got.Status)
	}
	if got := checker.Check(context.Background(), "agent-2", "0xme"); got.Status != StatusUnknown {
		t.Fatalf("expected unknown for unseeded agent, got %s", got.Status)
	}
}
