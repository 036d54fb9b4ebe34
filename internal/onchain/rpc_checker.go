package onchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/CloakMarket/server/internal/circuitbreaker"
	"github.com/CloakMarket/server/internal/logger"
	"github.com/CloakMarket/server/internal/metrics"
	"github.com/CloakMarket/server/internal/rpcutil"
)

// RPCChecker resolves agent ownership through a JSON-RPC identity
// registry endpoint.
type RPCChecker struct {
	url             string
	registryAddress string
	timeout         time.Duration
	enforced        func() bool
	client          *http.Client
	breakers        *circuitbreaker.Manager
	metrics         *metrics.Metrics
}

// NewRPCChecker builds a registry checker. enforced is consulted per
// check so the enforcement flag can be toggled without a restart.
func NewRPCChecker(url, registryAddress string, timeout time.Duration, enforced func() bool, breakers *circuitbreaker.Manager, m *metrics.Metrics) *RPCChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCChecker{
		url:             url,
		registryAddress: registryAddress,
		timeout:         timeout,
		enforced:        enforced,
		client:          &http.Client{Timeout: timeout},
		breakers:        breakers,
		metrics:         m,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result *registryEntry `json:"result"`
	Error  *rpcError      `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type registryEntry struct {
	AgentID    string `json:"agentId"`
	Owner      string `json:"owner"`
	Registered bool   `json:"registered"`
}

// Check implements Checker. RPC failures are logged and reported as
// StatusUnknown with a reason, never as a rejection.
func (c *RPCChecker) Check(ctx context.Context, agentID, operatorWallet string) Result {
	enforced := c.enforced != nil && c.enforced()
	if !enforced {
		return Result{Enforced: false, Status: StatusSkipped, CheckedAt: time.Now().UTC()}
	}

	entry, err := c.lookup(ctx, agentID)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Str("agent_id", agentID).
			Msg("onchain.registry_lookup_failed")
		return Result{
			Enforced:  true,
			Status:    StatusUnknown,
			Reason:    "registry lookup failed",
			CheckedAt: time.Now().UTC(),
		}
	}

	if entry == nil || !entry.Registered {
		return classifyOwner(true, "", operatorWallet, "agent not registered")
	}
	return classifyOwner(true, entry.Owner, operatorWallet, "agent not registered")
}

// lookup performs the registry_getAgent call with retry and breaker
// protection.
func (c *RPCChecker) lookup(ctx context.Context, agentID string) (*registryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	entry, err := rpcutil.WithRetry(ctx, func() (*registryEntry, error) {
		result, err := c.breakers.Execute(circuitbreaker.ServiceOnchainRPC, func() (interface{}, error) {
			return c.call(ctx, agentID)
		})
		if err != nil {
			return nil, err
		}
		return result.(*registryEntry), nil
	})
	if c.metrics != nil {
		c.metrics.ObserveRPCCall("onchain_rpc", "registry_get_agent", time.Since(start), err)
	}
	return entry, err
}

func (c *RPCChecker) call(ctx context.Context, agentID string) (*registryEntry, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "registry_getAgent",
		Params:  []any{c.registryAddress, agentID},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal registry request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build registry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read registry response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var parsed rpcResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode registry response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("registry error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	return parsed.Result, nil
}
