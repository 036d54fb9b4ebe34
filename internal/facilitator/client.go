// Package facilitator is the HTTP client for the external settlement
// facilitator. The paywall hands it a payment and its challenge; the
// facilitator settles the shielded transfer and reports progress.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/CloakMarket/server/internal/circuitbreaker"
	"github.com/CloakMarket/server/internal/metrics"
	"github.com/CloakMarket/server/internal/rpcutil"
	"github.com/CloakMarket/server/pkg/x402"
)

// Client implements x402.Facilitator over HTTP.
type Client struct {
	baseURL  string
	client   *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
}

// NewClient builds a facilitator client against baseURL.
func NewClient(baseURL string, timeout time.Duration, breakers *circuitbreaker.Manager, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		breakers: breakers,
		metrics:  m,
	}
}

type settleRequest struct {
	Payment   x402.PaymentPayload `json:"payment"`
	Challenge x402.Challenge      `json:"challenge"`
}

// Settle implements x402.Facilitator.
func (c *Client) Settle(ctx context.Context, payment x402.PaymentPayload, challenge x402.Challenge) (x402.SettlementResult, error) {
	body, err := json.Marshal(settleRequest{Payment: payment, Challenge: challenge})
	if err != nil {
		return x402.SettlementResult{}, fmt.Errorf("facilitator: marshal settle request: %w", err)
	}
	return c.do(ctx, "settle", http.MethodPost, c.baseURL+"/settle", body)
}

// Status implements x402.Facilitator.
func (c *Client) Status(ctx context.Context, paymentRef string) (x402.SettlementResult, error) {
	endpoint := c.baseURL + "/status/" + url.PathEscape(paymentRef)
	return c.do(ctx, "status", http.MethodGet, endpoint, nil)
}

func (c *Client) do(ctx context.Context, operation, method, endpoint string, body []byte) (x402.SettlementResult, error) {
	start := time.Now()
	result, err := rpcutil.WithRetry(ctx, func() (x402.SettlementResult, error) {
		out, err := c.breakers.Execute(circuitbreaker.ServiceFacilitator, func() (interface{}, error) {
			return c.roundTrip(ctx, method, endpoint, body)
		})
		if err != nil {
			return x402.SettlementResult{}, err
		}
		return out.(x402.SettlementResult), nil
	})
	if c.metrics != nil {
		c.metrics.ObserveRPCCall("facilitator", operation, time.Since(start), err)
	}
	return result, err
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, body []byte) (x402.SettlementResult, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return x402.SettlementResult{}, fmt.Errorf("facilitator: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return x402.SettlementResult{}, fmt.Errorf("facilitator: request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return x402.SettlementResult{}, fmt.Errorf("facilitator: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return x402.SettlementResult{}, fmt.Errorf("facilitator: returned status %d", resp.StatusCode)
	}

	var result x402.SettlementResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return x402.SettlementResult{}, fmt.Errorf("facilitator: decode response: %w", err)
	}
	if result.Status == "" {
		return x402.SettlementResult{}, fmt.Errorf("facilitator: response missing status")
	}
	return result, nil
}
