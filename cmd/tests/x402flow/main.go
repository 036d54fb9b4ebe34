// Command x402flow drives a full marketplace flow against a running
// server: register an agent, discover it, hire it, then pay for and
// execute a run through the shielded x402 exchange. Useful for smoke
// testing a deployment end to end.
package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/CloakMarket/server/internal/endpointproof"
	"github.com/CloakMarket/server/pkg/x402"
)

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "marketplace base URL")
		apiKey    = flag.String("api-key", "", "X-API-Key value (omit when auth is disabled)")
		wallet    = flag.String("wallet", "0xflowtester", "operator wallet (used via X-Wallet when auth is disabled)")
		agentID   = flag.String("agent", "x402flow_swapper", "agent id to register")
		endpoint  = flag.String("endpoint", "https://agents.example.com/swap", "agent endpoint to register")
		amount    = flag.String("amount", "100", "per-run price in token smallest units")
		token     = flag.String("token", "STRK", "pricing token")
	)
	flag.Parse()

	client := &apiClient{
		base:   strings.TrimRight(*serverURL, "/"),
		apiKey: *apiKey,
		wallet: strings.ToLower(*wallet),
		http:   &http.Client{Timeout: 90 * time.Second},
	}

	nonce := randomHex(8)
	profile := map[string]any{
		"agent_id":     *agentID,
		"display_name": "x402flow swapper",
		"agent_type":   "swap_runner",
		"capabilities": []string{"swap"},
		"endpoints":    []string{*endpoint},
		"endpoint_proofs": []map[string]string{{
			"endpoint": *endpoint,
			"nonce":    nonce,
			"digest":   endpointproof.Digest(*endpoint, client.wallet, nonce),
		}},
		"pricing": map[string]string{
			"mode":   "per_run",
			"amount": *amount,
			"token":  *token,
		},
		"operator_wallet": client.wallet,
	}

	log.Printf("registering agent %s", *agentID)
	if _, _, err := client.do("POST", "/marketplace/agents", profile, ""); err != nil {
		log.Fatalf("register agent: %v", err)
	}

	log.Print("discovering swap agents")
	body, _, err := client.do("GET", "/marketplace/discover?capability=swap", nil, "")
	if err != nil {
		log.Fatalf("discover: %v", err)
	}
	log.Printf("discover response: %s", truncate(body, 300))

	log.Print("creating hire")
	hireBody, _, err := client.do("POST", "/marketplace/hires", map[string]any{
		"agent_id":        *agentID,
		"operator_wallet": client.wallet,
	}, "")
	if err != nil {
		log.Fatalf("create hire: %v", err)
	}
	var hire struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(hireBody, &hire); err != nil || hire.ID == "" {
		log.Fatalf("parse hire: %v (%s)", err, truncate(hireBody, 200))
	}
	log.Printf("hired: %s", hire.ID)

	runReq := map[string]any{
		"hire_id": hire.ID,
		"action":  "swap",
		"params":  map[string]string{"pair": *token + "/USDC"},
	}

	log.Print("requesting run (expecting 402)")
	_, challengeHeader, err := client.do("POST", "/marketplace/runs", runReq, "")
	if err != nil {
		log.Fatalf("run challenge request: %v", err)
	}
	if challengeHeader == "" {
		log.Fatal("server did not return an x-x402-challenge header")
	}
	challenge, err := x402.ParseChallenge(challengeHeader)
	if err != nil {
		log.Fatalf("parse challenge: %v", err)
	}
	log.Printf("challenge %s: %s %s to %s", challenge.ChallengeID, challenge.MinAmount, challenge.Token, challenge.Recipient)

	payment := buildAttestedPayment(challenge)
	raw, err := json.Marshal(payment)
	if err != nil {
		log.Fatalf("encode payment: %v", err)
	}

	log.Print("retrying run with payment")
	runBody, _, err := client.do("POST", "/marketplace/runs", runReq, string(raw))
	if err != nil {
		log.Fatalf("paid run: %v", err)
	}
	var run struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		PaymentRef string `json:"payment_ref"`
	}
	if err := json.Unmarshal(runBody, &run); err != nil {
		log.Fatalf("parse run: %v (%s)", err, truncate(runBody, 200))
	}
	log.Printf("run %s finished with status %s (payment %s)", run.ID, run.Status, run.PaymentRef)
}

// buildAttestedPayment constructs a payment whose proof attests
// settlement, so the server settles synchronously without a facilitator.
func buildAttestedPayment(challenge x402.Challenge) x402.PaymentPayload {
	payment := x402.PaymentPayload{
		Version:      x402.Version,
		Scheme:       x402.SchemeShielded,
		ChallengeID:  challenge.ChallengeID,
		TongoAddress: "tongo1" + randomHex(6),
		Token:        challenge.Token,
		Amount:       challenge.MinAmount,
		ReplayKey:    "rk_flow_" + randomHex(8),
		ContextHash:  challenge.ContextHash,
		ExpiresAt:    challenge.ExpiresAt,
		Nonce:        randomHex(8),
	}
	intentHash, err := x402.IntentHash(x402.IntentInput{
		ChallengeID:  payment.ChallengeID,
		ContextHash:  payment.ContextHash,
		Recipient:    challenge.Recipient,
		Token:        payment.Token,
		TongoAddress: payment.TongoAddress,
		Amount:       payment.Amount,
		ReplayKey:    payment.ReplayKey,
		Nonce:        payment.Nonce,
		ExpiresAt:    payment.ExpiresAt,
	})
	if err != nil {
		log.Fatalf("intent hash: %v", err)
	}
	payment.Proof, err = json.Marshal(x402.TongoAttestation{
		Version:          x402.TongoAttestationVersion,
		IntentHash:       intentHash,
		SettlementTxHash: "0xflow_" + randomHex(16),
		Attestor:         "tongo1flowattestor",
	})
	if err != nil {
		log.Fatalf("encode attestation: %v", err)
	}
	return payment
}

type apiClient struct {
	base   string
	apiKey string
	wallet string
	http   *http.Client
}

// do performs one API call and returns the body plus any
// x-x402-challenge response header. 402 is not an error here.
func (c *apiClient) do(method, path string, payload any, paymentHeader string) ([]byte, string, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, "", err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	} else {
		req.Header.Set("X-Wallet", c.wallet)
	}
	if paymentHeader != "" {
		req.Header.Set("x-x402-payment", paymentHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	challengeHeader := resp.Header.Get("x-x402-challenge")

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusPaymentRequired {
		return data, challengeHeader, fmt.Errorf("%s %s: %s (%s)", method, path, resp.Status, truncate(data, 300))
	}
	return data, challengeHeader, nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("read entropy: %v", err)
	}
	return hex.EncodeToString(buf)
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
