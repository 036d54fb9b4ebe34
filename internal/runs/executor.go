package runs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/CloakMarket/server/internal/storage"
)

// ExecutionInput is everything a runtime needs to perform one action.
type ExecutionInput struct {
	AgentType      storage.AgentType
	Action         string
	Params         json.RawMessage
	OperatorWallet string
	ServiceWallet  string

	// DelegationEvidence is set when the run consumed a spend
	// authorization before execution.
	DelegationEvidence *storage.DelegationEvidence
}

// ExecutionResult is what a runtime produced. Status must be a terminal
// run status (completed or failed).
type ExecutionResult struct {
	Status            storage.RunStatus
	ExecutionTxHashes []string
	Result            json.RawMessage

	// DelegationEvidence lets a runtime that settles its own escrow
	// report the evidence back; it is promoted onto the run record.
	DelegationEvidence *storage.DelegationEvidence
}

// Executor is the runtime contract for one agent type. Execute must not
// panic; an error return is recorded as a failed run, never surfaced as
// a server error.
type Executor interface {
	AgentType() storage.AgentType
	SupportedActions() []string
	Execute(ctx context.Context, input ExecutionInput) (ExecutionResult, error)
}

// ExecutorRegistry resolves executors by agent type. It is populated at
// startup and read-only afterwards, so no locking.
type ExecutorRegistry struct {
	executors map[storage.AgentType]Executor
}

// NewExecutorRegistry returns a registry preloaded with the built-in
// runtimes for every known agent type.
func NewExecutorRegistry() *ExecutorRegistry {
	r := &ExecutorRegistry{executors: make(map[storage.AgentType]Executor)}
	r.Register(&stakingSteward{})
	r.Register(&treasuryDispatcher{})
	r.Register(&swapRunner{})
	return r
}

// Register adds or replaces the executor for its agent type.
func (r *ExecutorRegistry) Register(executor Executor) {
	r.executors[executor.AgentType()] = executor
}

// Lookup returns the executor for an agent type, if any.
func (r *ExecutorRegistry) Lookup(agentType storage.AgentType) (Executor, bool) {
	executor, ok := r.executors[agentType]
	return executor, ok
}

// Supports reports whether the agent type has an executor that handles
// the action.
func (r *ExecutorRegistry) Supports(agentType storage.AgentType, action string) bool {
	executor, ok := r.executors[agentType]
	if !ok {
		return false
	}
	needle := strings.ToLower(strings.TrimSpace(action))
	for _, a := range executor.SupportedActions() {
		if a == needle {
			return true
		}
	}
	return false
}

// simulatedTxHash derives a stable pseudo transaction hash for the
// built-in runtimes, which model execution without touching a chain.
func simulatedTxHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "0x" + hex.EncodeToString(sum[:])
}

func simulatedResult(input ExecutionInput, detail map[string]any) (json.RawMessage, error) {
	payload := map[string]any{
		"agent_type":  input.AgentType,
		"action":      input.Action,
		"executed_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range detail {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("runs: encode execution result: %w", err)
	}
	return raw, nil
}

// stakingSteward models a validator staking runtime.
type stakingSteward struct{}

func (e *stakingSteward) AgentType() storage.AgentType { return storage.AgentTypeStakingSteward }

func (e *stakingSteward) SupportedActions() []string {
	return []string{"stake", "unstake", "claim_rewards"}
}

func (e *stakingSteward) Execute(_ context.Context, input ExecutionInput) (ExecutionResult, error) {
	txHash := simulatedTxHash("staking", input.Action, input.OperatorWallet, string(input.Params))
	result, err := simulatedResult(input, map[string]any{
		"pool":    "default",
		"tx_hash": txHash,
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{
		Status:            storage.RunCompleted,
		ExecutionTxHashes: []string{txHash},
		Result:            result,
	}, nil
}

// treasuryDispatcher models a treasury transfer runtime.
type treasuryDispatcher struct{}

func (e *treasuryDispatcher) AgentType() storage.AgentType {
	return storage.AgentTypeTreasuryDispatcher
}

func (e *treasuryDispatcher) SupportedActions() []string {
	return []string{"disburse", "sweep", "rebalance"}
}

func (e *treasuryDispatcher) Execute(_ context.Context, input ExecutionInput) (ExecutionResult, error) {
	transferHash := simulatedTxHash("treasury", input.Action, input.OperatorWallet, string(input.Params))
	hashes := []string{transferHash}
	detail := map[string]any{"transfer_tx_hash": transferHash}
	if input.DelegationEvidence != nil {
		// Escrow-funded dispatch records the escrow leg too.
		hashes = append(hashes, input.DelegationEvidence.EscrowTransferTxHash)
		detail["escrow_tx_hash"] = input.DelegationEvidence.EscrowTransferTxHash
	}
	result, err := simulatedResult(input, detail)
	if err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{
		Status:             storage.RunCompleted,
		ExecutionTxHashes:  hashes,
		Result:             result,
		DelegationEvidence: input.DelegationEvidence,
	}, nil
}

// swapRunner models a DEX swap runtime.
type swapRunner struct{}

func (e *swapRunner) AgentType() storage.AgentType { return storage.AgentTypeSwapRunner }

func (e *swapRunner) SupportedActions() []string {
	return []string{"swap", "quote"}
}

func (e *swapRunner) Execute(_ context.Context, input ExecutionInput) (ExecutionResult, error) {
	// A quote is read-only; no transaction is produced.
	if input.Action == "quote" {
		result, err := simulatedResult(input, map[string]any{"quote": "1000000"})
		if err != nil {
			return ExecutionResult{}, err
		}
		return ExecutionResult{Status: storage.RunCompleted, Result: result}, nil
	}

	txHash := simulatedTxHash("swap", input.OperatorWallet, input.ServiceWallet, string(input.Params))
	result, err := simulatedResult(input, map[string]any{"swap_tx_hash": txHash})
	if err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{
		Status:            storage.RunCompleted,
		ExecutionTxHashes: []string{txHash},
		Result:            result,
	}, nil
}
