// Package effect turns strategy action requests into chain transactions
// and tracks each one to exactly one terminal result.
package effect

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Op selects which chain operation an action performs.
type Op uint8

const (
	// OpSubmit sends a state-changing transaction to the target.
	OpSubmit Op = iota
	// OpCall performs a read-only call; no nonce, no gas spend.
	OpCall
	// OpDeploy submits contract creation bytecode.
	OpDeploy
)

func (o Op) String() string {
	switch o {
	case OpSubmit:
		return "submit"
	case OpCall:
		return "call"
	case OpDeploy:
		return "deploy"
	default:
		return "unknown"
	}
}

// Action is a strategy's request to execute something against the chain.
// Correlation is the caller's idempotency token; two actions from the
// same strategy with the same token are the same logical action.
type Action struct {
	StrategyID  string
	ActionType  string
	Op          Op
	Target      common.Address
	CallData    []byte
	Value       *big.Int
	GasLimit    uint64
	Correlation string
}

// Queued is an action accepted by the engine, carrying its assigned id
// and retry state.
type Queued struct {
	Action
	ActionID   string
	Attempts   int
	EnqueuedAt time.Time
	NotBefore  time.Time
}

// Status is the terminal outcome of an action.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Result is the single terminal outcome delivered back to the
// originating strategy's mailbox.
type Result struct {
	ActionID    string
	StrategyID  string
	Correlation string
	Status      Status
	TxHash      common.Hash
	GasUsed     uint64
	Output      []byte
	ErrorClass  string
	Error       string
	Attempts    int
}

// DeriveActionID builds the idempotency key for a strategy/correlation
// pair. The same pair always yields the same id.
func DeriveActionID(strategyID, correlation string) string {
	sum := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s/%s", strategyID, correlation)))
	return sum.Hex()
}
