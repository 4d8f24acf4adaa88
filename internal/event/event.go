package event

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind discriminates decoded event variants.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSubscriptionRequested
	KindUnsubscriptionRequested
	KindActionRequested
	KindLogMessage
	KindPoolReserves
	KindPositionDelta
	KindBalanceTransfer
	KindPriceSample
	KindRegistryUpdated
)

// String returns the kind name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindSubscriptionRequested:
		return "subscription_requested"
	case KindUnsubscriptionRequested:
		return "unsubscription_requested"
	case KindActionRequested:
		return "action_requested"
	case KindLogMessage:
		return "log_message"
	case KindPoolReserves:
		return "pool_reserves"
	case KindPositionDelta:
		return "position_delta"
	case KindBalanceTransfer:
		return "balance_transfer"
	case KindPriceSample:
		return "price_sample"
	case KindRegistryUpdated:
		return "registry_updated"
	default:
		return "unknown"
	}
}

// Payload is the variant-specific body of a decoded event. Implementations
// are the closed set of types below; dispatch with a type switch.
type Payload interface {
	kind() Kind
}

// SubscriptionRequested asks the core to start routing (target, topic)
// events to a strategy's mailbox.
type SubscriptionRequested struct {
	StrategyID string
	Target     common.Address
	Topic      common.Hash
}

// UnsubscriptionRequested revokes a prior subscription triple.
type UnsubscriptionRequested struct {
	StrategyID string
	Target     common.Address
	Topic      common.Hash
}

// ActionRequested carries a strategy's on-chain intent observed from a log.
type ActionRequested struct {
	StrategyID string
	ActionType string
	Target     common.Address
	CallData   []byte
}

// LogMessage is a strategy-emitted diagnostic line.
type LogMessage struct {
	StrategyID string
	Message    string
}

// PoolReserves mirrors a v2-style reserve sync from the emitting pool.
type PoolReserves struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// PositionDelta mirrors a liquidity position change for an owner in the
// emitting pool.
type PositionDelta struct {
	Owner          common.Address
	LiquidityDelta *big.Int
	Amount0Delta   *big.Int
	Amount1Delta   *big.Int
}

// BalanceTransfer mirrors an ERC-20 transfer on the emitting token.
type BalanceTransfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// PriceSample is a price/volume observation derived from a v3 swap.
type PriceSample struct {
	Price  float64
	Volume float64
}

// StoreKind names a registry sub-store.
type StoreKind uint8

const (
	StorePool StoreKind = iota + 1
	StorePosition
	StoreBalance
)

func (s StoreKind) String() string {
	switch s {
	case StorePool:
		return "pool"
	case StorePosition:
		return "position"
	case StoreBalance:
		return "balance"
	default:
		return "unknown"
	}
}

// RegistryUpdated signals that the system registry repointed a sub-store.
type RegistryUpdated struct {
	Store StoreKind
	Old   common.Address
	New   common.Address
}

func (SubscriptionRequested) kind() Kind   { return KindSubscriptionRequested }
func (UnsubscriptionRequested) kind() Kind { return KindUnsubscriptionRequested }
func (ActionRequested) kind() Kind         { return KindActionRequested }
func (LogMessage) kind() Kind              { return KindLogMessage }
func (PoolReserves) kind() Kind            { return KindPoolReserves }
func (PositionDelta) kind() Kind           { return KindPositionDelta }
func (BalanceTransfer) kind() Kind         { return KindBalanceTransfer }
func (PriceSample) kind() Kind             { return KindPriceSample }
func (RegistryUpdated) kind() Kind         { return KindRegistryUpdated }

// Decoded is one chain log translated into a typed event. Topic0 is kept
// alongside the payload so subscription matching can key on the raw
// signature hash without re-deriving it.
type Decoded struct {
	ChainID   uint64
	Block     uint64
	LogIndex  uint
	Address   common.Address
	TxHash    common.Hash
	Topic0    common.Hash
	Timestamp uint64
	Payload   Payload
}

// Kind reports the payload variant.
func (d Decoded) Kind() Kind {
	if d.Payload == nil {
		return KindUnknown
	}
	return d.Payload.kind()
}

// seqIndexBits bounds the per-block log index packed into Seq.
const seqIndexBits = 20

// Seq packs (block, log index) into a single orderable sequence number.
// Log indexes are capped at 2^20-1 per block, far above any real block.
func (d Decoded) Seq() uint64 {
	return d.Block<<seqIndexBits | uint64(d.LogIndex)&(1<<seqIndexBits-1)
}

// Before reports whether d precedes other in chain order.
func (d Decoded) Before(other Decoded) bool {
	if d.Block != other.Block {
		return d.Block < other.Block
	}
	return d.LogIndex < other.LogIndex
}

// FailureReason classifies why a log could not be decoded.
type FailureReason string

const (
	ReasonUnknownTopic       FailureReason = "unknown-topic"
	ReasonMalformedPayload   FailureReason = "malformed-payload"
	ReasonUnsupportedVersion FailureReason = "unsupported-version"
)

// Failure is a typed decode failure. It is a value, not a panic: callers
// log and drop, the pipeline continues.
type Failure struct {
	Reason   FailureReason
	Topic0   common.Hash
	Block    uint64
	LogIndex uint
	Err      error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("decode %s at %d/%d: %v", f.Reason, f.Block, f.LogIndex, f.Err)
	}
	return fmt.Sprintf("decode %s at %d/%d (topic %s)", f.Reason, f.Block, f.LogIndex, f.Topic0.Hex())
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (f *Failure) Unwrap() error { return f.Err }
