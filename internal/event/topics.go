package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Canonical signatures of every log the core understands. The first four
// are the SEMSEE protocol events, the middle four are the mirrored DeFi
// events (v2 Sync, ERC-20 Transfer, v3 Swap, position vault), the last
// three are the system registry notifications.
const (
	SigSubscriptionRequested   = "SubscriptionRequested(string,address,bytes32)"
	SigUnsubscriptionRequested = "UnsubscriptionRequested(string,address,bytes32)"
	SigActionRequested         = "ActionRequested(string,string,address,bytes)"
	SigLogMessage              = "LogMessage(string,string)"

	SigPoolSync        = "Sync(uint112,uint112)"
	SigTransfer        = "Transfer(address,address,uint256)"
	SigSwap            = "Swap(address,address,int256,int256,uint160,uint128,int24)"
	SigPositionUpdated = "PositionUpdated(address,int128,int256,int256)"

	SigPoolStoreUpdated     = "PoolStoreUpdated(address,address)"
	SigPositionStoreUpdated = "PositionStoreUpdated(address,address)"
	SigBalanceStoreUpdated  = "BalanceStoreUpdated(address,address)"

	// Retired first-generation action signature; recognized so the
	// decoder can report unsupported-version instead of unknown-topic.
	sigActionRequestedV0 = "ActionRequested(string,string)"
)

// Topic hashes for the signature table, usable as subscription topics.
var (
	TopicSubscriptionRequested   = crypto.Keccak256Hash([]byte(SigSubscriptionRequested))
	TopicUnsubscriptionRequested = crypto.Keccak256Hash([]byte(SigUnsubscriptionRequested))
	TopicActionRequested         = crypto.Keccak256Hash([]byte(SigActionRequested))
	TopicLogMessage              = crypto.Keccak256Hash([]byte(SigLogMessage))
	TopicPoolSync                = crypto.Keccak256Hash([]byte(SigPoolSync))
	TopicTransfer                = crypto.Keccak256Hash([]byte(SigTransfer))
	TopicSwap                    = crypto.Keccak256Hash([]byte(SigSwap))
	TopicPositionUpdated         = crypto.Keccak256Hash([]byte(SigPositionUpdated))
	TopicPoolStoreUpdated        = crypto.Keccak256Hash([]byte(SigPoolStoreUpdated))
	TopicPositionStoreUpdated    = crypto.Keccak256Hash([]byte(SigPositionStoreUpdated))
	TopicBalanceStoreUpdated     = crypto.Keccak256Hash([]byte(SigBalanceStoreUpdated))

	topicActionRequestedV0 = crypto.Keccak256Hash([]byte(sigActionRequestedV0))
)

// argSpec describes one event argument for table construction.
type argSpec struct {
	name    string
	typ     string
	indexed bool
}

func buildArgs(specs []argSpec) (abi.Arguments, error) {
	args := make(abi.Arguments, 0, len(specs))
	for _, s := range specs {
		t, err := abi.NewType(s.typ, "", nil)
		if err != nil {
			return nil, fmt.Errorf("argument %s %s: %w", s.name, s.typ, err)
		}
		args = append(args, abi.Argument{Name: s.name, Type: t, Indexed: s.indexed})
	}
	return args, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}

// eventSpecs binds each topic to its argument layout and payload parser.
// This is the single source of truth the decoder builds its table from.
func eventSpecs() []struct {
	topic common.Hash
	name  string
	args  []argSpec
	parse parseFunc
} {
	return []struct {
		topic common.Hash
		name  string
		args  []argSpec
		parse parseFunc
	}{
		{
			topic: TopicSubscriptionRequested,
			name:  "SubscriptionRequested",
			args: []argSpec{
				{"strategyId", "string", false},
				{"target", "address", true},
				{"topic", "bytes32", false},
			},
			parse: parseSubscriptionRequested,
		},
		{
			topic: TopicUnsubscriptionRequested,
			name:  "UnsubscriptionRequested",
			args: []argSpec{
				{"strategyId", "string", false},
				{"target", "address", true},
				{"topic", "bytes32", false},
			},
			parse: parseUnsubscriptionRequested,
		},
		{
			topic: TopicActionRequested,
			name:  "ActionRequested",
			args: []argSpec{
				{"strategyId", "string", false},
				{"actionType", "string", false},
				{"target", "address", true},
				{"data", "bytes", false},
			},
			parse: parseActionRequested,
		},
		{
			topic: TopicLogMessage,
			name:  "LogMessage",
			args: []argSpec{
				{"strategyId", "string", false},
				{"message", "string", false},
			},
			parse: parseLogMessage,
		},
		{
			topic: TopicPoolSync,
			name:  "Sync",
			args: []argSpec{
				{"reserve0", "uint112", false},
				{"reserve1", "uint112", false},
			},
			parse: parsePoolSync,
		},
		{
			topic: TopicTransfer,
			name:  "Transfer",
			args: []argSpec{
				{"from", "address", true},
				{"to", "address", true},
				{"value", "uint256", false},
			},
			parse: parseTransfer,
		},
		{
			topic: TopicSwap,
			name:  "Swap",
			args: []argSpec{
				{"sender", "address", true},
				{"recipient", "address", true},
				{"amount0", "int256", false},
				{"amount1", "int256", false},
				{"sqrtPriceX96", "uint160", false},
				{"liquidity", "uint128", false},
				{"tick", "int24", false},
			},
			parse: parseSwap,
		},
		{
			topic: TopicPositionUpdated,
			name:  "PositionUpdated",
			args: []argSpec{
				{"owner", "address", true},
				{"liquidityDelta", "int128", false},
				{"amount0Delta", "int256", false},
				{"amount1Delta", "int256", false},
			},
			parse: parsePositionUpdated,
		},
		{
			topic: TopicPoolStoreUpdated,
			name:  "PoolStoreUpdated",
			args:  registryArgs(),
			parse: parseRegistryUpdated(StorePool),
		},
		{
			topic: TopicPositionStoreUpdated,
			name:  "PositionStoreUpdated",
			args:  registryArgs(),
			parse: parseRegistryUpdated(StorePosition),
		},
		{
			topic: TopicBalanceStoreUpdated,
			name:  "BalanceStoreUpdated",
			args:  registryArgs(),
			parse: parseRegistryUpdated(StoreBalance),
		},
	}
}

func registryArgs() []argSpec {
	return []argSpec{
		{"oldAddress", "address", true},
		{"newAddress", "address", true},
	}
}
