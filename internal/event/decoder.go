package event

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type parseFunc func(args map[string]any) (Payload, error)

type tableEntry struct {
	name       string
	indexed    abi.Arguments
	nonIndexed abi.Arguments
	parse      parseFunc
}

// Decoder maps raw chain logs to typed events via the fixed topic table.
// Decoding is pure: no RPC calls, no state.
type Decoder struct {
	chainID uint64
	table   map[common.Hash]tableEntry
	retired map[common.Hash]string
}

// NewDecoder builds a decoder for one chain.
func NewDecoder(chainID uint64) (*Decoder, error) {
	table := make(map[common.Hash]tableEntry)
	for _, spec := range eventSpecs() {
		args, err := buildArgs(spec.args)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", spec.name, err)
		}
		indexed, nonIndexed := splitIndexed(args)
		table[spec.topic] = tableEntry{
			name:       spec.name,
			indexed:    indexed,
			nonIndexed: nonIndexed,
			parse:      spec.parse,
		}
	}
	return &Decoder{
		chainID: chainID,
		table:   table,
		retired: map[common.Hash]string{topicActionRequestedV0: sigActionRequestedV0},
	}, nil
}

// Decode translates one raw log into a typed event. A nil Failure means
// success. Unknown topics and malformed payloads come back as Failure
// values so the caller can log and drop without halting ingestion.
func (d *Decoder) Decode(lg types.Log, blockTime uint64) (Decoded, *Failure) {
	if len(lg.Topics) == 0 {
		return Decoded{}, &Failure{
			Reason:   ReasonMalformedPayload,
			Block:    lg.BlockNumber,
			LogIndex: lg.Index,
			Err:      fmt.Errorf("log has no topics"),
		}
	}

	topic0 := lg.Topics[0]
	if sig, ok := d.retired[topic0]; ok {
		return Decoded{}, &Failure{
			Reason:   ReasonUnsupportedVersion,
			Topic0:   topic0,
			Block:    lg.BlockNumber,
			LogIndex: lg.Index,
			Err:      fmt.Errorf("retired signature %s", sig),
		}
	}

	entry, ok := d.table[topic0]
	if !ok {
		return Decoded{}, &Failure{
			Reason:   ReasonUnknownTopic,
			Topic0:   topic0,
			Block:    lg.BlockNumber,
			LogIndex: lg.Index,
		}
	}

	args := map[string]any{}
	if len(lg.Topics)-1 != len(entry.indexed) {
		return Decoded{}, d.malformed(lg, topic0, fmt.Errorf("%s: %d indexed topics, want %d", entry.name, len(lg.Topics)-1, len(entry.indexed)))
	}
	if len(entry.indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(args, entry.indexed, lg.Topics[1:]); err != nil {
			return Decoded{}, d.malformed(lg, topic0, fmt.Errorf("%s: parse topics: %w", entry.name, err))
		}
	}
	if len(entry.nonIndexed) > 0 {
		if err := entry.nonIndexed.UnpackIntoMap(args, lg.Data); err != nil {
			return Decoded{}, d.malformed(lg, topic0, fmt.Errorf("%s: unpack data: %w", entry.name, err))
		}
	}

	payload, err := entry.parse(args)
	if err != nil {
		return Decoded{}, d.malformed(lg, topic0, fmt.Errorf("%s: %w", entry.name, err))
	}

	return Decoded{
		ChainID:   d.chainID,
		Block:     lg.BlockNumber,
		LogIndex:  lg.Index,
		Address:   lg.Address,
		TxHash:    lg.TxHash,
		Topic0:    topic0,
		Timestamp: blockTime,
		Payload:   payload,
	}, nil
}

// Known reports whether the topic is in the decode table.
func (d *Decoder) Known(topic0 common.Hash) bool {
	_, ok := d.table[topic0]
	return ok
}

func (d *Decoder) malformed(lg types.Log, topic0 common.Hash, err error) *Failure {
	return &Failure{
		Reason:   ReasonMalformedPayload,
		Topic0:   topic0,
		Block:    lg.BlockNumber,
		LogIndex: lg.Index,
		Err:      err,
	}
}

func parseSubscriptionRequested(args map[string]any) (Payload, error) {
	sid, err := argIdent(args, "strategyId")
	if err != nil {
		return nil, err
	}
	target, err := argAddress(args, "target")
	if err != nil {
		return nil, err
	}
	topic, err := argHash(args, "topic")
	if err != nil {
		return nil, err
	}
	return SubscriptionRequested{StrategyID: sid, Target: target, Topic: topic}, nil
}

func parseUnsubscriptionRequested(args map[string]any) (Payload, error) {
	sid, err := argIdent(args, "strategyId")
	if err != nil {
		return nil, err
	}
	target, err := argAddress(args, "target")
	if err != nil {
		return nil, err
	}
	topic, err := argHash(args, "topic")
	if err != nil {
		return nil, err
	}
	return UnsubscriptionRequested{StrategyID: sid, Target: target, Topic: topic}, nil
}

func parseActionRequested(args map[string]any) (Payload, error) {
	sid, err := argIdent(args, "strategyId")
	if err != nil {
		return nil, err
	}
	actionType, err := argIdent(args, "actionType")
	if err != nil {
		return nil, err
	}
	target, err := argAddress(args, "target")
	if err != nil {
		return nil, err
	}
	data, err := argBytes(args, "data")
	if err != nil {
		return nil, err
	}
	return ActionRequested{StrategyID: sid, ActionType: actionType, Target: target, CallData: data}, nil
}

func parseLogMessage(args map[string]any) (Payload, error) {
	sid, err := argIdent(args, "strategyId")
	if err != nil {
		return nil, err
	}
	msg, err := argString(args, "message")
	if err != nil {
		return nil, err
	}
	return LogMessage{StrategyID: sid, Message: msg}, nil
}

func parsePoolSync(args map[string]any) (Payload, error) {
	r0, err := argBig(args, "reserve0")
	if err != nil {
		return nil, err
	}
	r1, err := argBig(args, "reserve1")
	if err != nil {
		return nil, err
	}
	return PoolReserves{Reserve0: r0, Reserve1: r1}, nil
}

func parseTransfer(args map[string]any) (Payload, error) {
	from, err := argAddress(args, "from")
	if err != nil {
		return nil, err
	}
	to, err := argAddress(args, "to")
	if err != nil {
		return nil, err
	}
	value, err := argBig(args, "value")
	if err != nil {
		return nil, err
	}
	return BalanceTransfer{From: from, To: to, Value: value}, nil
}

func parseSwap(args map[string]any) (Payload, error) {
	sqrtPrice, err := argBig(args, "sqrtPriceX96")
	if err != nil {
		return nil, err
	}
	amount1, err := argBig(args, "amount1")
	if err != nil {
		return nil, err
	}
	return PriceSample{
		Price:  priceFromSqrtX96(sqrtPrice),
		Volume: absFloat(amount1),
	}, nil
}

func parsePositionUpdated(args map[string]any) (Payload, error) {
	owner, err := argAddress(args, "owner")
	if err != nil {
		return nil, err
	}
	liq, err := argBig(args, "liquidityDelta")
	if err != nil {
		return nil, err
	}
	a0, err := argBig(args, "amount0Delta")
	if err != nil {
		return nil, err
	}
	a1, err := argBig(args, "amount1Delta")
	if err != nil {
		return nil, err
	}
	return PositionDelta{Owner: owner, LiquidityDelta: liq, Amount0Delta: a0, Amount1Delta: a1}, nil
}

func parseRegistryUpdated(store StoreKind) parseFunc {
	return func(args map[string]any) (Payload, error) {
		oldAddr, err := argAddress(args, "oldAddress")
		if err != nil {
			return nil, err
		}
		newAddr, err := argAddress(args, "newAddress")
		if err != nil {
			return nil, err
		}
		return RegistryUpdated{Store: store, Old: oldAddr, New: newAddr}, nil
	}
}

// priceFromSqrtX96 converts a v3 sqrtPriceX96 into a float price of
// token1 per token0: (sqrt / 2^96)^2.
func priceFromSqrtX96(sqrtPriceX96 *big.Int) float64 {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() == 0 {
		return 0
	}
	q96 := new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))
	ratio := new(big.Float).Quo(new(big.Float).SetInt(sqrtPriceX96), q96)
	price, _ := new(big.Float).Mul(ratio, ratio).Float64()
	return price
}

func absFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(new(big.Int).Abs(v)).Float64()
	return f
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: want string, got %T", key, v)
	}
	return s, nil
}

// argIdent is argString for fields that identify a routing target and
// therefore must not be blank.
func argIdent(args map[string]any, key string) (string, error) {
	s, err := argString(args, key)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%s is empty", key)
	}
	return s, nil
}

func argAddress(args map[string]any, key string) (common.Address, error) {
	v, ok := args[key]
	if !ok {
		return common.Address{}, fmt.Errorf("missing %s", key)
	}
	addr, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: want address, got %T", key, v)
	}
	return addr, nil
}

func argHash(args map[string]any, key string) (common.Hash, error) {
	v, ok := args[key]
	if !ok {
		return common.Hash{}, fmt.Errorf("missing %s", key)
	}
	switch h := v.(type) {
	case common.Hash:
		return h, nil
	case [32]byte:
		return common.BytesToHash(h[:]), nil
	default:
		return common.Hash{}, fmt.Errorf("%s: want bytes32, got %T", key, v)
	}
}

func argBig(args map[string]any, key string) (*big.Int, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("missing %s", key)
	}
	switch n := v.(type) {
	case *big.Int:
		return n, nil
	case int64:
		return big.NewInt(n), nil
	default:
		return nil, fmt.Errorf("%s: want integer, got %T", key, v)
	}
}

func argBytes(args map[string]any, key string) ([]byte, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("missing %s", key)
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%s: want bytes, got %T", key, v)
	}
	return b, nil
}
