package statesync

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PoolState mirrors the last observed reserves of one pool contract.
type PoolState struct {
	ChainID   uint64
	Pool      common.Address
	Reserve0  *big.Int
	Reserve1  *big.Int
	Seq       uint64
	UpdatedAt uint64
}

// PositionState accumulates one owner's liquidity deltas in one pool.
type PositionState struct {
	ChainID   uint64
	Pool      common.Address
	Owner     common.Address
	Liquidity *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
	Seq       uint64
	UpdatedAt uint64
}

// BalanceEntry accumulates one holder's balance of one token. Balances
// can go negative when the mirror starts mid-stream and never saw the
// holder funded.
type BalanceEntry struct {
	ChainID   uint64
	Token     common.Address
	Holder    common.Address
	Balance   *big.Int
	Seq       uint64
	UpdatedAt uint64
}

// Candle is one OHLC bucket for a pool and timeframe. Bucket is the
// inclusive start of the range in chain seconds; the range spans
// [Bucket, Bucket+Timeframe).
type Candle struct {
	ChainID   uint64
	Pool      common.Address
	Timeframe uint64
	Bucket    uint64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Samples   int
}

type positionKey struct {
	pool  common.Address
	owner common.Address
}

type balanceKey struct {
	token  common.Address
	holder common.Address
}

type candleKey struct {
	pool      common.Address
	timeframe uint64
}

// candleSeries holds the open candle and recent closed history for one
// (pool, timeframe) pair.
type candleSeries struct {
	seq    uint64
	open   *Candle
	closed []Candle
}

func bigCopy(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

func addBig(dst, delta *big.Int) {
	if delta != nil {
		dst.Add(dst, delta)
	}
}
