// Package statesync maintains the mirrored read-models the core derives
// from the ordered event stream: pool reserves, liquidity positions,
// token balances and OHLC candles. Apply is the single mutation entry
// point; everything else is a read-only snapshot.
package statesync

import (
	"bytes"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/semsee/semsee/internal/event"
)

// DefaultTimeframes is used when the configuration names none.
var DefaultTimeframes = []uint64{60, 300, 3600}

// maxClosedCandles bounds the history kept per (pool, timeframe) series.
const maxClosedCandles = 512

// Synchronizer folds decoded domain events into keyed records. Each
// record gates on the event sequence number, so replaying a delivered
// event is a no-op and state stays a deterministic function of the
// ordered log. One Synchronizer mirrors one chain; the orchestrator
// owns one instance per chain stream.
//
// Writes arrive from the single ingestion path, reads from the status
// surfaces, so a read-write lock covers both.
type Synchronizer struct {
	timeframes []uint64
	logger     *slog.Logger

	mu        sync.RWMutex
	pools     map[common.Address]*PoolState
	positions map[positionKey]*PositionState
	balances  map[balanceKey]*BalanceEntry
	candles   map[candleKey]*candleSeries
}

// NewSynchronizer builds an empty mirror. Zero timeframes are dropped;
// an empty list falls back to DefaultTimeframes.
func NewSynchronizer(timeframes []uint64, logger *slog.Logger) *Synchronizer {
	kept := make([]uint64, 0, len(timeframes))
	for _, tf := range timeframes {
		if tf > 0 {
			kept = append(kept, tf)
		}
	}
	if len(kept) == 0 {
		kept = append(kept, DefaultTimeframes...)
	}
	return &Synchronizer{
		timeframes: kept,
		logger:     logger,
		pools:      make(map[common.Address]*PoolState),
		positions:  make(map[positionKey]*PositionState),
		balances:   make(map[balanceKey]*BalanceEntry),
		candles:    make(map[candleKey]*candleSeries),
	}
}

// Timeframes returns the configured candle timeframes in seconds.
func (s *Synchronizer) Timeframes() []uint64 {
	out := make([]uint64, len(s.timeframes))
	copy(out, s.timeframes)
	return out
}

// Apply folds one decoded event into the mirror and reports whether any
// record advanced. Events of kinds the mirror does not track, and
// events whose sequence is not strictly newer than the touched record,
// are silent no-ops.
func (s *Synchronizer) Apply(ev event.Decoded) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p := ev.Payload.(type) {
	case event.PoolReserves:
		return s.applyReserves(ev, p)
	case event.PositionDelta:
		return s.applyPosition(ev, p)
	case event.BalanceTransfer:
		return s.applyTransfer(ev, p)
	case event.PriceSample:
		return s.applyPrice(ev, p)
	default:
		return false
	}
}

func (s *Synchronizer) applyReserves(ev event.Decoded, p event.PoolReserves) bool {
	rec, ok := s.pools[ev.Address]
	if !ok {
		rec = &PoolState{ChainID: ev.ChainID, Pool: ev.Address}
		s.pools[ev.Address] = rec
	} else if ev.Seq() <= rec.Seq {
		return false
	}
	rec.Reserve0 = bigCopy(p.Reserve0)
	rec.Reserve1 = bigCopy(p.Reserve1)
	rec.Seq = ev.Seq()
	rec.UpdatedAt = ev.Timestamp
	return true
}

func (s *Synchronizer) applyPosition(ev event.Decoded, p event.PositionDelta) bool {
	key := positionKey{pool: ev.Address, owner: p.Owner}
	rec, ok := s.positions[key]
	if !ok {
		rec = &PositionState{
			ChainID:   ev.ChainID,
			Pool:      ev.Address,
			Owner:     p.Owner,
			Liquidity: new(big.Int),
			Amount0:   new(big.Int),
			Amount1:   new(big.Int),
		}
		s.positions[key] = rec
	} else if ev.Seq() <= rec.Seq {
		return false
	}
	addBig(rec.Liquidity, p.LiquidityDelta)
	addBig(rec.Amount0, p.Amount0Delta)
	addBig(rec.Amount1, p.Amount1Delta)
	rec.Seq = ev.Seq()
	rec.UpdatedAt = ev.Timestamp
	return true
}

func (s *Synchronizer) applyTransfer(ev event.Decoded, t event.BalanceTransfer) bool {
	value := bigCopy(t.Value)
	var zero common.Address
	if t.From == t.To {
		// A self-transfer moves nothing but still advances the key.
		if t.From == zero {
			return false
		}
		return s.adjustBalance(ev, t.From, new(big.Int))
	}
	applied := false
	if t.From != zero {
		if s.adjustBalance(ev, t.From, new(big.Int).Neg(value)) {
			applied = true
		}
	}
	if t.To != zero {
		if s.adjustBalance(ev, t.To, value) {
			applied = true
		}
	}
	return applied
}

func (s *Synchronizer) adjustBalance(ev event.Decoded, holder common.Address, delta *big.Int) bool {
	key := balanceKey{token: ev.Address, holder: holder}
	rec, ok := s.balances[key]
	if !ok {
		rec = &BalanceEntry{
			ChainID: ev.ChainID,
			Token:   ev.Address,
			Holder:  holder,
			Balance: new(big.Int),
		}
		s.balances[key] = rec
	} else if ev.Seq() <= rec.Seq {
		return false
	}
	rec.Balance.Add(rec.Balance, delta)
	rec.Seq = ev.Seq()
	rec.UpdatedAt = ev.Timestamp
	return true
}

func (s *Synchronizer) applyPrice(ev event.Decoded, p event.PriceSample) bool {
	applied := false
	for _, tf := range s.timeframes {
		if s.foldSample(ev, p, tf) {
			applied = true
		}
	}
	return applied
}

// foldSample folds one price observation into the series for a single
// timeframe. Buckets with no samples produce no empty candles; the next
// sample opens its own bucket.
func (s *Synchronizer) foldSample(ev event.Decoded, p event.PriceSample, tf uint64) bool {
	key := candleKey{pool: ev.Address, timeframe: tf}
	ser, ok := s.candles[key]
	if !ok {
		ser = &candleSeries{}
		s.candles[key] = ser
	} else if ev.Seq() <= ser.seq {
		return false
	}

	bucket := ev.Timestamp - ev.Timestamp%tf
	switch {
	case ser.open == nil:
		ser.open = &Candle{
			ChainID:   ev.ChainID,
			Pool:      ev.Address,
			Timeframe: tf,
			Bucket:    bucket,
			Open:      p.Price,
			High:      p.Price,
			Low:       p.Price,
			Close:     p.Price,
			Volume:    p.Volume,
			Samples:   1,
		}
	case bucket < ser.open.Bucket:
		// Block timestamps can jitter, but a sample landing before the
		// open bucket cannot be folded once that candle's range is set.
		return false
	case bucket == ser.open.Bucket:
		c := ser.open
		if p.Price > c.High {
			c.High = p.Price
		}
		if p.Price < c.Low {
			c.Low = p.Price
		}
		c.Close = p.Price
		c.Volume += p.Volume
		c.Samples++
	default:
		prev := *ser.open
		ser.closed = append(ser.closed, prev)
		if len(ser.closed) > maxClosedCandles {
			ser.closed = append(ser.closed[:0:0], ser.closed[1:]...)
		}
		next := &Candle{
			ChainID:   ev.ChainID,
			Pool:      ev.Address,
			Timeframe: tf,
			Bucket:    bucket,
			Open:      prev.Close,
			High:      prev.Close,
			Low:       prev.Close,
			Close:     p.Price,
			Volume:    p.Volume,
			Samples:   1,
		}
		if p.Price > next.High {
			next.High = p.Price
		}
		if p.Price < next.Low {
			next.Low = p.Price
		}
		ser.open = next
		s.logger.Debug("candle closed",
			"pool", ev.Address,
			"timeframe", tf,
			"bucket", prev.Bucket,
			"close", prev.Close,
			"samples", prev.Samples)
	}
	ser.seq = ev.Seq()
	return true
}

// Pools returns a copy of every pool record, ordered by address.
func (s *Synchronizer) Pools() []PoolState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PoolState, 0, len(s.pools))
	for _, rec := range s.pools {
		cp := *rec
		cp.Reserve0 = bigCopy(rec.Reserve0)
		cp.Reserve1 = bigCopy(rec.Reserve1)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Pool[:], out[j].Pool[:]) < 0
	})
	return out
}

// Positions returns a copy of every position record, ordered by pool
// then owner.
func (s *Synchronizer) Positions() []PositionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PositionState, 0, len(s.positions))
	for _, rec := range s.positions {
		cp := *rec
		cp.Liquidity = bigCopy(rec.Liquidity)
		cp.Amount0 = bigCopy(rec.Amount0)
		cp.Amount1 = bigCopy(rec.Amount1)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Pool[:], out[j].Pool[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Owner[:], out[j].Owner[:]) < 0
	})
	return out
}

// Balances returns a copy of every balance record, ordered by token
// then holder.
func (s *Synchronizer) Balances() []BalanceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BalanceEntry, 0, len(s.balances))
	for _, rec := range s.balances {
		cp := *rec
		cp.Balance = bigCopy(rec.Balance)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Token[:], out[j].Token[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Holder[:], out[j].Holder[:]) < 0
	})
	return out
}

// Candles returns the series for one pool and timeframe in bucket
// order, the still-open candle last. A series that was never touched
// returns nil.
func (s *Synchronizer) Candles(pool common.Address, timeframe uint64) []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser, ok := s.candles[candleKey{pool: pool, timeframe: timeframe}]
	if !ok {
		return nil
	}
	out := make([]Candle, 0, len(ser.closed)+1)
	out = append(out, ser.closed...)
	if ser.open != nil {
		out = append(out, *ser.open)
	}
	return out
}

// Counts reports how many records each read-model holds.
func (s *Synchronizer) Counts() (pools, positions, balances, series int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pools), len(s.positions), len(s.balances), len(s.candles)
}
