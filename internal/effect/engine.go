package effect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/semsee/semsee/internal/metrics"
	"github.com/semsee/semsee/internal/storage"
	"github.com/semsee/semsee/internal/vm"
)

// Enqueue-time configuration errors. Actions failing these checks never
// reach the executor.
var (
	ErrNoGasPolicy = errors.New("no gas policy for action type")
	ErrGasCeiling  = errors.New("gas limit exceeds ceiling")
)

// Defaults for Config fields left zero.
const (
	DefaultRetryBudget  = 3
	DefaultRetryBackoff = 500 * time.Millisecond
)

// Config tunes the engine.
type Config struct {
	// RetryBudget bounds executor attempts per action.
	RetryBudget int
	// RetryBackoff is the base delay before a transient retry; it
	// doubles per attempt.
	RetryBackoff time.Duration
	// GasTable maps action type to its gas limit ceiling. The table
	// value doubles as the default limit when the action supplies none.
	GasTable map[string]uint64
}

func (c Config) withDefaults() Config {
	if c.RetryBudget <= 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// Executor runs one action against the chain. The real implementation
// routes through the vm runner; tests plug a deterministic stub.
type Executor interface {
	Execute(ctx context.Context, q Queued) (Result, error)
}

// ResultSink receives every terminal result. The mailbox manager
// implements it; delivery must never fail.
type ResultSink interface {
	DeliverResult(strategyID string, res Result)
}

// Engine accepts actions, drives them through the executor, and
// guarantees exactly one terminal Result per action id.
type Engine struct {
	cfg    Config
	exec   Executor
	sink   ResultSink
	db     *storage.Store
	logger *slog.Logger
	m      *metrics.Metrics

	mu      sync.Mutex
	pending []*Queued
	known   map[string]bool
	autoSeq atomic.Uint64
}

// NewEngine builds an engine. db may be nil to skip the durable
// archive; m may be nil when metrics are off.
func NewEngine(cfg Config, exec Executor, sink ResultSink, db *storage.Store, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		exec:   exec,
		sink:   sink,
		db:     db,
		logger: logger,
		m:      m,
		known:  make(map[string]bool),
	}
}

// Enqueue accepts an action and returns its id immediately; execution
// happens on a later Tick. Re-enqueueing the same strategy/correlation
// pair returns the existing id without executing twice. Gas policy is
// checked here so a misconfigured action never claims a nonce.
func (e *Engine) Enqueue(ctx context.Context, act Action) (string, error) {
	if act.StrategyID == "" {
		return "", errors.New("strategy id required")
	}
	if act.ActionType == "" {
		return "", errors.New("action type required")
	}

	if act.Op != OpCall {
		ceiling, ok := e.cfg.GasTable[act.ActionType]
		if !ok {
			return "", fmt.Errorf("action type %q: %w", act.ActionType, ErrNoGasPolicy)
		}
		if act.GasLimit == 0 {
			act.GasLimit = ceiling
		}
		if act.GasLimit > ceiling {
			return "", fmt.Errorf("action type %q: limit %d over ceiling %d: %w", act.ActionType, act.GasLimit, ceiling, ErrGasCeiling)
		}
	}

	if act.Correlation == "" {
		act.Correlation = fmt.Sprintf("auto-%d", e.autoSeq.Add(1))
	}
	actionID := DeriveActionID(act.StrategyID, act.Correlation)

	e.mu.Lock()
	_, dup := e.known[actionID]
	e.mu.Unlock()
	if dup {
		return actionID, nil
	}

	// The archive outlives restarts: a terminal record means this
	// logical action already ran.
	if e.db != nil {
		rec, ok, err := e.db.GetEffect(ctx, actionID)
		if err != nil {
			return "", fmt.Errorf("effect lookup: %w", err)
		}
		if ok && (rec.Status == string(StatusConfirmed) || rec.Status == string(StatusFailed)) {
			return actionID, nil
		}
	}

	now := time.Now().UTC()
	q := &Queued{Action: act, ActionID: actionID, EnqueuedAt: now, NotBefore: now}

	e.mu.Lock()
	if _, raced := e.known[actionID]; raced {
		e.mu.Unlock()
		return actionID, nil
	}
	e.known[actionID] = false
	e.pending = append(e.pending, q)
	e.mu.Unlock()

	if e.db != nil {
		rec := storage.EffectRecord{
			ActionID:   actionID,
			StrategyID: act.StrategyID,
			ActionType: act.ActionType,
			Target:     targetString(act.Target),
			Status:     "pending",
			CreatedAt:  now,
		}
		if err := e.db.UpsertEffect(ctx, rec); err != nil {
			e.logger.Warn("effect archive write failed", "action", actionID, "err", err)
		}
	}

	e.logger.Debug("action queued",
		"action", actionID,
		"strategy", act.StrategyID,
		"type", act.ActionType,
		"op", act.Op.String())
	return actionID, nil
}

// Tick executes every action whose backoff window has passed and
// returns the number of terminal results produced.
func (e *Engine) Tick(ctx context.Context) int {
	now := time.Now().UTC()

	e.mu.Lock()
	var ready, rest []*Queued
	for _, q := range e.pending {
		if q.NotBefore.After(now) {
			rest = append(rest, q)
		} else {
			ready = append(ready, q)
		}
	}
	e.pending = rest
	e.mu.Unlock()

	terminal := 0
	for _, q := range ready {
		if e.runOne(ctx, q) {
			terminal++
		}
	}
	return terminal
}

// PendingCount reports actions waiting to execute or retry.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// TerminalCount reports actions that reached a result this run.
func (e *Engine) TerminalCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, terminal := range e.known {
		if terminal {
			n++
		}
	}
	return n
}

func (e *Engine) runOne(ctx context.Context, q *Queued) bool {
	q.Attempts++
	res, err := e.exec.Execute(ctx, *q)
	if err == nil {
		res.ActionID = q.ActionID
		res.StrategyID = q.StrategyID
		res.Correlation = q.Correlation
		res.Attempts = q.Attempts
		if res.Status == "" {
			res.Status = StatusConfirmed
		}
		e.finish(ctx, q, res)
		return true
	}

	if vm.IsTransient(err) && q.Attempts < e.cfg.RetryBudget {
		backoff := e.cfg.RetryBackoff << (q.Attempts - 1)
		q.NotBefore = time.Now().UTC().Add(backoff)
		e.mu.Lock()
		e.pending = append(e.pending, q)
		e.mu.Unlock()
		e.m.EffectRetries()
		e.logger.Warn("transient effect failure, will retry",
			"action", q.ActionID,
			"attempt", q.Attempts,
			"backoff", backoff.String(),
			"err", err)
		return false
	}

	failed := Result{
		ActionID:    q.ActionID,
		StrategyID:  q.StrategyID,
		Correlation: q.Correlation,
		Status:      StatusFailed,
		ErrorClass:  errorClass(err),
		Error:       err.Error(),
		Attempts:    q.Attempts,
	}
	e.finish(ctx, q, failed)
	return true
}

func (e *Engine) finish(ctx context.Context, q *Queued, res Result) {
	e.mu.Lock()
	e.known[q.ActionID] = true
	e.mu.Unlock()

	if e.db != nil {
		rec := storage.EffectRecord{
			ActionID:   q.ActionID,
			StrategyID: q.StrategyID,
			ActionType: q.ActionType,
			Target:     targetString(q.Target),
			Status:     string(res.Status),
			TxHash:     hashString(res.TxHash),
			ErrorClass: res.ErrorClass,
			Attempts:   res.Attempts,
			CreatedAt:  q.EnqueuedAt,
		}
		if err := e.db.UpsertEffect(ctx, rec); err != nil {
			e.logger.Warn("effect archive write failed", "action", q.ActionID, "err", err)
		}
	}

	e.m.EffectsExecuted()
	if res.Status == StatusFailed {
		e.logger.Error("action failed",
			"action", q.ActionID,
			"strategy", q.StrategyID,
			"class", res.ErrorClass,
			"attempts", res.Attempts)
	} else {
		e.logger.Info("action confirmed",
			"action", q.ActionID,
			"strategy", q.StrategyID,
			"tx", hashString(res.TxHash),
			"attempts", res.Attempts)
	}

	// Results bypass mailbox capacity, so the strategy always hears
	// back about an in-flight action.
	e.sink.DeliverResult(q.StrategyID, res)
}

// errorClass labels a terminal failure. Transient errors only land here
// once the retry budget is spent.
func errorClass(err error) string {
	switch {
	case errors.Is(err, vm.ErrRetriesExhausted) || vm.IsTransient(err):
		return "permanent: retries-exhausted"
	case errors.Is(err, vm.ErrReverted):
		return "permanent: revert"
	default:
		return "permanent: execution-error"
	}
}

func targetString(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return strings.ToLower(addr.Hex())
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
