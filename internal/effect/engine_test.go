package effect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/semsee/semsee/internal/storage"
	"github.com/semsee/semsee/internal/vm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockExec scripts per-call outcomes; once the script runs out it
// confirms everything.
type mockExec struct {
	mu     sync.Mutex
	calls  int
	script []error
}

func (m *mockExec) Execute(_ context.Context, q Queued) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= len(m.script) && m.script[m.calls-1] != nil {
		return Result{}, m.script[m.calls-1]
	}
	return Result{Status: StatusConfirmed, TxHash: common.HexToHash("0x01"), GasUsed: 21000}, nil
}

func (m *mockExec) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type recordSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *recordSink) DeliverResult(_ string, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
}

func (s *recordSink) all() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results...)
}

func testConfig() Config {
	return Config{
		RetryBudget:  3,
		RetryBackoff: time.Millisecond,
		GasTable:     map[string]uint64{"REBALANCE": 500000, "SWAP": 300000},
	}
}

func testAction(correlation string) Action {
	return Action{
		StrategyID:  "s1",
		ActionType:  "REBALANCE",
		Target:      common.HexToAddress("0x0c"),
		CallData:    []byte{0x01},
		Correlation: correlation,
	}
}

// drainEngine ticks until every pending action is terminal, stepping
// past retry backoffs.
func drainEngine(t *testing.T, e *Engine) {
	t.Helper()
	for i := 0; i < 50; i++ {
		e.Tick(context.Background())
		if e.PendingCount() == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("engine never drained, %d pending", e.PendingCount())
}

func TestEnqueueExecutesAndCorrelates(t *testing.T) {
	exec := &mockExec{}
	sink := &recordSink{}
	e := NewEngine(testConfig(), exec, sink, nil, discardLogger(), nil)

	id, err := e.Enqueue(context.Background(), testAction("corr-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("empty action id")
	}
	if got := e.Tick(context.Background()); got != 1 {
		t.Fatalf("terminal = %d, want 1", got)
	}

	results := sink.all()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	res := results[0]
	if res.ActionID != id || res.StrategyID != "s1" || res.Correlation != "corr-1" {
		t.Fatalf("result = %+v", res)
	}
	if res.Status != StatusConfirmed || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	exec := &mockExec{}
	sink := &recordSink{}
	e := NewEngine(testConfig(), exec, sink, nil, discardLogger(), nil)
	ctx := context.Background()

	id1, err := e.Enqueue(ctx, testAction("corr-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id2, err := e.Enqueue(ctx, testAction("corr-1"))
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %s vs %s", id1, id2)
	}

	drainEngine(t, e)
	if exec.callCount() != 1 {
		t.Fatalf("executed %d times, want 1", exec.callCount())
	}
	if len(sink.all()) != 1 {
		t.Fatalf("results = %d, want 1", len(sink.all()))
	}

	// Re-enqueueing after the terminal result is still a no-op.
	id3, err := e.Enqueue(ctx, testAction("corr-1"))
	if err != nil || id3 != id1 {
		t.Fatalf("post-terminal enqueue id=%s err=%v", id3, err)
	}
	e.Tick(ctx)
	if exec.callCount() != 1 {
		t.Fatalf("terminal action re-executed")
	}
}

func TestGasPolicyRejectsAtEnqueue(t *testing.T) {
	exec := &mockExec{}
	e := NewEngine(testConfig(), exec, &recordSink{}, nil, discardLogger(), nil)
	ctx := context.Background()

	over := testAction("corr-1")
	over.GasLimit = 600000
	if _, err := e.Enqueue(ctx, over); !errors.Is(err, ErrGasCeiling) {
		t.Fatalf("err = %v, want ErrGasCeiling", err)
	}

	unknown := testAction("corr-2")
	unknown.ActionType = "MYSTERY"
	if _, err := e.Enqueue(ctx, unknown); !errors.Is(err, ErrNoGasPolicy) {
		t.Fatalf("err = %v, want ErrNoGasPolicy", err)
	}

	e.Tick(ctx)
	if exec.callCount() != 0 {
		t.Fatal("rejected action reached the executor")
	}
}

func TestDefaultGasLimitFromTable(t *testing.T) {
	var got uint64
	exec := &captureExec{onExec: func(q Queued) { got = q.GasLimit }}
	e := NewEngine(testConfig(), exec, &recordSink{}, nil, discardLogger(), nil)

	if _, err := e.Enqueue(context.Background(), testAction("corr-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e.Tick(context.Background())
	if got != 500000 {
		t.Fatalf("gas limit = %d, want table value 500000", got)
	}
}

type captureExec struct {
	onExec func(q Queued)
}

func (c *captureExec) Execute(_ context.Context, q Queued) (Result, error) {
	if c.onExec != nil {
		c.onExec(q)
	}
	return Result{Status: StatusConfirmed}, nil
}

func TestTransientRetryThenConfirm(t *testing.T) {
	exec := &mockExec{script: []error{errors.New("dial tcp: i/o timeout")}}
	sink := &recordSink{}
	e := NewEngine(testConfig(), exec, sink, nil, discardLogger(), nil)

	if _, err := e.Enqueue(context.Background(), testAction("corr-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	drainEngine(t, e)

	if exec.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", exec.callCount())
	}
	results := sink.all()
	if len(results) != 1 || results[0].Status != StatusConfirmed || results[0].Attempts != 2 {
		t.Fatalf("results = %+v", results)
	}
}

func TestPermanentFailureDeliversFailedResult(t *testing.T) {
	exec := &mockExec{script: []error{fmt.Errorf("tx 0x01: %w", vm.ErrReverted)}}
	sink := &recordSink{}
	e := NewEngine(testConfig(), exec, sink, nil, discardLogger(), nil)

	if _, err := e.Enqueue(context.Background(), testAction("corr-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e.Tick(context.Background())

	results := sink.all()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	res := results[0]
	if res.Status != StatusFailed || res.ErrorClass != "permanent: revert" || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
	if exec.callCount() != 1 {
		t.Fatalf("permanent error retried: %d calls", exec.callCount())
	}
}

func TestTransientBudgetExhausted(t *testing.T) {
	transient := errors.New("connection reset by peer")
	exec := &mockExec{script: []error{transient, transient, transient, transient}}
	sink := &recordSink{}
	cfg := testConfig()
	cfg.RetryBudget = 3
	e := NewEngine(cfg, exec, sink, nil, discardLogger(), nil)

	if _, err := e.Enqueue(context.Background(), testAction("corr-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	drainEngine(t, e)

	if exec.callCount() != 3 {
		t.Fatalf("calls = %d, want 3", exec.callCount())
	}
	results := sink.all()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	res := results[0]
	if res.Status != StatusFailed || res.ErrorClass != "permanent: retries-exhausted" || res.Attempts != 3 {
		t.Fatalf("result = %+v", res)
	}
}

func TestQueueRetriesExhaustedClass(t *testing.T) {
	exec := &mockExec{script: []error{fmt.Errorf("nonce 5 unconfirmed after 4 attempts: %w", vm.ErrRetriesExhausted)}}
	sink := &recordSink{}
	e := NewEngine(testConfig(), exec, sink, nil, discardLogger(), nil)

	if _, err := e.Enqueue(context.Background(), testAction("corr-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e.Tick(context.Background())

	results := sink.all()
	if len(results) != 1 || results[0].ErrorClass != "permanent: retries-exhausted" {
		t.Fatalf("results = %+v", results)
	}
	if exec.callCount() != 1 {
		t.Fatalf("queue-exhausted error retried by engine: %d calls", exec.callCount())
	}
}

func TestAutoCorrelationAssigned(t *testing.T) {
	e := NewEngine(testConfig(), &mockExec{}, &recordSink{}, nil, discardLogger(), nil)
	ctx := context.Background()

	id1, err := e.Enqueue(ctx, testAction(""))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id2, err := e.Enqueue(ctx, testAction(""))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id1 == id2 {
		t.Fatal("auto correlations collided")
	}
}

func TestArchiveSurvivesRestart(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "effects.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	exec1 := &mockExec{}
	e1 := NewEngine(testConfig(), exec1, &recordSink{}, db, discardLogger(), nil)
	id, err := e1.Enqueue(ctx, testAction("corr-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	drainEngine(t, e1)

	rec, ok, err := db.GetEffect(ctx, id)
	if err != nil || !ok {
		t.Fatalf("archived effect missing: ok=%v err=%v", ok, err)
	}
	if rec.Status != string(StatusConfirmed) || rec.TxHash == "" {
		t.Fatalf("archived = %+v", rec)
	}

	// A fresh engine over the same archive refuses to re-execute.
	exec2 := &mockExec{}
	e2 := NewEngine(testConfig(), exec2, &recordSink{}, db, discardLogger(), nil)
	id2, err := e2.Enqueue(ctx, testAction("corr-1"))
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if id2 != id {
		t.Fatalf("id changed across restart: %s vs %s", id2, id)
	}
	e2.Tick(ctx)
	if exec2.callCount() != 0 {
		t.Fatal("archived action re-executed after restart")
	}
}

func TestDeriveActionIDStable(t *testing.T) {
	a := DeriveActionID("s1", "corr-1")
	b := DeriveActionID("s1", "corr-1")
	c := DeriveActionID("s2", "corr-1")
	if a != b {
		t.Fatal("same inputs gave different ids")
	}
	if a == c {
		t.Fatal("different strategies collided")
	}
}
