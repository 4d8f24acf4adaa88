package mailbox

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/semsee/semsee/internal/effect"
	"github.com/semsee/semsee/internal/metrics"
)

// Manager owns mailbox lifecycle. Every mailbox it creates shares the
// configured capacity and overflow policy.
type Manager struct {
	capacity int
	policy   OverflowPolicy
	logger   *slog.Logger
	mtr      *metrics.Metrics

	mu    sync.RWMutex
	boxes map[string]*Mailbox
}

// NewManager builds a manager. A non-positive capacity falls back to
// DefaultCapacity; an empty policy falls back to Reject. The metrics
// handle may be nil.
func NewManager(capacity int, policy OverflowPolicy, logger *slog.Logger, mtr *metrics.Metrics) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if policy == "" {
		policy = Reject
	}
	return &Manager{
		capacity: capacity,
		policy:   policy,
		logger:   logger,
		mtr:      mtr,
		boxes:    make(map[string]*Mailbox),
	}
}

// GetOrCreate returns the strategy's mailbox, creating it on first use.
func (m *Manager) GetOrCreate(strategyID string) *Mailbox {
	m.mu.RLock()
	box, ok := m.boxes[strategyID]
	m.mu.RUnlock()
	if ok {
		return box
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if box, ok = m.boxes[strategyID]; ok {
		return box
	}
	box = newMailbox(strategyID, m.capacity, m.policy, m.mtr)
	m.boxes[strategyID] = box
	m.logger.Debug("mailbox created", "strategy", strategyID, "capacity", m.capacity, "policy", string(m.policy))
	return box
}

// Get returns the strategy's mailbox if it exists.
func (m *Manager) Get(strategyID string) (*Mailbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	box, ok := m.boxes[strategyID]
	return box, ok
}

// Remove drops a mailbox and its undelivered backlog. Used when a
// strategy is deactivated.
func (m *Manager) Remove(strategyID string) {
	m.mu.Lock()
	box, ok := m.boxes[strategyID]
	delete(m.boxes, strategyID)
	m.mu.Unlock()
	if ok {
		m.logger.Info("mailbox removed", "strategy", strategyID, "backlog", box.Depth())
	}
}

// DeliverResult routes a terminal effect outcome to the originating
// strategy's mailbox. Results bypass capacity, so this never fails.
func (m *Manager) DeliverResult(strategyID string, res effect.Result) {
	box := m.GetOrCreate(strategyID)
	_ = box.Enqueue(EffectResult{Result: res})
}

// Stats snapshots every mailbox, ordered by strategy id.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	boxes := make([]*Mailbox, 0, len(m.boxes))
	for _, box := range m.boxes {
		boxes = append(boxes, box)
	}
	m.mu.RUnlock()

	out := make([]Stats, 0, len(boxes))
	for _, box := range boxes {
		out = append(out, box.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

// TotalDepth sums undelivered events across all mailboxes.
func (m *Manager) TotalDepth() int {
	total := 0
	for _, st := range m.Stats() {
		total += st.Depth
	}
	return total
}
