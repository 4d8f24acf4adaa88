// Package mailbox provides per-strategy ordered inboxes. Each strategy
// owns exactly one mailbox; the orchestrator is the producer and the
// strategy host is the single consumer.
package mailbox

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/semsee/semsee/internal/effect"
	"github.com/semsee/semsee/internal/event"
	"github.com/semsee/semsee/internal/metrics"
)

// Class discriminates mailbox message variants.
type Class uint8

const (
	// ClassExternal is a decoded chain event matched by subscription.
	ClassExternal Class = iota
	// ClassEffectResult is the terminal outcome of a queued action.
	ClassEffectResult
)

func (c Class) String() string {
	switch c {
	case ClassExternal:
		return "external"
	case ClassEffectResult:
		return "effect_result"
	default:
		return "unknown"
	}
}

// Event is one message in a mailbox.
type Event interface {
	Class() Class
}

// External wraps a decoded chain event.
type External struct {
	Event event.Decoded
}

func (External) Class() Class { return ClassExternal }

// EffectResult wraps a terminal action outcome. It is exempt from
// capacity limits: a strategy waiting on an in-flight action must
// always see its result.
type EffectResult struct {
	Result effect.Result
}

func (EffectResult) Class() Class { return ClassEffectResult }

// OverflowPolicy picks what happens when an external event arrives at a
// full mailbox.
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop-oldest"
	DropNewest OverflowPolicy = "drop-newest"
	Reject     OverflowPolicy = "reject"
)

// ParsePolicy maps a config string to a policy. Empty selects Reject.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case DropOldest, DropNewest, Reject:
		return OverflowPolicy(s), nil
	case "":
		return Reject, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// DefaultCapacity bounds a mailbox when the config does not.
const DefaultCapacity = 256

// ErrFull signals backpressure under the Reject policy.
var ErrFull = errors.New("mailbox full")

// Stats is a point-in-time snapshot of one mailbox.
type Stats struct {
	StrategyID   string
	Depth        int
	Capacity     int
	Enqueued     uint64
	Drained      uint64
	Dropped      uint64
	Rejected     uint64
	LastEnqueued time.Time
}

// Mailbox is a bounded FIFO of events for one strategy. Enqueue
// preserves the order the producer presents; Drain is atomic per call,
// so concurrent drains are serialized rather than interleaved.
type Mailbox struct {
	strategyID string
	capacity   int
	policy     OverflowPolicy
	mtr        *metrics.Metrics

	mu           sync.Mutex
	queue        []Event
	enqueued     uint64
	drained      uint64
	dropped      uint64
	rejected     uint64
	lastEnqueued time.Time
}

func newMailbox(strategyID string, capacity int, policy OverflowPolicy, mtr *metrics.Metrics) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Mailbox{strategyID: strategyID, capacity: capacity, policy: policy, mtr: mtr}
}

// Enqueue appends an event. External events at a full mailbox follow
// the overflow policy; effect results are always accepted, even past
// capacity.
func (m *Mailbox) Enqueue(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Class() == ClassExternal && len(m.queue) >= m.capacity {
		switch m.policy {
		case DropOldest:
			m.queue = m.queue[1:]
			m.dropped++
			m.mtr.EventsDropped()
		case DropNewest:
			m.dropped++
			m.mtr.EventsDropped()
			return nil
		default:
			m.rejected++
			m.mtr.EventsDropped()
			return fmt.Errorf("%w: strategy %s depth %d", ErrFull, m.strategyID, len(m.queue))
		}
	}

	m.queue = append(m.queue, ev)
	m.enqueued++
	m.lastEnqueued = time.Now().UTC()
	return nil
}

// Drain removes and returns up to max events in FIFO order. Each call
// takes its batch atomically.
func (m *Mailbox) Drain(max int) []Event {
	if max <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := max
	if n > len(m.queue) {
		n = len(m.queue)
	}
	if n == 0 {
		return nil
	}
	out := make([]Event, n)
	copy(out, m.queue[:n])
	m.queue = append(m.queue[:0:0], m.queue[n:]...)
	m.drained += uint64(n)
	return out
}

// Depth reports the number of undelivered events.
func (m *Mailbox) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Stats snapshots the mailbox counters.
func (m *Mailbox) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		StrategyID:   m.strategyID,
		Depth:        len(m.queue),
		Capacity:     m.capacity,
		Enqueued:     m.enqueued,
		Drained:      m.drained,
		Dropped:      m.dropped,
		Rejected:     m.rejected,
		LastEnqueued: m.lastEnqueued,
	}
}
