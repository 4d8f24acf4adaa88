package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges.
type Metrics struct {
	blocksProcessed  prometheus.Counter
	logsDecoded      prometheus.Counter
	decodeFailures   prometheus.Counter
	eventsDispatched prometheus.Counter
	eventsDropped    prometheus.Counter
	effectsExecuted  prometheus.Counter
	effectRetries    prometheus.Counter
	txSubmitted      prometheus.Counter
	errors           prometheus.Counter
	mailboxDepth     prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			blocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "semsee_blocks_processed_total",
				Help: "Total number of blocks processed",
			}),
			logsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "semsee_logs_decoded_total",
				Help: "Total number of logs decoded into typed events",
			}),
			decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "semsee_decode_failures_total",
				Help: "Total number of logs dropped on decode failure",
			}),
			eventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "semsee_events_dispatched_total",
				Help: "Total number of events enqueued into mailboxes",
			}),
			eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "semsee_events_dropped_total",
				Help: "Total number of events dropped or rejected by full mailboxes",
			}),
			effectsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "semsee_effects_executed_total",
				Help: "Total number of actions reaching a terminal result",
			}),
			effectRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "semsee_effect_retries_total",
				Help: "Total number of transient effect retries",
			}),
			txSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "semsee_tx_submitted_total",
				Help: "Total number of transactions sent to the chain",
			}),
			errors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "semsee_errors_total",
				Help: "Total number of errors encountered",
			}),
			mailboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "semsee_mailbox_depth",
				Help: "Undelivered events across all mailboxes",
			}),
		}
		prometheus.MustRegister(
			metrics.blocksProcessed,
			metrics.logsDecoded,
			metrics.decodeFailures,
			metrics.eventsDispatched,
			metrics.eventsDropped,
			metrics.effectsExecuted,
			metrics.effectRetries,
			metrics.txSubmitted,
			metrics.errors,
			metrics.mailboxDepth,
		)
	})
	return metrics
}

// BlocksProcessed increments the blocks processed counter.
func (m *Metrics) BlocksProcessed() {
	if m != nil {
		m.blocksProcessed.Inc()
	}
}

// LogsDecoded increments the decoded logs counter.
func (m *Metrics) LogsDecoded() {
	if m != nil {
		m.logsDecoded.Inc()
	}
}

// DecodeFailures increments the decode failure counter.
func (m *Metrics) DecodeFailures() {
	if m != nil {
		m.decodeFailures.Inc()
	}
}

// EventsDispatched increments the dispatched events counter.
func (m *Metrics) EventsDispatched() {
	if m != nil {
		m.eventsDispatched.Inc()
	}
}

// EventsDropped increments the dropped events counter.
func (m *Metrics) EventsDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}

// EffectsExecuted increments the terminal effects counter.
func (m *Metrics) EffectsExecuted() {
	if m != nil {
		m.effectsExecuted.Inc()
	}
}

// EffectRetries increments the effect retry counter.
func (m *Metrics) EffectRetries() {
	if m != nil {
		m.effectRetries.Inc()
	}
}

// TxSubmitted increments the submitted transactions counter.
func (m *Metrics) TxSubmitted() {
	if m != nil {
		m.txSubmitted.Inc()
	}
}

// Errors increments the errors counter.
func (m *Metrics) Errors() {
	if m != nil {
		m.errors.Inc()
	}
}

// SetMailboxDepth records the current total mailbox backlog.
func (m *Metrics) SetMailboxDepth(depth int) {
	if m != nil {
		m.mailboxDepth.Set(float64(depth))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
