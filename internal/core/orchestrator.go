// Package core drives the per-chain orchestration loop. One tick
// ingests the next confirmed block, decodes its logs, mirrors global
// state, routes events to subscribed mailboxes in (block, logIndex)
// order, then advances the effect engine. The loop is single-threaded;
// everything concurrent hangs off it through the mailbox and effect
// boundaries.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/semsee/semsee/internal/effect"
	"github.com/semsee/semsee/internal/event"
	"github.com/semsee/semsee/internal/feed"
	"github.com/semsee/semsee/internal/mailbox"
	"github.com/semsee/semsee/internal/metrics"
	"github.com/semsee/semsee/internal/notify"
	"github.com/semsee/semsee/internal/registry"
	"github.com/semsee/semsee/internal/statesync"
	"github.com/semsee/semsee/internal/subscription"
)

// Deps names the collaborators an orchestrator is wired from. Feed,
// Registry, Notifier and Metrics are optional; the rest are required.
type Deps struct {
	Feed     *feed.Feed
	Decoder  *event.Decoder
	Subs     *subscription.Manager
	Boxes    *mailbox.Manager
	Sync     *statesync.Synchronizer
	Engine   *effect.Engine
	Registry *registry.Resolver
	Notifier *notify.Notifier
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Orchestrator owns one chain stream end to end.
type Orchestrator struct {
	feed     *feed.Feed
	decoder  *event.Decoder
	subs     *subscription.Manager
	boxes    *mailbox.Manager
	sync     *statesync.Synchronizer
	engine   *effect.Engine
	registry *registry.Resolver
	notifier *notify.Notifier
	logger   *slog.Logger
	mtr      *metrics.Metrics
}

// New wires an orchestrator and registers the mailbox pre-warm hook on
// the subscription manager.
func New(d Deps) (*Orchestrator, error) {
	if d.Decoder == nil {
		return nil, errors.New("event decoder required")
	}
	if d.Subs == nil {
		return nil, errors.New("subscription manager required")
	}
	if d.Boxes == nil {
		return nil, errors.New("mailbox manager required")
	}
	if d.Sync == nil {
		return nil, errors.New("state synchronizer required")
	}
	if d.Engine == nil {
		return nil, errors.New("effect engine required")
	}
	if d.Logger == nil {
		return nil, errors.New("logger required")
	}

	o := &Orchestrator{
		feed:     d.Feed,
		decoder:  d.Decoder,
		subs:     d.Subs,
		boxes:    d.Boxes,
		sync:     d.Sync,
		engine:   d.Engine,
		registry: d.Registry,
		notifier: d.Notifier,
		logger:   d.Logger,
		mtr:      d.Metrics,
	}

	// A subscription's first effect is a live mailbox, so results and
	// events have somewhere to land before the first match arrives.
	d.Subs.OnSubscribe(func(strategyID string) {
		d.Boxes.GetOrCreate(strategyID)
	})

	return o, nil
}

// RunOnce executes one tick. A detected reorg is not an error: the feed
// has already rewound its cursor and the next tick re-reads the fork.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	if o.feed == nil {
		return errors.New("no feed configured")
	}

	batch, err := o.feed.Next(ctx)
	if err != nil {
		if errors.Is(err, feed.ErrReorgDetected) {
			return nil
		}
		return err
	}
	if batch != nil {
		if err := o.processBatch(ctx, batch); err != nil {
			return err
		}
	}

	o.engine.Tick(ctx)
	o.mtr.SetMailboxDepth(o.boxes.TotalDepth())
	return nil
}

// processBatch walks one block's logs in log-index order. A log that
// fails to decode is logged and dropped; the batch continues.
func (o *Orchestrator) processBatch(ctx context.Context, batch *feed.Batch) error {
	for _, lg := range batch.Logs {
		ev, fail := o.decoder.Decode(lg, batch.Time)
		if fail != nil {
			o.mtr.DecodeFailures()
			o.logger.Debug("log dropped",
				"block", lg.BlockNumber,
				"log_index", lg.Index,
				"reason", string(fail.Reason))
			continue
		}
		o.mtr.LogsDecoded()

		// Mirrored state is global; it advances whether or not anyone
		// subscribed to the emitting contract.
		o.sync.Apply(ev)

		if err := o.handleEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// handleEvent reacts to control payloads, then routes the event to
// subscribed mailboxes. Control events route like any other: a strategy
// may well watch another strategy's requests.
func (o *Orchestrator) handleEvent(ctx context.Context, ev event.Decoded) error {
	switch p := ev.Payload.(type) {
	case event.SubscriptionRequested:
		if err := o.subs.Subscribe(ctx, p.StrategyID, p.Target, p.Topic); err != nil {
			return fmt.Errorf("subscribe %s: %w", p.StrategyID, err)
		}
	case event.UnsubscriptionRequested:
		if err := o.subs.Unsubscribe(ctx, p.StrategyID, p.Target, p.Topic); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", p.StrategyID, err)
		}
	case event.ActionRequested:
		o.enqueueAction(ctx, ev, p)
	case event.RegistryUpdated:
		if o.registry != nil {
			o.registry.Apply(ev)
			if err := o.registry.Resolve(ctx); err != nil {
				o.logger.Warn("registry refresh failed", "error", err)
			}
		}
	case event.LogMessage:
		o.logger.Info("strategy log", "strategy", p.StrategyID, "message", p.Message, "block", ev.Block)
		if o.notifier.Enabled() {
			o.notifier.Notify(ctx, notify.FromStrategyLog(ev, p))
		}
	}
	return o.route(ctx, ev)
}

// enqueueAction turns an on-chain request into a queued effect. The
// correlation token is derived from the requesting log's coordinates,
// so a re-delivered log cannot double-execute.
func (o *Orchestrator) enqueueAction(ctx context.Context, ev event.Decoded, p event.ActionRequested) {
	act := effect.Action{
		StrategyID:  p.StrategyID,
		ActionType:  p.ActionType,
		Op:          effect.OpSubmit,
		Target:      p.Target,
		CallData:    p.CallData,
		Correlation: fmt.Sprintf("%s:%d", ev.TxHash.Hex(), ev.LogIndex),
	}
	actionID, err := o.engine.Enqueue(ctx, act)
	if err != nil {
		o.mtr.Errors()
		o.logger.Warn("action rejected",
			"strategy", p.StrategyID,
			"type", p.ActionType,
			"error", err)
		return
	}
	o.logger.Debug("action enqueued",
		"strategy", p.StrategyID,
		"type", p.ActionType,
		"action_id", actionID)
}

func (o *Orchestrator) route(ctx context.Context, ev event.Decoded) error {
	matched, err := o.subs.Matches(ctx, ev)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}
	for _, strategyID := range matched {
		box := o.boxes.GetOrCreate(strategyID)
		if err := box.Enqueue(mailbox.External{Event: ev}); err != nil {
			o.logger.Debug("event rejected by mailbox",
				"strategy", strategyID,
				"block", ev.Block,
				"log_index", ev.LogIndex)
			continue
		}
		o.mtr.EventsDispatched()
	}
	return nil
}

// MailboxStats snapshots every mailbox for the status surfaces.
func (o *Orchestrator) MailboxStats() []mailbox.Stats {
	return o.boxes.Stats()
}

// Status is the operational snapshot served by the status endpoint and
// the state command.
type Status struct {
	CursorHeight    uint64          `json:"cursor_height"`
	CursorHash      string          `json:"cursor_hash"`
	HasCursor       bool            `json:"has_cursor"`
	Mailboxes       []mailbox.Stats `json:"mailboxes"`
	TotalDepth      int             `json:"total_depth"`
	PendingEffects  int             `json:"pending_effects"`
	TerminalEffects int             `json:"terminal_effects"`
	Subscriptions   int             `json:"subscriptions"`
}

// Status assembles the snapshot. It tolerates a missing feed so the
// same surface works in replay setups.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	st := Status{
		Mailboxes:       o.boxes.Stats(),
		TotalDepth:      o.boxes.TotalDepth(),
		PendingEffects:  o.engine.PendingCount(),
		TerminalEffects: o.engine.TerminalCount(),
	}
	if o.feed != nil {
		height, hash, ok, err := o.feed.Cursor(ctx)
		if err != nil {
			return st, err
		}
		st.CursorHeight, st.CursorHash, st.HasCursor = height, hash, ok
	}
	subs, err := o.subs.Subscriptions(ctx)
	if err != nil {
		return st, err
	}
	st.Subscriptions = len(subs)
	return st, nil
}

// resultSink is the delivery path for terminal effect results: always
// into the origin strategy's mailbox, and out through the notifier when
// the result is a permanent failure.
type resultSink struct {
	boxes    *mailbox.Manager
	notifier *notify.Notifier
}

// NewResultSink builds the sink the effect engine delivers through.
func NewResultSink(boxes *mailbox.Manager, notifier *notify.Notifier) effect.ResultSink {
	return resultSink{boxes: boxes, notifier: notifier}
}

func (s resultSink) DeliverResult(strategyID string, res effect.Result) {
	s.boxes.DeliverResult(strategyID, res)
	if res.Status == effect.StatusFailed && s.notifier.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.notifier.Notify(ctx, notify.FromEffectFailure(res))
	}
}
