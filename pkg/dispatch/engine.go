// Package dispatch implements the Dispatch Engine (spec.md C8): one
// worker per subscribed topic consuming the bus and running each
// envelope through reshape -> validate -> route -> invoke -> commit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omninode-ai/omniintelligence/pkg/bus"
	coreerrors "github.com/omninode-ai/omniintelligence/pkg/core/errors"
	"github.com/omninode-ai/omniintelligence/pkg/idempotency"
	"github.com/omninode-ai/omniintelligence/pkg/metrics"
	"github.com/omninode-ai/omniintelligence/pkg/models"
	"github.com/omninode-ai/omniintelligence/pkg/publisher"
	"github.com/omninode-ai/omniintelligence/pkg/registry"
)

// Message is the unit of work the engine fetches and commits.
type Message = bus.Message

// Engine owns one goroutine per subscribed topic (spec.md §4.8:
// "one logical worker per partition preserves per-partition order";
// kafka-go assigns partitions within a consumer group, so one Fetch loop
// per topic is sufficient here — the broker fans partitions across
// however many engine replicas are running in the consumer group).
type Engine struct {
	consumer       bus.Consumer
	reg            *registry.Registry
	ledger         idempotency.Ledger
	pub            *publisher.Publisher
	orphan         *OrphanTracker
	wg             sync.WaitGroup
	stopCh         chan struct{}
	handlerTimeout time.Duration
}

// Config holds engine-wide tunables.
type Config struct {
	HandlerTimeout    time.Duration
	OrphanGracePeriod time.Duration
}

// New constructs an Engine. pub may be nil if no topic publishes DLQ
// records through the shared publisher (tests commonly stub this out).
func New(consumer bus.Consumer, reg *registry.Registry, ledger idempotency.Ledger, pub *publisher.Publisher, cfg Config) *Engine {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.OrphanGracePeriod <= 0 {
		cfg.OrphanGracePeriod = 5 * time.Minute
	}
	return &Engine{
		consumer:       consumer,
		reg:            reg,
		ledger:         ledger,
		pub:            pub,
		orphan:         NewOrphanTracker(cfg.OrphanGracePeriod),
		stopCh:         make(chan struct{}),
		handlerTimeout: cfg.HandlerTimeout,
	}
}

// Start launches one consumer loop per registered topic.
func (e *Engine) Start(ctx context.Context) {
	for _, topic := range e.reg.Topics() {
		e.wg.Add(1)
		go e.runTopic(ctx, topic)
	}
}

// Stop signals all topic workers to exit and waits for them to drain.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) runTopic(ctx context.Context, topic string) {
	defer e.wg.Done()
	log := slog.With("topic", topic)
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg, err := e.consumer.Fetch(ctx, topic)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Error("fetch failed", "error", err)
			continue
		}

		// A single in-flight message per worker preserves per-partition
		// order (spec.md §4.8): process fully (commit or not) before the
		// next Fetch.
		e.process(ctx, topic, msg, log)
	}
}

func (e *Engine) process(ctx context.Context, topic string, msg Message, log *slog.Logger) {
	start := time.Now()
	defer func() {
		metrics.DispatchLatencySeconds.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	}()

	entry, ok := e.reg.Lookup(topic)
	if !ok {
		log.Error("no registry entry for topic, dropping", "event_id", msg.Envelope.EventID)
		e.commit(ctx, msg, log)
		return
	}

	if entry.Reshape != nil {
		reshaped, err := entry.Reshape(msg.Raw)
		if err != nil {
			log.Error("reshape failed, routing to DLQ", "error", err)
			e.routeToDLQ(ctx, topic, msg, fmt.Errorf("reshape: %w", err))
			e.commit(ctx, msg, log)
			return
		}
		env, err := models.UnmarshalEnvelope(reshaped)
		if err != nil {
			log.Error("envelope decode failed after reshape, routing to DLQ", "error", err)
			e.routeToDLQ(ctx, topic, msg, fmt.Errorf("decode after reshape: %w", err))
			e.commit(ctx, msg, log)
			return
		}
		msg.Envelope = env
	}

	trigger := routingKey(entry, msg.Envelope)
	handler, err := entry.Match(trigger)
	if err != nil {
		e.handleOrphan(ctx, topic, entry, msg, log)
		return
	}

	// Idempotency is checked inside the handler itself, which owns the
	// transaction the seen-check must share with its downstream write
	// (spec.md §4.1); the engine only routes, it does not gate on
	// entry.Idempotency directly.

	handlerCtx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
	defer cancel()

	err = e.invoke(handlerCtx, handler, msg.Envelope)
	switch {
	case err == nil, coreerrors.ClassifyOf(err) == coreerrors.KindIdempotentDuplicate:
		e.commit(ctx, msg, log)
	case coreerrors.ClassifyOf(err) == coreerrors.KindTransient:
		log.Warn("transient handler failure, not committing", "event_id", msg.Envelope.EventID, "error", err)
	default:
		e.routeToDLQ(ctx, topic, msg, err)
		e.commit(ctx, msg, log)
	}
}

// invoke calls handler, recovering a panic from an invariant violation and
// re-raising it after logging so the partition worker halts (spec.md §4.8:
// "those propagate up and cause the dispatcher to halt processing for that
// partition, preserving order").
func (e *Engine) invoke(ctx context.Context, handler registry.HandlerFunc, env models.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("invariant violation in handler, halting partition", "event_id", env.EventID, "panic", r)
			panic(r)
		}
	}()
	return handler(ctx, env)
}

func (e *Engine) commit(ctx context.Context, msg Message, log *slog.Logger) {
	if err := e.consumer.Commit(ctx, msg); err != nil {
		log.Error("commit failed", "event_id", msg.Envelope.EventID, "error", err)
	}
}

func (e *Engine) routeToDLQ(ctx context.Context, topic string, msg Message, cause error) {
	kind := coreerrors.ClassifyOf(cause)
	metrics.DLQTotal.WithLabelValues(topic, kind.String()).Inc()
	if e.pub == nil {
		return
	}
	dlqPayload := map[string]any{
		"original":         msg.Envelope,
		"error_kind":       kind.String(),
		"error_message":    cause.Error(),
		"first_failure_at": time.Now().UTC(),
	}
	if err := e.pub.Publish(ctx, topic+".dlq", msg.Key, dlqPayload, msg.Envelope.CorrelationID); err != nil {
		slog.Error("failed to route to DLQ", "topic", topic, "error", err)
	}
}

func (e *Engine) handleOrphan(ctx context.Context, topic string, entry registry.TopicEntry, msg Message, log *slog.Logger) {
	policy := entry.OrphanPolicy
	if policy == "" {
		policy = "drop"
	}
	e.orphan.Observe(topic, msg.Envelope.EventID)
	switch policy {
	case "route":
		if e.pub != nil {
			orphanTopic := fmt.Sprintf("%s.orphan", topic)
			if err := e.pub.Publish(ctx, orphanTopic, msg.Key, msg.Envelope, msg.Envelope.CorrelationID); err != nil {
				log.Error("failed to route orphan envelope", "error", err)
			}
		}
	default:
		log.Warn("dropping unroutable envelope", "event_id", msg.Envelope.EventID)
	}
	e.commit(ctx, msg, log)
}

// routingKey extracts the dispatch trigger from an envelope, depending on
// the contract's routing strategy: event_type directly, or a nested
// "operation" field inside payload for administrative command topics.
func routingKey(entry registry.TopicEntry, env models.Envelope) string {
	if entry.RoutingStrategy == "operation_match" {
		if op, ok := extractOperation(env.Payload); ok {
			return op
		}
	}
	return env.EventType
}
