// Package publisher implements the Event Publisher (spec.md C6): a
// non-blocking, at-least-once publish path over pkg/bus with bounded
// buffering, exponential backoff, and DLQ fallback.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/omninode-ai/omniintelligence/pkg/bus"
	"github.com/omninode-ai/omniintelligence/pkg/metrics"
	"github.com/omninode-ai/omniintelligence/pkg/models"
)

// Config mirrors the publisher.* settings in spec.md §6.
type Config struct {
	BufferHighWaterMark int
	RetryBase           time.Duration
	RetryCap            time.Duration
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		BufferHighWaterMark: 10000,
		RetryBase:           100 * time.Millisecond,
		RetryCap:            30 * time.Second,
	}
}

type job struct {
	topic         string
	key           string
	envelope      models.Envelope
	correlationID string
}

// Publisher buffers envelopes in memory and drains them to a bus.Bus on a
// background goroutine. Publish never blocks on a broker round trip.
type Publisher struct {
	bus     bus.Producer
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	queue   chan job
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Publisher and starts its drain worker.
func New(b bus.Producer, cfg Config) *Publisher {
	if cfg.BufferHighWaterMark <= 0 {
		cfg = DefaultConfig()
	}
	p := &Publisher{
		bus: b,
		cfg: cfg,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "publisher",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		queue:  make(chan job, cfg.BufferHighWaterMark),
		stopCh: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.drain()
	return p
}

// Publish marshals payload into an envelope and enqueues it for background
// delivery. It returns immediately once the envelope is validated and
// queued (or routed to DLQ on overflow); it never waits on a broker ack.
//
// Invalid payloads fail synchronously — spec.md §4.6 treats a serialization
// failure as a programmer bug that must surface immediately, not be queued.
func (p *Publisher) Publish(ctx context.Context, topic, key string, payload any, correlationID string) error {
	env, err := models.NewEnvelope(eventTypeFromTopic(topic), 1, correlationID, "", payload)
	if err != nil {
		return fmt.Errorf("publisher: invalid envelope for %s: %w", topic, err)
	}

	j := job{topic: topic, key: key, envelope: env, correlationID: env.CorrelationID}
	select {
	case p.queue <- j:
		metrics.PublisherQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		// Buffer is at the high-water mark; fall back to DLQ rather than
		// block the caller (spec.md §4.6).
		p.routeOverflowToDLQ(ctx, j)
		return nil
	}
}

// drain is the background worker that writes queued jobs to the bus,
// retrying with exponential backoff on transient failure.
func (p *Publisher) drain() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case j := <-p.queue:
			metrics.PublisherQueueDepth.Set(float64(len(p.queue)))
			p.deliver(j)
		}
	}
}

func (p *Publisher) deliver(j job) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryBase
	bo.MaxInterval = p.cfg.RetryCap
	// A single stuck message must eventually give up so it doesn't wedge
	// the drain worker forever; once exhausted it falls through to DLQ.
	bo.MaxElapsedTime = 5 * time.Minute

	operation := func() error {
		_, err := p.breaker.Execute(func() (any, error) {
			return nil, p.bus.Publish(context.Background(), j.topic, j.key, j.envelope)
		})
		return err
	}

	err := backoff.Retry(operation, bo)
	if err != nil {
		slog.Warn("publisher: delivery abandoned, routing to DLQ", "topic", j.topic, "error", err)
		p.routeOverflowToDLQ(context.Background(), j)
	}
}

// routeOverflowToDLQ wraps the original envelope with a failure reason and
// publishes it to {original}.dlq. If that also fails, the message is
// dropped and a drop metric is incremented (spec.md §4.6) — correctness of
// the primary DB state is never sacrificed for emission.
func (p *Publisher) routeOverflowToDLQ(ctx context.Context, j job) {
	dlqTopic := bus.DLQTopic(j.topic)
	dlqPayload := map[string]any{
		"original_topic": j.topic,
		"original":       j.envelope,
		"failure_reason": "publisher buffer overflow or delivery exhausted",
		"dropped_at":     time.Now().UTC(),
	}
	dlqEnv, err := models.NewEnvelope("publisher-dlq", 1, j.correlationID, "", dlqPayload)
	if err != nil {
		metrics.PublisherDropsTotal.WithLabelValues(j.topic).Inc()
		return
	}
	if err := p.bus.Publish(ctx, dlqTopic, j.key, dlqEnv); err != nil {
		metrics.PublisherDropsTotal.WithLabelValues(j.topic).Inc()
		slog.Error("publisher: DLQ also unreachable, dropping envelope", "topic", j.topic, "dlq_topic", dlqTopic, "error", err)
		return
	}
	metrics.DLQTotal.WithLabelValues(j.topic, "publisher-overflow").Inc()
}

// eventTypeFromTopic extracts the event-name segment for use as the
// envelope's event_type, falling back to the full topic if it doesn't
// match the grammar (e.g. a caller publishing a raw DLQ topic).
func eventTypeFromTopic(topic string) string {
	parsed, err := bus.ParseTopic(topic)
	if err != nil {
		return topic
	}
	return parsed.EventName
}

// Stop signals the drain worker to exit and waits for it to finish.
func (p *Publisher) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

var _ interface {
	Publish(ctx context.Context, topic, key string, payload any, correlationID string) error
} = (*Publisher)(nil)
