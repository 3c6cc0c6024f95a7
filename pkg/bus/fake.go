package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/omninode-ai/omniintelligence/pkg/models"
)

// FakeBus is an in-memory Bus for tests. Published envelopes are queued per
// topic; Fetch blocks until one is available or ctx is cancelled.
type FakeBus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[string][]Message
	offsets map[string]int64
	closed  bool
}

// NewFakeBus constructs an empty FakeBus.
func NewFakeBus() *FakeBus {
	b := &FakeBus{
		queues:  make(map[string][]Message),
		offsets: make(map[string]int64),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish enqueues env onto topic's in-memory queue.
func (b *FakeBus) Publish(ctx context.Context, topic, key string, env models.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	offset := b.offsets[topic]
	b.offsets[topic] = offset + 1
	raw, _ := json.Marshal(env)
	b.queues[topic] = append(b.queues[topic], Message{
		Envelope: env,
		Raw:      raw,
		Topic:    topic,
		Offset:   offset,
		Key:      key,
	})
	b.cond.Broadcast()
	return nil
}

// Fetch returns the next queued message for topic, blocking until one
// arrives, ctx is cancelled, or the bus is closed.
func (b *FakeBus) Fetch(ctx context.Context, topic string) (Message, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-done:
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queues[topic]) == 0 {
		if b.closed {
			return Message{}, context.Canceled
		}
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		b.cond.Wait()
	}
	msg := b.queues[topic][0]
	b.queues[topic] = b.queues[topic][1:]
	return msg, nil
}

// Commit is a no-op for FakeBus; offsets are not replayed.
func (b *FakeBus) Commit(ctx context.Context, msg Message) error {
	return nil
}

// Close wakes any blocked Fetch callers.
func (b *FakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

// Depth returns the number of queued-but-unfetched messages on topic, for
// test assertions.
func (b *FakeBus) Depth(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[topic])
}

var _ Bus = (*FakeBus)(nil)
