package bus

import (
	"context"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/omninode-ai/omniintelligence/pkg/models"
)

// Message is a received envelope bundled with the low-level offset handle
// needed to commit or skip it. Raw carries the undecoded bytes so a
// contract's reshape function can transform a legacy/flat payload before
// it is parsed as an Envelope (spec.md §4.7 step 3); Envelope is the
// best-effort decode of Raw and may be the zero value if decoding failed.
type Message struct {
	Envelope  models.Envelope
	Raw       []byte
	Topic     string
	Partition int
	Offset    int64
	Key       string
}

// Bus is the message bus client contract. Producer and Consumer are split
// so the Publisher only depends on the write side and the Dispatch Engine
// only depends on the read side.
type Bus interface {
	Producer
	Consumer
	Close() error
}

// Producer publishes a single envelope to topic, partitioned by key.
type Producer interface {
	Publish(ctx context.Context, topic, key string, env models.Envelope) error
}

// Consumer subscribes to a topic within a consumer group and delivers
// messages one partition-worker at a time via Fetch/Commit (manual offset
// management lets the Dispatch Engine decide when a message is durably
// handled, per spec.md §4's commit-on-success / no-commit-on-transient-
// failure policy).
type Consumer interface {
	Fetch(ctx context.Context, topic string) (Message, error)
	Commit(ctx context.Context, msg Message) error
}

// KafkaBus is the github.com/segmentio/kafka-go backed Bus implementation.
type KafkaBus struct {
	brokers       []string
	consumerGroup string
	writer        *kafka.Writer
	readers       map[string]*kafka.Reader
}

// NewKafkaBus constructs a KafkaBus. Readers are created lazily per topic
// on first Fetch, since the set of subscribed topics is only known once
// the Handler Registry has loaded its contracts.
func NewKafkaBus(brokers []string, consumerGroup string) *KafkaBus {
	return &KafkaBus{
		brokers:       brokers,
		consumerGroup: consumerGroup,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: false,
		},
		readers: make(map[string]*kafka.Reader),
	}
}

// Publish writes env to topic, keyed for partition assignment (spec.md §6:
// session-scoped events partition on session_id, pattern-lifecycle events
// on pattern_id).
func (b *KafkaBus) Publish(ctx context.Context, topic, key string, env models.Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
	})
}

// Fetch reads the next message from topic within the bus's consumer group,
// lazily creating a reader on first use. Fetch does not auto-commit; the
// caller commits explicitly once the message is durably handled.
func (b *KafkaBus) Fetch(ctx context.Context, topic string) (Message, error) {
	reader := b.readerFor(topic)
	km, err := reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("bus: fetch from %s: %w", topic, err)
	}
	// A decode failure here is not fatal: topics carrying a legacy/flat
	// format never parse as a valid Envelope, and their contract's reshape
	// function (applied by the Dispatch Engine against Raw) is what turns
	// them into one. Returning the zero Envelope lets an unreshapable,
	// truly malformed message fall through to the engine's orphan
	// handling instead of wedging the partition in a fetch-error retry
	// loop.
	env, _ := models.UnmarshalEnvelope(km.Value)
	return Message{
		Envelope:  env,
		Raw:       km.Value,
		Topic:     topic,
		Partition: km.Partition,
		Offset:    km.Offset,
		Key:       string(km.Key),
	}, nil
}

// Commit advances the consumer group's committed offset past msg.
func (b *KafkaBus) Commit(ctx context.Context, msg Message) error {
	reader := b.readerFor(msg.Topic)
	return reader.CommitMessages(ctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
}

func (b *KafkaBus) readerFor(topic string) *kafka.Reader {
	if r, ok := b.readers[topic]; ok {
		return r
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.brokers,
		GroupID: b.consumerGroup,
		Topic:   topic,
	})
	b.readers[topic] = r
	return r
}

// Close shuts down the writer and all lazily-created readers.
func (b *KafkaBus) Close() error {
	var firstErr error
	if err := b.writer.Close(); err != nil {
		firstErr = err
	}
	for _, r := range b.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
