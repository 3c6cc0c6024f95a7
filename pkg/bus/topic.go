// Package bus implements the message bus client (spec.md §6): topic
// grammar helpers and a Kafka-backed Bus over github.com/segmentio/kafka-go.
package bus

import (
	"fmt"
	"strings"
)

// Kind distinguishes command topics (inputs) from event topics (outputs),
// per spec.md §6's `{env}.onex.{kind}.{producer}.{event-name}.v{version}`.
type Kind string

const (
	KindCmd Kind = "cmd"
	KindEvt Kind = "evt"
)

// Topic builds a topic name following the grammar:
// {env}.onex.{kind}.{producer}.{event-name}.v{version}.
func Topic(env string, kind Kind, producer, eventName string, version int) string {
	return fmt.Sprintf("%s.onex.%s.%s.%s.v%d", env, kind, producer, eventName, version)
}

// DLQTopic derives the dead-letter topic for any topic: {any-topic}.dlq.
func DLQTopic(topic string) string {
	return topic + ".dlq"
}

// IsDLQTopic reports whether topic is itself a DLQ topic.
func IsDLQTopic(topic string) bool {
	return strings.HasSuffix(topic, ".dlq")
}

// ParsedTopic holds the decomposed segments of a grammar-conformant topic.
type ParsedTopic struct {
	Env       string
	Kind      Kind
	Producer  string
	EventName string
	Version   int
}

// ParseTopic decomposes a topic string built by Topic. Returns an error if
// topic does not have the expected six-segment shape.
func ParseTopic(topic string) (ParsedTopic, error) {
	parts := strings.Split(topic, ".")
	if len(parts) != 6 || parts[1] != "onex" {
		return ParsedTopic{}, fmt.Errorf("bus: malformed topic %q", topic)
	}
	kind := Kind(parts[2])
	if kind != KindCmd && kind != KindEvt {
		return ParsedTopic{}, fmt.Errorf("bus: unknown topic kind %q in %q", parts[2], topic)
	}
	var version int
	if _, err := fmt.Sscanf(parts[5], "v%d", &version); err != nil {
		return ParsedTopic{}, fmt.Errorf("bus: malformed version segment %q in %q", parts[5], topic)
	}
	return ParsedTopic{
		Env:       parts[0],
		Kind:      kind,
		Producer:  parts[3],
		EventName: parts[4],
		Version:   version,
	}, nil
}
