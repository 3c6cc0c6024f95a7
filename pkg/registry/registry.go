// Package registry implements the Handler Registry (spec.md C7): it
// resolves each contract's dependencies against the plugin's injected
// collaborators and builds the dispatch table the Dispatch Engine consumes.
package registry

import (
	"context"
	"fmt"

	"github.com/omninode-ai/omniintelligence/pkg/contracts"
	coreerrors "github.com/omninode-ai/omniintelligence/pkg/core/errors"
	"github.com/omninode-ai/omniintelligence/pkg/models"
)

// HandlerFunc processes one envelope. It returns a structured error for
// domain/validation failures — classify with pkg/core/errors — and may
// panic only for invariant violations (spec.md §4.8's error discipline).
type HandlerFunc func(ctx context.Context, env models.Envelope) error

// ReshapeFunc transforms a raw payload before schema validation, for
// topics carrying legacy/flat formats (spec.md §4.7 step 3).
type ReshapeFunc func(raw []byte) ([]byte, error)

// Binding pairs a matched trigger with its resolved handler function.
type Binding struct {
	Trigger string
	Handler HandlerFunc
}

// TopicEntry is one subscribed topic's full dispatch configuration.
type TopicEntry struct {
	ContractName    string
	RoutingStrategy contracts.RoutingStrategy
	Bindings        []Binding
	Idempotency     contracts.IdempotencyPolicy
	OrphanPolicy    contracts.OrphanPolicy
	Reshape         ReshapeFunc
}

// Registry is the built dispatch table: topic -> its bindings.
type Registry struct {
	topics map[string]TopicEntry
}

// Dependencies is the set of collaborators a plugin host injects by name;
// contracts declare which of these they require (spec.md §4.7).
type Dependencies map[string]any

// HandlerSet maps a handler's declared name (contracts.Binding.Handler) to
// its implementation, supplied by pkg/handlers at wire time.
type HandlerSet map[string]HandlerFunc

// ReshapeSet maps a contract name to its reshape function, for contracts
// with ReshapeLegacy set. Contracts without an entry here get a no-op
// reshape.
type ReshapeSet map[string]ReshapeFunc

// Build resolves cs against deps and handlers, failing fast if any
// contract's required dependency is missing or any binding names a
// handler not present in handlers (spec.md §4.7 step 1).
func Build(cs []contracts.Contract, deps Dependencies, handlers HandlerSet, reshapes ReshapeSet) (*Registry, error) {
	r := &Registry{topics: make(map[string]TopicEntry)}

	for _, c := range cs {
		for _, dep := range c.Dependencies {
			if _, ok := deps[dep.Name]; !ok && dep.Required {
				return nil, fmt.Errorf("%w: contract %s requires %q", coreerrors.ErrMissingDependency, c.Name, dep.Name)
			}
		}

		bindings := make([]Binding, 0, len(c.Bindings))
		for _, b := range c.Bindings {
			fn, ok := handlers[b.Handler]
			if !ok {
				return nil, fmt.Errorf("%w: contract %s binds trigger %q to unregistered handler %q",
					coreerrors.ErrMissingDependency, c.Name, b.Trigger, b.Handler)
			}
			bindings = append(bindings, Binding{Trigger: b.Trigger, Handler: fn})
		}

		reshape := reshapes[c.Name]
		if c.ReshapeLegacy && reshape == nil {
			return nil, fmt.Errorf("contracts: %s declares reshape_legacy but no reshape function was supplied", c.Name)
		}

		entry := TopicEntry{
			ContractName:    c.Name,
			RoutingStrategy: c.RoutingStrategy,
			Bindings:        bindings,
			Idempotency:     c.Idempotency,
			OrphanPolicy:    c.OrphanPolicy,
			Reshape:         reshape,
		}
		for _, topic := range c.SubscribeTopics {
			if _, exists := r.topics[topic]; exists {
				return nil, fmt.Errorf("registry: topic %q already bound by another contract", topic)
			}
			r.topics[topic] = entry
		}
	}

	return r, nil
}

// Topics returns every subscribed topic the registry knows how to route.
func (r *Registry) Topics() []string {
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	return out
}

// Lookup returns the TopicEntry for topic, or ok=false if unsubscribed.
func (r *Registry) Lookup(topic string) (TopicEntry, bool) {
	e, ok := r.topics[topic]
	return e, ok
}

// Match selects a handler within entry for trigger. Returns
// ErrNoHandlerMatch if no binding's Trigger equals trigger — the caller
// (Dispatch Engine) applies the topic's OrphanPolicy.
func (e TopicEntry) Match(trigger string) (HandlerFunc, error) {
	for _, b := range e.Bindings {
		if b.Trigger == trigger {
			return b.Handler, nil
		}
	}
	return nil, coreerrors.ErrNoHandlerMatch
}
