// Package contracts loads the YAML handler contracts consumed by the
// Handler Registry (spec.md §4.7): declarative bindings from bus topics to
// handler functions, their dependencies, and their idempotency policy.
package contracts

import (
	"fmt"
)

// RoutingStrategy selects how the Dispatch Engine picks a handler for an
// envelope within a topic's bound handlers.
type RoutingStrategy string

const (
	// RouteByEventType dispatches on envelope.event_type.
	RouteByEventType RoutingStrategy = "event_type_match"
	// RouteByOperation dispatches on a field inside payload (e.g. an
	// administrative command's "operation" field).
	RouteByOperation RoutingStrategy = "operation_match"
)

// DependencyRequirement names a collaborator a handler needs wired in at
// plugin-initialize time, and whether its absence is fatal.
type DependencyRequirement struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
}

// Binding maps one trigger value (an event_type or operation, depending on
// the contract's RoutingStrategy) to the name of the handler function that
// processes it. The function itself is resolved by the registry against a
// name->func map supplied at wire time (spec.md §4.7 step 1).
type Binding struct {
	Trigger string `yaml:"trigger"`
	Handler string `yaml:"handler"`
}

// IdempotencyPolicy declares whether a handler participates in the
// idempotency ledger and which envelope fields compose its dedup key.
type IdempotencyPolicy struct {
	Enabled bool     `yaml:"enabled"`
	Fields  []string `yaml:"fields"`
}

// OrphanPolicy names the behavior when an envelope on this topic matches
// no binding (spec.md §4.8 step 3, OMN-2366).
type OrphanPolicy string

const (
	// OrphanRoute forwards the unmatched envelope to an orphan topic.
	OrphanRoute OrphanPolicy = "route"
	// OrphanDrop logs and drops the unmatched envelope.
	OrphanDrop OrphanPolicy = "drop"
)

// Contract is one handler's full declaration, as loaded from YAML.
type Contract struct {
	Name            string                  `yaml:"name"`
	InputSchema     string                  `yaml:"input_schema"`
	OutputSchema    string                  `yaml:"output_schema"`
	RoutingStrategy RoutingStrategy         `yaml:"routing_strategy"`
	Bindings        []Binding               `yaml:"bindings"`
	SubscribeTopics []string                `yaml:"subscribe_topics"`
	PublishTopics   []string                `yaml:"publish_topics"`
	Idempotency     IdempotencyPolicy       `yaml:"idempotency"`
	Dependencies    []DependencyRequirement `yaml:"dependencies"`
	OrphanPolicy    OrphanPolicy            `yaml:"orphan_policy"`
	ReshapeLegacy   bool                    `yaml:"reshape_legacy"`
}

// Validate checks a contract's internal consistency: a routing strategy
// name the registry recognizes, at least one subscribe topic, and at
// least one binding.
func (c Contract) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("contracts: contract is missing name")
	}
	if c.RoutingStrategy != RouteByEventType && c.RoutingStrategy != RouteByOperation {
		return fmt.Errorf("contracts: %s: unknown routing_strategy %q", c.Name, c.RoutingStrategy)
	}
	if len(c.SubscribeTopics) == 0 {
		return fmt.Errorf("contracts: %s: must declare at least one subscribe_topics entry", c.Name)
	}
	if len(c.Bindings) == 0 {
		return fmt.Errorf("contracts: %s: must declare at least one binding", c.Name)
	}
	for _, b := range c.Bindings {
		if b.Trigger == "" || b.Handler == "" {
			return fmt.Errorf("contracts: %s: binding with empty trigger or handler", c.Name)
		}
	}
	if c.OrphanPolicy != "" && c.OrphanPolicy != OrphanRoute && c.OrphanPolicy != OrphanDrop {
		return fmt.Errorf("contracts: %s: unknown orphan_policy %q", c.Name, c.OrphanPolicy)
	}
	return nil
}
