// Package fsm implements the FSM Reducer (spec.md C5): a pure function
// over (current_state, trigger) for each of the three named state
// machines, plus a thin persistence layer for current state and history.
package fsm

import "github.com/omninode-ai/omniintelligence/pkg/models"

// transitionTable maps a trigger to its destination state for one source
// state. One table per FSMKind, defined as static data (spec.md §4.5).
type transitionTable map[models.FSMState]map[string]models.FSMState

var tables = map[models.FSMKind]transitionTable{
	models.FSMIngestion: {
		"idle":       {"receive": "received"},
		"received":   {"process": "processing"},
		"processing": {"index": "indexed"},
		"indexed":    {},
	},
	models.FSMPatternLearning: {
		"idle":         {"start": "foundation"},
		"foundation":   {"match": "matching"},
		"matching":     {"validate": "validation"},
		"validation":   {"trace": "traceability"},
		"traceability": {"complete": "completed"},
		"completed":    {},
	},
	models.FSMQualityAssessment: {
		"idle":      {"receive": "raw"},
		"raw":       {"assess": "assessing"},
		"assessing": {"score": "scored"},
		"scored":    {"store": "stored"},
		"stored":    {},
	},
}

// InitialState returns the entry state for a named machine.
func InitialState(kind models.FSMKind) models.FSMState {
	return "idle"
}

// Reduce looks up current in the kind's static transition table and
// applies trigger. If (current, trigger) is undefined, it returns
// ok=false: per spec.md §4.5, this is not an error; the caller logs and
// proceeds without assuming a wedged state machine.
func Reduce(kind models.FSMKind, current models.FSMState, trigger string) (next models.FSMState, ok bool) {
	table, known := tables[kind]
	if !known {
		return current, false
	}
	triggers, known := table[current]
	if !known {
		return current, false
	}
	next, ok = triggers[trigger]
	if !ok {
		return current, false
	}
	return next, true
}

// KnownKind reports whether kind names one of the three machines this
// reducer drives.
func KnownKind(kind models.FSMKind) bool {
	_, ok := tables[kind]
	return ok
}
