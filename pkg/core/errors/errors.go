// Package errors defines the sentinel error taxonomy shared by the pattern
// lifecycle and dispatch runtime. Domain and validation failures are values
// callers test with errors.Is/errors.As; only invariant violations are
// allowed to propagate as panics, and only at the dispatch-engine partition
// boundary (see pkg/dispatch).
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the Pattern Store (C2) and Lifecycle Controller (C4).
var (
	// ErrPatternNotFound is returned when a pattern_id has no matching row.
	ErrPatternNotFound = errors.New("pattern not found")

	// ErrInvalidTransition is returned when a lifecycle transition is not
	// permitted by the total order CANDIDATE -> PROVISIONAL -> VALIDATED -> DEPRECATED.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrLifecycleConflict is returned when the pattern's current lifecycle
	// state no longer matches the caller's expected state (optimistic
	// concurrency failure).
	ErrLifecycleConflict = errors.New("lifecycle transition conflict")

	// ErrDuplicateSignature is returned by upsert paths that observe more
	// than one non-DEPRECATED pattern sharing a signature_hash; this should
	// never happen if invariant 3 (signature uniqueness) holds and indicates
	// a data-integrity bug, not a normal duplicate-upsert outcome.
	ErrDuplicateSignature = errors.New("duplicate non-deprecated signature_hash")
)

// Sentinel errors for the Idempotency Ledger (C1).
var (
	// ErrDuplicateEvent names the case where (event_id, handler_name) has
	// already been recorded. Ledger.Seen does not return it: it reports that
	// case as OutcomeDuplicate with a nil error.
	ErrDuplicateEvent = errors.New("duplicate event for handler")
)

// Sentinel errors for the FSM Reducer (C5).
var (
	// ErrNoTransition indicates the (current_state, trigger) pair is
	// undefined. Per spec this is NOT an error condition for callers —
	// it is returned as a typed value so callers can distinguish "no
	// transition" from "reducer failure", but it is not meant to be
	// wrapped into a DLQ failure.
	ErrNoTransition = errors.New("no transition defined for current state and trigger")

	// ErrUnknownFSMKind is returned when Reduce is called with a fsm_kind
	// that has no registered transition table.
	ErrUnknownFSMKind = errors.New("unknown fsm kind")
)

// Sentinel errors for the Dispatch Engine (C8) and Handler Registry (C7).
var (
	// ErrMissingDependency is returned at wire time when a handler's
	// required collaborator was not injected.
	ErrMissingDependency = errors.New("missing required handler dependency")

	// ErrNoHandlerMatch indicates no (predicate, handler) binding matched
	// the envelope for its topic; the dispatcher's topic policy decides
	// whether this becomes an orphan-topic forward or a log-and-drop.
	ErrNoHandlerMatch = errors.New("no handler matched envelope")

	// ErrSchemaValidation indicates the envelope failed schema validation
	// (e.g. unknown top-level field, missing required field, bad UUID).
	ErrSchemaValidation = errors.New("envelope schema validation failed")
)

// Kind classifies an error for dispatcher offset-commit and DLQ decisions,
// per spec.md §7's error taxonomy table.
type Kind int

const (
	// KindUnknown is the zero value; treated as Permanent for safety.
	KindUnknown Kind = iota
	// KindValidation: schema/shape errors. DLQ, offset committed.
	KindValidation
	// KindDomain: business-rule errors (e.g. invalid lifecycle transition).
	// DLQ, offset committed.
	KindDomain
	// KindTransient: DB timeout, bus unavailable. Not committed; redelivered.
	KindTransient
	// KindIdempotentDuplicate: ledger hit. Treated as success, offset committed.
	KindIdempotentDuplicate
	// KindInvariant: impossible state/corruption. Propagates as a panic at
	// the partition boundary; never returned as a normal error value.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDomain:
		return "domain"
	case KindTransient:
		return "transient"
	case KindIdempotentDuplicate:
		return "idempotent_duplicate"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Classified wraps an error with its dispatch-relevant Kind. Handlers return
// Classified errors (or plain errors, treated as KindDomain) instead of
// raising exceptions for anything short of an invariant violation.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string {
	return fmt.Sprintf("%s: %v", c.Kind, c.Err)
}

func (c *Classified) Unwrap() error { return c.Err }

// Classify wraps err with the given Kind. A nil err returns nil.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: kind, Err: err}
}

// ClassifyOf extracts the Kind a handler intended for err. Plain errors
// (not produced via Classify) default to KindDomain — the conservative
// choice that still routes to DLQ rather than silently dropping or
// endlessly retrying.
func ClassifyOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	return KindDomain
}

// Transient wraps err as a KindTransient classified error — the dispatcher
// will not commit the offset, causing redelivery.
func Transient(err error) error { return Classify(KindTransient, err) }

// Validation wraps err as a KindValidation classified error.
func Validation(err error) error { return Classify(KindValidation, err) }

// Domain wraps err as a KindDomain classified error.
func Domain(err error) error { return Classify(KindDomain, err) }
