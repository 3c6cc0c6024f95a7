// Package models defines the shared domain entities of the pattern
// lifecycle (spec.md §3), analogous to the teacher's pkg/models package of
// plain structs shared across services.
package models

import "time"

// LifecycleStatus is the totally ordered pattern lifecycle state.
// CANDIDATE -> PROVISIONAL -> VALIDATED -> DEPRECATED. DEPRECATED is terminal.
type LifecycleStatus string

const (
	LifecycleCandidate   LifecycleStatus = "CANDIDATE"
	LifecycleProvisional LifecycleStatus = "PROVISIONAL"
	LifecycleValidated   LifecycleStatus = "VALIDATED"
	LifecycleDeprecated  LifecycleStatus = "DEPRECATED"
)

// lifecycleRank orders statuses for monotonicity checks (invariant 1).
var lifecycleRank = map[LifecycleStatus]int{
	LifecycleCandidate:   0,
	LifecycleProvisional: 1,
	LifecycleValidated:   2,
	LifecycleDeprecated:  3,
}

// Rank returns the total-order position of s, or -1 if s is not a known status.
func (s LifecycleStatus) Rank() int {
	r, ok := lifecycleRank[s]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether s is one of the four known lifecycle statuses.
func (s LifecycleStatus) Valid() bool {
	_, ok := lifecycleRank[s]
	return ok
}

// allowedTransitions enumerates every permitted (from, to) pair per
// spec.md §3. CANDIDATE -> VALIDATED (skipping PROVISIONAL) is deliberately
// absent per the spec's closed Open Question.
var allowedTransitions = map[LifecycleStatus]map[LifecycleStatus]bool{
	LifecycleCandidate: {
		LifecycleProvisional: true,
	},
	LifecycleProvisional: {
		LifecycleValidated:  true,
		LifecycleDeprecated: true,
	},
	LifecycleValidated: {
		LifecycleDeprecated: true,
	},
	LifecycleDeprecated: {},
}

// CanTransition reports whether moving from `from` to `to` is permitted.
func CanTransition(from, to LifecycleStatus) bool {
	tos, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return tos[to]
}

// EvidenceTier is a discrete label derived from rolling-window sample size,
// used as a promotion gate (spec.md §4.4).
type EvidenceTier string

const (
	EvidenceInsufficient EvidenceTier = "insufficient"
	EvidenceWeak         EvidenceTier = "weak"
	EvidenceModerate     EvidenceTier = "moderate"
	EvidenceStrong       EvidenceTier = "strong"
)

var evidenceRank = map[EvidenceTier]int{
	EvidenceInsufficient: 0,
	EvidenceWeak:         1,
	EvidenceModerate:     2,
	EvidenceStrong:       3,
}

// AtLeast reports whether t is ranked at or above other (e.g. moderate.AtLeast(weak) == true).
func (t EvidenceTier) AtLeast(other EvidenceTier) bool {
	return evidenceRank[t] >= evidenceRank[other]
}

// Pattern is the immutable-identity, mutable-state artifact at the core of
// the pattern lifecycle (spec.md §3).
type Pattern struct {
	PatternID       string // UUID v4, assigned at first store; immutable thereafter.
	SignatureHash   string // content-addressed dedup key (blake2b over normalized body + version tag).
	Body            string // normalized pattern body (opaque to the core; produced by Compute Functions).
	Metadata        map[string]any
	LifecycleStatus LifecycleStatus
	QualityScore    float64 // clamped to [0.0, 1.0]
	Confidence      float64 // clamped to [0.0, 1.0]
	EvidenceTier    EvidenceTier
	CreatedAt       time.Time
	LastPromotedAt  *time.Time
	LastDemotedAt   *time.Time
	DeprecatedAt    *time.Time
	Version         int // optimistic-concurrency row version
}

// ClampScore clamps a score to the invariant range [0.0, 1.0] (invariant 4).
func ClampScore(v float64) float64 {
	switch {
	case v < 0.0:
		return 0.0
	case v > 1.0:
		return 1.0
	default:
		return v
	}
}

// AuditTrailEntry is one append-only row in pattern_audit_trail (spec.md §4.4).
type AuditTrailEntry struct {
	ID               int64
	PatternID        string
	From             LifecycleStatus
	To               LifecycleStatus
	Trigger          string // "promotion" | "demotion" | "administrative" | "initial_evidence"
	Reason           string
	EvidenceSnapshot map[string]any
	Timestamp        time.Time
}

// PatternInjection is an A/B experiment record linking a pattern to a
// session (spec.md §3). Immutable once written.
type PatternInjection struct {
	ID             int64
	PatternID      string
	SessionID      string
	CohortLabel    string
	AssignedAt     time.Time
	WasAdvised     bool
	WasUsed        bool
	WasCorrected   bool
}

// DisableEvent is an append-only kill-switch record (spec.md §3).
type DisableEvent struct {
	ID         int64
	PatternID  string
	Reason     string // free-form; "safety"/"compliance" unlock direct VALIDATED->DEPRECATED demotion.
	DisabledAt time.Time
	DisabledBy string
	Enabled    bool // true for an "enable" row undoing a prior disable, per the latest-wins projection.
}

// SafetyOrCompliance reports whether reason qualifies for a direct
// administrative demotion per spec.md §4.4.
func (d DisableEvent) SafetyOrCompliance() bool {
	return d.Reason == "safety" || d.Reason == "compliance"
}

// SessionOutcome carries a session's attributed result for one or more
// patterns (spec.md §3).
type SessionOutcome struct {
	SessionID    string
	PatternIDs   []string
	Outcome      OutcomeKind
	QualityDelta float64
	WasAdvised   bool
	WasUsed      bool
	WasCorrected bool
	OccurredAt   time.Time
}

// OutcomeKind is the session-outcome classification.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	OutcomePartial OutcomeKind = "partial"
)

// IsConfirmedViolation reports whether this outcome, combined with the
// advised/corrected flags, constitutes a confirmed violation under
// spec.md §4.3's rule: was_advised AND was_corrected AND outcome=failure.
func (o SessionOutcome) IsConfirmedViolation() bool {
	return o.WasAdvised && o.WasCorrected && o.Outcome == OutcomeFailure
}

// IsPositiveContribution reports whether this outcome counts as the
// small positive contribution defined by spec.md §4.3: was_advised AND
// outcome=success.
func (o SessionOutcome) IsPositiveContribution() bool {
	return o.WasAdvised && o.Outcome == OutcomeSuccess
}
