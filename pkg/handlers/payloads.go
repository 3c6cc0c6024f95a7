package handlers

import "time"

// ClaudeHookPayload is the payload shape for claude-hook-event envelopes
// (triggers hook.pre_tool_use / hook.post_tool_use / hook.user_prompt_submit).
type ClaudeHookPayload struct {
	SessionID string           `json:"session_id"`
	RawBody   string           `json:"raw_body"`
	Tags      []string         `json:"tags"`
	Metadata  map[string]any   `json:"metadata"`
	Trace     []map[string]any `json:"trace,omitempty"`
}

// DisablePayload is the payload shape for the pattern-lifecycle-cmd
// contract's "disable" operation.
type DisablePayload struct {
	PatternID  string `json:"pattern_id"`
	Reason     string `json:"reason"`
	DisabledBy string `json:"disabled_by"`
	Enabled    bool   `json:"enabled"`
}

// PromotionPayload is the payload shape for the "evaluate_promotion"
// operation. Evidence tier and effectiveness are deliberately NOT part of
// this payload: the Lifecycle Controller sources both from the Feedback
// Aggregator's own rolling window (spec.md §4.4), so a caller can only name
// which pattern to evaluate, not the evidence used to evaluate it.
type PromotionPayload struct {
	PatternID string `json:"pattern_id"`
}

// DemotionPayload is the payload shape for the "evaluate_demotion"
// operation, for the same reason PromotionPayload carries only the pattern
// ID.
type DemotionPayload struct {
	PatternID string `json:"pattern_id"`
}

// SessionOutcomePayload mirrors models.SessionOutcome on the wire.
type SessionOutcomePayload struct {
	SessionID    string    `json:"session_id"`
	PatternIDs   []string  `json:"pattern_ids"`
	Outcome      string    `json:"outcome"`
	QualityDelta float64   `json:"quality_delta"`
	WasAdvised   bool      `json:"was_advised"`
	WasUsed      bool      `json:"was_used"`
	WasCorrected bool      `json:"was_corrected"`
	OccurredAt   time.Time `json:"occurred_at"`
}
