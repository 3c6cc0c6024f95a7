package dispatch

import (
	"encoding/json"
	"sync"
	"time"
)

// OrphanTracker records envelopes that matched no handler binding
// (OMN-2366), modeled on the teacher's periodic orphan-scan bookkeeping in
// pkg/queue/orphan.go but adapted to per-envelope observation instead of a
// DB scan: there is no "pending row" to re-query here, only the live
// stream of unmatched envelopes passing through the engine.
type OrphanTracker struct {
	mu           sync.Mutex
	grace        time.Duration
	firstSeen    map[string]time.Time // topic -> first unmatched envelope time
	totalOrphans int
}

// NewOrphanTracker constructs a tracker with the given grace period before
// an unmatched topic is considered persistently orphaned rather than a
// transient contract-rollout mismatch.
func NewOrphanTracker(grace time.Duration) *OrphanTracker {
	return &OrphanTracker{grace: grace, firstSeen: make(map[string]time.Time)}
}

// Observe records one orphan sighting for topic and returns whether the
// grace period has elapsed since the first sighting on this topic.
func (t *OrphanTracker) Observe(topic, eventID string) (pastGrace bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	first, ok := t.firstSeen[topic]
	if !ok {
		t.firstSeen[topic] = now
		first = now
	}
	t.totalOrphans++
	return now.Sub(first) >= t.grace
}

// TotalOrphans returns the cumulative count of unmatched envelopes seen.
func (t *OrphanTracker) TotalOrphans() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalOrphans
}

// extractOperation pulls a top-level "operation" string field out of a raw
// JSON payload, for topics whose routing strategy is operation_match
// (spec.md §4.7).
func extractOperation(raw json.RawMessage) (string, bool) {
	var body struct {
		Operation string `json:"operation"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Operation == "" {
		return "", false
	}
	return body.Operation, true
}
