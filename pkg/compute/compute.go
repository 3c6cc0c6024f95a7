// Package compute holds the pure extractor/scorer functions invoked by
// handlers (spec.md C10). Nothing here touches the database or the bus;
// every function is a deterministic transform over its inputs, mirroring
// the teacher's treatment of masking/transform helpers in pkg/masking as
// side-effect-free utilities.
package compute

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// QualityDeltaConfig names the per-event quality_score adjustments as
// configurable knobs rather than magic numbers (ticket OMN-2270).
type QualityDeltaConfig struct {
	ViolationDecrement float64
	SuccessIncrement   float64
}

// DefaultQualityDeltaConfig matches spec.md §6's documented defaults.
func DefaultQualityDeltaConfig() QualityDeltaConfig {
	return QualityDeltaConfig{
		ViolationDecrement: 0.01,
		SuccessIncrement:   0.002,
	}
}

// NormalizeBody canonicalizes a pattern body for signature hashing:
// trims surrounding whitespace, collapses internal runs of whitespace to a
// single space, and lower-cases ASCII letters. Two patterns differing only
// in incidental formatting hash identically.
func NormalizeBody(body string) string {
	fields := strings.Fields(body)
	return strings.ToLower(strings.Join(fields, " "))
}

// SignatureHash computes the content-addressed dedup key for a pattern:
// blake2b-256 over the normalized body and an explicit version tag
// (spec.md §3: "content-addressed blake2/sha over normalized pattern body
// + version tag"). versionTag lets a deliberate extraction-algorithm
// change mint new signatures without colliding with pre-change patterns.
func SignatureHash(body, versionTag string) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("init blake2b: %w", err)
	}
	h.Write([]byte(NormalizeBody(body)))
	h.Write([]byte{0})
	h.Write([]byte(versionTag))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ExtractedPattern is the output of ExtractPattern: a normalized body plus
// the metadata the Pattern Store persists alongside it.
type ExtractedPattern struct {
	Body          string
	SignatureHash string
	Metadata      map[string]any
}

// ExtractPattern derives a normalized, content-addressed pattern from a raw
// hook event body. The real mining algorithm (clustering/embedding/NLP) is
// an external collaborator per spec.md §1; this is the deterministic
// shaping step the core itself owns.
func ExtractPattern(rawBody string, versionTag string, metadata map[string]any) (ExtractedPattern, error) {
	normalized := NormalizeBody(rawBody)
	if normalized == "" {
		return ExtractedPattern{}, fmt.Errorf("empty pattern body after normalization")
	}
	hash, err := SignatureHash(normalized, versionTag)
	if err != nil {
		return ExtractedPattern{}, err
	}
	return ExtractedPattern{
		Body:          normalized,
		SignatureHash: hash,
		Metadata:      metadata,
	}, nil
}

// ScoreQuality combines a base quality signal with session-outcome deltas,
// clamped to [0.0, 1.0] (invariant 4). confirmedViolations and
// positiveContributions are counts attributed to the pattern since the
// last score.
func ScoreQuality(current float64, confirmedViolations, positiveContributions int, cfg QualityDeltaConfig) float64 {
	delta := -cfg.ViolationDecrement*float64(confirmedViolations) + cfg.SuccessIncrement*float64(positiveContributions)
	return clamp01(current + delta)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0.0:
		return 0.0
	case v > 1.0:
		return 1.0
	default:
		return v
	}
}

// IntentKind is the coarse classification ClassifyIntent assigns to an
// incoming hook event.
type IntentKind string

const (
	IntentUnknown     IntentKind = "unknown"
	IntentPatternable IntentKind = "patternable"
	IntentDiagnostic  IntentKind = "diagnostic"
	IntentAdministrative IntentKind = "administrative"
)

// ClassifyIntent inspects a payload's event_type and free-form tags and
// picks a coarse intent bucket, a cheap stand-in for the excluded NLP
// classifier (spec.md §1).
func ClassifyIntent(eventType string, tags []string) IntentKind {
	switch {
	case strings.HasPrefix(eventType, "admin-"), eventType == "pattern-lifecycle":
		return IntentAdministrative
	case strings.HasPrefix(eventType, "pattern-"):
		return IntentPatternable
	case containsAny(tags, "diagnostic", "trace", "debug"):
		return IntentDiagnostic
	case eventType == "":
		return IntentUnknown
	default:
		return IntentPatternable
	}
}

func containsAny(tags []string, targets ...string) bool {
	set := make(map[string]bool, len(targets))
	for _, t := range targets {
		set[t] = true
	}
	for _, tag := range tags {
		if set[strings.ToLower(tag)] {
			return true
		}
	}
	return false
}

// TraceSpan is one parsed entry from a raw trace payload.
type TraceSpan struct {
	Name     string
	Sequence int
	Attrs    map[string]string
}

// ParseTrace turns a loosely-structured trace payload (ordered
// name/attribute pairs) into normalized spans, sorted by sequence. Unknown
// attribute keys are preserved, matching the envelope's "unknown fields on
// payload preserved pass-through" rule (spec.md §6).
func ParseTrace(raw []map[string]any) ([]TraceSpan, error) {
	spans := make([]TraceSpan, 0, len(raw))
	for i, entry := range raw {
		name, _ := entry["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("trace entry %d missing name", i)
		}
		attrs := make(map[string]string)
		for k, v := range entry {
			if k == "name" || k == "sequence" {
				continue
			}
			attrs[k] = fmt.Sprintf("%v", v)
		}
		seq := i
		if s, ok := entry["sequence"].(float64); ok {
			seq = int(s)
		}
		spans = append(spans, TraceSpan{Name: name, Sequence: seq, Attrs: attrs})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Sequence < spans[j].Sequence })
	return spans, nil
}

// LifecycleSnapshot is the compact projection ReduceLifecycleSnapshot
// produces for logging and event payloads; it deliberately excludes the
// full metadata map to keep emitted envelopes small.
type LifecycleSnapshot struct {
	PatternID       string
	SignatureHash   string
	LifecycleStatus string
	QualityScore    float64
	EvidenceTier    string
}

// ReduceLifecycleSnapshot builds the compact projection an emitted
// pattern-promoted/pattern-deprecated event carries in its payload.
func ReduceLifecycleSnapshot(patternID, signatureHash, status string, quality float64, tier string) LifecycleSnapshot {
	return LifecycleSnapshot{
		PatternID:       patternID,
		SignatureHash:   signatureHash,
		LifecycleStatus: status,
		QualityScore:    clamp01(quality),
		EvidenceTier:    tier,
	}
}

// StableDigest fingerprints arbitrary string content as hex-encoded sha256,
// for content addressing other than the pattern dedup key (which uses
// blake2b). No package in this module calls it.
func StableDigest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
