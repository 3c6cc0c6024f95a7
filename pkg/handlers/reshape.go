package handlers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// legacyEnvelopeFields are the top-level keys a flat claude-hook-event
// payload may carry at the envelope level; everything else on the flat
// object belongs under payload (spec.md §4.7 step 3: "certain hook
// sources emit flat JSON that must be nested before the typed envelope
// validates").
var legacyEnvelopeFields = map[string]bool{
	"event_id": true, "event_type": true, "schema_version": true,
	"correlation_id": true, "occurred_at": true,
}

// ReshapeClaudeHookLegacy nests a flat claude-hook payload into the
// standard envelope shape: {event_id, event_type, ..., payload: {...}}.
// Older hook integrations emit session_id/raw_body/tags/metadata
// alongside the envelope fields instead of under a payload key; this
// reshape separates the two before models.UnmarshalEnvelope runs.
func ReshapeClaudeHookLegacy(raw []byte) ([]byte, error) {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("legacy claude-hook payload is not a JSON object: %w", err)
	}

	// Already-nested envelopes (current producers) pass through untouched.
	if _, hasPayload := flat["payload"]; hasPayload {
		return raw, nil
	}

	envelope := make(map[string]json.RawMessage, 6)
	payload := make(map[string]json.RawMessage, len(flat))
	for k, v := range flat {
		if legacyEnvelopeFields[k] {
			envelope[k] = v
			continue
		}
		payload[k] = v
	}

	if _, ok := envelope["event_id"]; !ok {
		envelope["event_id"] = quoteJSON(uuid.NewString())
	}
	if _, ok := envelope["correlation_id"]; !ok {
		envelope["correlation_id"] = quoteJSON(uuid.NewString())
	}
	if _, ok := envelope["schema_version"]; !ok {
		envelope["schema_version"] = json.RawMessage("1")
	}
	if _, ok := envelope["occurred_at"]; !ok {
		envelope["occurred_at"] = quoteJSON(time.Now().UTC().Format(time.RFC3339Nano))
	}
	if sessionID, ok := flat["session_id"]; ok {
		envelope["session_id"] = sessionID
	}

	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal reshaped payload: %w", err)
	}
	envelope["payload"] = payloadRaw

	out, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal reshaped envelope: %w", err)
	}
	return out, nil
}

func quoteJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
