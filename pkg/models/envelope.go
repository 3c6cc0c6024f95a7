package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the uniform JSON frame wrapping every message on the bus
// (spec.md §6). Unknown top-level fields are rejected by UnmarshalEnvelope;
// unknown fields inside Payload are preserved pass-through since Payload is
// raw JSON.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	SchemaVersion  int             `json:"schema_version"`
	CorrelationID  string          `json:"correlation_id"`
	SessionID      *string         `json:"session_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Payload        json.RawMessage `json:"payload"`
}

// NewEnvelope builds an Envelope with a fresh event_id, stamping
// correlationID through (or minting one if empty, for the first hop in a
// chain of causation).
func NewEnvelope(eventType string, schemaVersion int, correlationID, sessionID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		SchemaVersion: schemaVersion,
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		Payload:       raw,
	}
	if sessionID != "" {
		env.SessionID = &sessionID
	}
	return env, nil
}

// envelopeFields is the exhaustive set of allowed top-level keys; used to
// reject unknown fields per spec.md §6 ("Unknown fields on the envelope are
// rejected").
var envelopeFields = map[string]bool{
	"event_id": true, "event_type": true, "schema_version": true,
	"correlation_id": true, "session_id": true, "occurred_at": true, "payload": true,
}

// UnmarshalEnvelope parses raw bytes into an Envelope, rejecting any
// top-level field not in the stable schema (spec.md §6). Returns a
// validation error (not a Classified one — callers decide dispatch kind).
func UnmarshalEnvelope(raw []byte) (Envelope, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Envelope{}, fmt.Errorf("envelope is not a JSON object: %w", err)
	}
	for k := range generic {
		if !envelopeFields[k] {
			return Envelope{}, fmt.Errorf("unknown envelope field %q", k)
		}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the envelope's required fields and formats.
func (e Envelope) Validate() error {
	if _, err := uuid.Parse(e.EventID); err != nil {
		return fmt.Errorf("event_id must be a UUID: %w", err)
	}
	if _, err := uuid.Parse(e.CorrelationID); err != nil {
		return fmt.Errorf("correlation_id must be a UUID: %w", err)
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.SchemaVersion < 1 {
		return fmt.Errorf("schema_version must be >= 1")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}

// Marshal serializes the envelope back to JSON for publication.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
