package handlers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReshapeClaudeHookLegacy_NestsFlatPayload(t *testing.T) {
	flat := `{
		"event_id": "11111111-1111-1111-1111-111111111111",
		"event_type": "claude.hook.pre_tool_use",
		"schema_version": 1,
		"correlation_id": "22222222-2222-2222-2222-222222222222",
		"occurred_at": "2026-01-01T00:00:00Z",
		"session_id": "33333333-3333-3333-3333-333333333333",
		"tool_name": "Bash",
		"raw_body": "echo hi"
	}`

	out, err := ReshapeClaudeHookLegacy([]byte(flat))
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &decoded))

	assert.Contains(t, decoded, "payload")
	assert.Contains(t, decoded, "session_id")

	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(decoded["payload"], &payload))
	assert.Contains(t, payload, "tool_name")
	assert.Contains(t, payload, "raw_body")
	assert.NotContains(t, payload, "event_id")
	assert.NotContains(t, payload, "correlation_id")
}

func TestReshapeClaudeHookLegacy_PassesThroughAlreadyNested(t *testing.T) {
	nested := `{
		"event_id": "11111111-1111-1111-1111-111111111111",
		"event_type": "claude.hook.pre_tool_use",
		"schema_version": 1,
		"correlation_id": "22222222-2222-2222-2222-222222222222",
		"occurred_at": "2026-01-01T00:00:00Z",
		"payload": {"tool_name": "Bash"}
	}`

	out, err := ReshapeClaudeHookLegacy([]byte(nested))
	require.NoError(t, err)
	assert.JSONEq(t, nested, string(out))
}

func TestReshapeClaudeHookLegacy_FillsMissingEnvelopeFields(t *testing.T) {
	minimal := `{"event_type": "claude.hook.pre_tool_use", "tool_name": "Bash"}`

	out, err := ReshapeClaudeHookLegacy([]byte(minimal))
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &decoded))

	for _, field := range []string{"event_id", "correlation_id", "schema_version", "occurred_at", "payload"} {
		assert.Contains(t, decoded, field, "expected %s to be populated", field)
	}

	var eventID string
	require.NoError(t, json.Unmarshal(decoded["event_id"], &eventID))
	assert.NotEmpty(t, eventID)

	var version int
	require.NoError(t, json.Unmarshal(decoded["schema_version"], &version))
	assert.Equal(t, 1, version)
}

func TestReshapeClaudeHookLegacy_RejectsNonObjectInput(t *testing.T) {
	_, err := ReshapeClaudeHookLegacy([]byte(`[1, 2, 3]`))
	assert.Error(t, err)
}
