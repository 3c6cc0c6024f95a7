package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureHashStableAcrossFormatting(t *testing.T) {
	a, err := SignatureHash("  Retry   on   timeout  ", "v1")
	require.NoError(t, err)
	b, err := SignatureHash("retry on timeout", "v1")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSignatureHashDiffersByVersionTag(t *testing.T) {
	a, err := SignatureHash("retry on timeout", "v1")
	require.NoError(t, err)
	b, err := SignatureHash("retry on timeout", "v2")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestExtractPatternRejectsEmptyBody(t *testing.T) {
	_, err := ExtractPattern("   ", "v1", nil)
	assert.Error(t, err)
}

func TestScoreQualityClampsBounds(t *testing.T) {
	cfg := DefaultQualityDeltaConfig()
	assert.Equal(t, 0.0, ScoreQuality(0.0, 5, 0, cfg))
	assert.Equal(t, 1.0, ScoreQuality(1.0, 0, 500, cfg))
}

func TestScoreQualityFiftyViolationsHalvesFromOne(t *testing.T) {
	cfg := DefaultQualityDeltaConfig()
	got := ScoreQuality(1.0, 50, 0, cfg)
	assert.InDelta(t, 0.5, got, 1e-9)
}

func TestClassifyIntent(t *testing.T) {
	assert.Equal(t, IntentPatternable, ClassifyIntent("pattern-stored", nil))
	assert.Equal(t, IntentAdministrative, ClassifyIntent("pattern-lifecycle", nil))
	assert.Equal(t, IntentDiagnostic, ClassifyIntent("hook-event", []string{"trace"}))
	assert.Equal(t, IntentUnknown, ClassifyIntent("", nil))
}

func TestParseTraceSortsBySequence(t *testing.T) {
	raw := []map[string]any{
		{"name": "b", "sequence": float64(2)},
		{"name": "a", "sequence": float64(1)},
	}
	spans, err := ParseTrace(raw)
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, "a", spans[0].Name)
	assert.Equal(t, "b", spans[1].Name)
}

func TestParseTraceRejectsMissingName(t *testing.T) {
	_, err := ParseTrace([]map[string]any{{"sequence": float64(1)}})
	assert.Error(t, err)
}
