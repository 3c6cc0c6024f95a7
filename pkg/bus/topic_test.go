package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic_BuildsGrammarConformantName(t *testing.T) {
	got := Topic("prod", KindEvt, "omniintelligence", "pattern-promoted", 1)
	assert.Equal(t, "prod.onex.evt.omniintelligence.pattern-promoted.v1", got)
}

func TestDLQTopic(t *testing.T) {
	assert.Equal(t, "prod.onex.evt.omniintelligence.pattern-promoted.v1.dlq",
		DLQTopic("prod.onex.evt.omniintelligence.pattern-promoted.v1"))
	assert.True(t, IsDLQTopic("prod.onex.evt.omniintelligence.pattern-promoted.v1.dlq"))
	assert.False(t, IsDLQTopic("prod.onex.evt.omniintelligence.pattern-promoted.v1"))
}

func TestParseTopic_RoundTrips(t *testing.T) {
	topic := Topic("staging", KindCmd, "omniintelligence", "session-outcome", 1)
	parsed, err := ParseTopic(topic)
	require.NoError(t, err)
	assert.Equal(t, "staging", parsed.Env)
	assert.Equal(t, KindCmd, parsed.Kind)
	assert.Equal(t, "omniintelligence", parsed.Producer)
	assert.Equal(t, "session-outcome", parsed.EventName)
	assert.Equal(t, 1, parsed.Version)
}

func TestParseTopic_RejectsMalformed(t *testing.T) {
	_, err := ParseTopic("not-a-topic")
	require.Error(t, err)

	_, err = ParseTopic("prod.onex.weird.omniintelligence.thing.v1")
	require.Error(t, err)

	_, err = ParseTopic("prod.onex.evt.omniintelligence.thing.nope")
	require.Error(t, err)
}
