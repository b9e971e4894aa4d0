package tier

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTier_String(t *testing.T) {
	assert.Equal(t, "fast", Fast.String())
	assert.Equal(t, "medium", Medium.String())
	assert.Equal(t, "strong", Strong.String())
	assert.Equal(t, "unknown", Tier(99).String())
}

func TestParse(t *testing.T) {
	for _, tr := range All() {
		parsed, err := Parse(tr.String())
		require.NoError(t, err)
		assert.Equal(t, tr, parsed)
	}

	_, err := Parse("opus")
	assert.Error(t, err)

	_, err = Parse("")
	assert.Error(t, err)
}

func TestTier_Valid(t *testing.T) {
	assert.True(t, Fast.Valid())
	assert.True(t, Strong.Valid())
	assert.False(t, Tier(-1).Valid())
	assert.False(t, Tier(3).Valid())
}

func TestDistance(t *testing.T) {
	assert.Equal(t, 0, Distance(Fast, Fast))
	assert.Equal(t, 1, Distance(Fast, Medium))
	assert.Equal(t, 2, Distance(Fast, Strong))
	assert.Equal(t, 2, Distance(Strong, Fast))
}

func TestTier_JSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(Medium)
	require.NoError(t, err)
	assert.Equal(t, `"medium"`, string(data))

	var back Tier
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Medium, back)

	var bad Tier
	assert.Error(t, json.Unmarshal([]byte(`"sonnet"`), &bad))
}
