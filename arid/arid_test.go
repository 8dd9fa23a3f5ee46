package arid

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsUnique(t *testing.T) {
	seen := make(map[ARID]bool)
	for i := 0; i < 64; i++ {
		a := New()
		assert.False(t, seen[a])
		seen[a] = true
	}
}

func TestParseRoundTrip(t *testing.T) {
	a := New()

	fromHex, err := Parse(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, fromHex)

	fromUR, err := Parse(a.UR())
	require.NoError(t, err)
	assert.Equal(t, a, fromUR)
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse("not-hex")
	assert.Error(t, err)

	_, err = Parse("abcd")
	assert.Error(t, err)
}

func TestIsZero(t *testing.T) {
	var zero ARID
	assert.True(t, zero.IsZero())
	assert.False(t, New().IsZero())
}

func TestJSONRoundTrip(t *testing.T) {
	a := New()
	data, err := json.Marshal(a)
	require.NoError(t, err)

	var back ARID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, a, back)

	var empty ARID
	require.NoError(t, json.Unmarshal([]byte(`""`), &empty))
	assert.True(t, empty.IsZero())
}
