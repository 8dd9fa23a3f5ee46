package party

import (
	"testing"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDBytesRoundTrip(t *testing.T) {
	for _, id := range []ID{1, 2, 255, 256, 65535} {
		got, err := FromBytes(id.Bytes())
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestIDScalar(t *testing.T) {
	one := ID(1).Scalar()
	two := ID(2).Scalar()
	sum := edwards25519.NewScalar().Add(one, one)
	assert.Equal(t, 1, sum.Equal(two))
}

func TestLagrangeInterpolation(t *testing.T) {
	// f(X) = 42 + 7X; shares at 1, 2, 3 must reconstruct f(0) from any two
	constant := scalarFromUint(t, 42)
	slope := scalarFromUint(t, 7)

	eval := func(id ID) *edwards25519.Scalar {
		out := edwards25519.NewScalar().Multiply(slope, id.Scalar())
		return out.Add(out, constant)
	}

	ids := NewIDSlice([]ID{2, 1})
	secret := edwards25519.NewScalar()
	for _, id := range ids {
		lambda, err := id.Lagrange(ids)
		require.NoError(t, err)
		secret.MultiplyAdd(lambda, eval(id), secret)
	}
	assert.Equal(t, 1, secret.Equal(constant))
}

func TestLagrangeNotInSet(t *testing.T) {
	_, err := ID(4).Lagrange(NewIDSlice([]ID{1, 2, 3}))
	assert.Error(t, err)
}

func TestIDSlice(t *testing.T) {
	ids := NewIDSlice([]ID{3, 1, 2})
	assert.Equal(t, IDSlice{1, 2, 3}, ids)
	assert.True(t, ids.Contains(2))
	assert.False(t, ids.Contains(4))
	assert.True(t, IDSlice{1, 3}.IsSubsetOf(ids))
	assert.False(t, IDSlice{1, 4}.IsSubsetOf(ids))
}

func scalarFromUint(t *testing.T, n uint16) *edwards25519.Scalar {
	t.Helper()
	return ID(n).Scalar()
}
