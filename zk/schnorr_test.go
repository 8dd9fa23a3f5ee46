package zk

import (
	"crypto/rand"
	"testing"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartke/frost-rendezvous/party"
)

func randomScalar(t *testing.T) *edwards25519.Scalar {
	t.Helper()
	buf := make([]byte, 64)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	s, err := edwards25519.NewScalar().SetUniformBytes(buf)
	require.NoError(t, err)
	return s
}

func TestSchnorrProof(t *testing.T) {
	secret := randomScalar(t)
	public := edwards25519.NewIdentityPoint().ScalarBaseMult(secret)
	ctx := make([]byte, 32)

	proof := NewSchnorrProof(42, public, ctx, secret)
	assert.True(t, proof.Verify(42, public, ctx))

	// bound to the prover's identity
	assert.False(t, proof.Verify(43, public, ctx))

	// bound to the context
	other := make([]byte, 32)
	other[0] = 1
	assert.False(t, proof.Verify(42, public, other))
}

func TestSchnorrProofWrongKey(t *testing.T) {
	secret := randomScalar(t)
	public := edwards25519.NewIdentityPoint().ScalarBaseMult(secret)
	ctx := make([]byte, 32)

	wrong := randomScalar(t)
	proof := NewSchnorrProof(1, public, ctx, wrong)
	assert.False(t, proof.Verify(1, public, ctx))
}

func TestSchnorrMarshalRoundTrip(t *testing.T) {
	secret := randomScalar(t)
	public := edwards25519.NewIdentityPoint().ScalarBaseMult(secret)
	ctx := make([]byte, 32)

	proof := NewSchnorrProof(party.ID(7), public, ctx, secret)
	data, err := proof.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, 64)

	var back Schnorr
	require.NoError(t, back.UnmarshalBinary(data))
	assert.True(t, back.Verify(party.ID(7), public, ctx))
}
