package eddsa

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartke/frost-rendezvous/party"
)

const sampleMessage = "This is a test for FROST"

func generateShare(t *testing.T) *SecretShare {
	t.Helper()
	buf := make([]byte, 64)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	secret, err := edwards25519.NewScalar().SetUniformBytes(buf)
	require.NoError(t, err)
	return NewSecretShare(1, secret)
}

func TestSignature_Verify(t *testing.T) {
	share := generateShare(t)
	pk := NewPublicKeyFromPoint(&share.Public)
	sig := share.Sign([]byte(sampleMessage))

	// Check that signature verifies
	require.True(t, pk.Verify([]byte(sampleMessage), sig), "failed to validate signature")

	// Check using ed25519.Verify
	assert.True(t, ed25519.Verify(pk.ToEd25519(), []byte(sampleMessage), sig.ToEd25519()))

	// A different message must not verify
	assert.False(t, pk.Verify([]byte("other message"), sig))
}

func TestSignatureMarshalRoundTrip(t *testing.T) {
	share := generateShare(t)
	sig := share.Sign([]byte(sampleMessage))

	data, err := sig.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, 64)

	var back Signature
	require.NoError(t, back.UnmarshalBinary(data))
	pk := NewPublicKeyFromPoint(&share.Public)
	assert.True(t, pk.Verify([]byte(sampleMessage), &back))
}

func TestSecretShareMarshalRoundTrip(t *testing.T) {
	share := generateShare(t)
	data, err := share.MarshalBinary()
	require.NoError(t, err)

	var back SecretShare
	require.NoError(t, back.UnmarshalBinary(data))
	assert.Equal(t, share.ID, back.ID)
	assert.Equal(t, 1, share.Secret.Equal(&back.Secret))
	assert.Equal(t, 1, share.Public.Equal(&back.Public))
}

func TestPublicJSONRoundTrip(t *testing.T) {
	s1 := generateShare(t)
	s2 := generateShare(t)

	pub := &Public{
		PartyIDs:  party.IDSlice{1, 2},
		Threshold: 2,
		Shares: map[party.ID]*edwards25519.Point{
			1: &s1.Public,
			2: &s2.Public,
		},
		GroupKey: NewPublicKeyFromPoint(&s1.Public),
	}

	data, err := pub.MarshalJSON()
	require.NoError(t, err)

	var back Public
	require.NoError(t, back.UnmarshalJSON(data))
	assert.True(t, pub.Equal(&back))

	// the encoding is deterministic, so equal packages are byte-equal
	data2, err := back.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, data, data2)
}
