package envelope

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/xid"
)

func newActor(t *testing.T) *xid.PrivateDocument {
	t.Helper()
	pd, err := xid.NewPrivateDocument(rand.Reader)
	require.NoError(t, err)
	return pd
}

func lookupFor(actors ...*xid.PrivateDocument) Lookup {
	return func(x xid.XID) (*xid.Document, bool) {
		for _, a := range actors {
			if a.XID() == x {
				return a.Public(""), true
			}
		}
		return nil, false
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	alice := newActor(t)
	bob := newActor(t)

	plaintext := []byte("for bob only")
	sealed, err := SealBytes(bob.Public(""), plaintext)
	require.NoError(t, err)

	opened, err := OpenBytes(bob, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	// not addressed to alice
	_, err = OpenBytes(alice, sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestRequestRoundTrip(t *testing.T) {
	alice := newActor(t)
	bob := newActor(t)
	carol := newActor(t)

	params := Params{}
	require.NoError(t, params.Set("charter", "the club"))
	require.NoError(t, params.Set("minSigners", uint16(2)))

	req := &Request{
		Function:     FnDKGGroupInvite,
		Params:       params,
		ValidUntil:   time.Now().Add(time.Hour),
		Continuation: []byte("opaque"),
	}
	data, err := EncodeRequest(req, alice, []*xid.Document{bob.Public(""), carol.Public("")})
	require.NoError(t, err)
	require.False(t, req.RequestID.IsZero())

	// both recipients can decode and both see the same content
	for _, me := range []*xid.PrivateDocument{bob, carol} {
		got, err := DecodeRequest(data, me, lookupFor(alice))
		require.NoError(t, err)
		assert.Equal(t, FnDKGGroupInvite, got.Function)
		assert.Equal(t, req.RequestID, got.RequestID)
		assert.Equal(t, alice.XID(), got.Sender)
		assert.Equal(t, []byte("opaque"), got.Continuation)

		var charter string
		require.NoError(t, got.Params.Get("charter", &charter))
		assert.Equal(t, "the club", charter)
		var m uint16
		require.NoError(t, got.Params.Get("minSigners", &m))
		assert.Equal(t, uint16(2), m)
	}

	// a non-recipient cannot decrypt
	dave := newActor(t)
	_, err = DecodeRequest(data, dave, lookupFor(alice))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestRequestUnknownSender(t *testing.T) {
	alice := newActor(t)
	bob := newActor(t)

	req := &Request{Function: FnDKGRound2, Params: Params{}}
	data, err := EncodeRequest(req, alice, []*xid.Document{bob.Public("")})
	require.NoError(t, err)

	// bob does not know alice
	_, err = DecodeRequest(data, bob, lookupFor(bob))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestRequestExpired(t *testing.T) {
	alice := newActor(t)
	bob := newActor(t)

	req := &Request{
		Function:   FnSignCommit,
		Params:     Params{},
		ValidUntil: time.Now().Add(-time.Minute),
	}
	data, err := EncodeRequest(req, alice, []*xid.Document{bob.Public("")})
	require.NoError(t, err)

	_, err = DecodeRequest(data, bob, lookupFor(alice))
	assert.ErrorIs(t, err, ErrExpired)
}

func TestResponseRoundTrip(t *testing.T) {
	alice := newActor(t)
	bob := newActor(t)

	requestID := arid.New()
	result := Params{}
	require.NoError(t, result.Set("identifier", uint16(1)))

	resp := &Response{
		RequestID:    requestID,
		Result:       result,
		Continuation: []byte("echo"),
	}
	data, err := EncodeResponse(resp, bob, alice.Public(""))
	require.NoError(t, err)

	got, err := DecodeResponse(data, alice, lookupFor(bob))
	require.NoError(t, err)
	assert.Equal(t, requestID, got.RequestID)
	assert.Equal(t, bob.XID(), got.Sender)
	assert.False(t, got.IsError())
	assert.Equal(t, []byte("echo"), got.Continuation)
}

func TestErrorResponse(t *testing.T) {
	alice := newActor(t)
	bob := newActor(t)

	resp := &Response{RequestID: arid.New(), Err: "busy"}
	data, err := EncodeResponse(resp, bob, alice.Public(""))
	require.NoError(t, err)

	got, err := DecodeResponse(data, alice, lookupFor(bob))
	require.NoError(t, err)
	assert.True(t, got.IsError())
	assert.Equal(t, "busy", got.Err)
}

func TestEnvelopeDigestAndUR(t *testing.T) {
	e := NewString("hello world")
	digest := e.SubjectDigest()

	back, err := ParseUR(e.UR())
	require.NoError(t, err)
	assert.Equal(t, digest, back.SubjectDigest())

	s, err := back.SubjectString()
	require.NoError(t, err)
	assert.Equal(t, "hello world", s)

	// assertions change the envelope digest but not the subject digest
	require.NoError(t, e.AddAssertion("note", "annotated"))
	assert.Equal(t, digest, e.SubjectDigest())
}

func TestAttachSignature(t *testing.T) {
	signer := newActor(t)
	e := NewString("hello world")
	digest := e.SubjectDigest()

	sig := signer.Sign(digest[:])
	require.NoError(t, e.AttachSignature(sig, signer.SigningKey))
	require.NoError(t, e.VerifyAttached(signer.SigningKey))
	require.NoError(t, e.VerifyAttached(nil))

	// verification is bound to the subject
	tampered := NewString("other subject")
	require.NoError(t, tampered.AttachSignature(sig, signer.SigningKey))
	assert.ErrorIs(t, tampered.VerifyAttached(signer.SigningKey), ErrAuthenticationFailed)
}

func TestUnsignedVerifyFails(t *testing.T) {
	e := NewString("nothing attached")
	assert.ErrorIs(t, e.VerifyAttached(nil), ErrNotSigned)
}
