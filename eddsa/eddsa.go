// Package eddsa holds the key and signature types shared by key generation
// and signing. Aggregated signatures are standard Ed25519 signatures and
// verify with crypto/ed25519.
package eddsa

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"

	"filippo.io/edwards25519"

	"github.com/bartke/frost-rendezvous/party"
)

// PublicKey wraps an edwards25519 point.
type PublicKey struct {
	Point edwards25519.Point
}

// NewPublicKeyFromPoint returns the PublicKey for the given point.
func NewPublicKeyFromPoint(p *edwards25519.Point) *PublicKey {
	var pk PublicKey
	pk.Point.Set(p)
	return &pk
}

// NewPublicKeyFromBytes decodes a 32 byte compressed point.
func NewPublicKeyFromBytes(b []byte) (*PublicKey, error) {
	var pk PublicKey
	if _, err := pk.Point.SetBytes(b); err != nil {
		return nil, err
	}
	return &pk, nil
}

// ToEd25519 returns the public key in the format expected by crypto/ed25519.
func (pk *PublicKey) ToEd25519() ed25519.PublicKey {
	return pk.Point.Bytes()
}

func (pk *PublicKey) Equal(other *PublicKey) bool {
	return pk.Point.Equal(&other.Point) == 1
}

// Verify checks the Schnorr signature over message under pk.
func (pk *PublicKey) Verify(message []byte, sig *Signature) bool {
	c := ComputeChallenge(&sig.R, pk, message)

	// R' = [z]•B - [c]•A must equal R
	cNeg := edwards25519.NewScalar().Negate(c)
	RPrime := edwards25519.NewIdentityPoint().VarTimeDoubleScalarBaseMult(cNeg, &pk.Point, &sig.S)
	return RPrime.Equal(&sig.R) == 1
}

func (pk *PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(pk.Point.Bytes()))
}

func (pk *PublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	_, err = pk.Point.SetBytes(b)
	return err
}

// Signature is a Schnorr signature (R, S). The challenge is the standard
// Ed25519 challenge SHA-512(R ∥ A ∥ M), so ToEd25519 yields a signature
// that crypto/ed25519 accepts.
type Signature struct {
	R edwards25519.Point
	S edwards25519.Scalar
}

// ToEd25519 returns the 64 byte R ∥ S wire form.
func (sig *Signature) ToEd25519() []byte {
	out := make([]byte, 0, 64)
	out = append(out, sig.R.Bytes()...)
	out = append(out, sig.S.Bytes()...)
	return out
}

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (sig *Signature) MarshalBinary() ([]byte, error) {
	return sig.ToEd25519(), nil
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.
func (sig *Signature) UnmarshalBinary(data []byte) error {
	if len(data) != 64 {
		return errors.New("eddsa: wrong signature length")
	}
	if _, err := sig.R.SetBytes(data[:32]); err != nil {
		return err
	}
	if _, err := sig.S.SetCanonicalBytes(data[32:]); err != nil {
		return err
	}
	return nil
}

// ComputeChallenge computes the Ed25519 challenge
//
//	c = SHA-512(R ∥ A ∥ M) mod L
func ComputeChallenge(r *edwards25519.Point, groupKey *PublicKey, message []byte) *edwards25519.Scalar {
	h := sha512.New()
	h.Write(r.Bytes())
	h.Write(groupKey.Point.Bytes())
	h.Write(message)
	digest := h.Sum(nil)
	c, _ := edwards25519.NewScalar().SetUniformBytes(digest)
	return c
}

// SecretShare is a party's additive share of the group secret key.
type SecretShare struct {
	ID     party.ID
	Secret edwards25519.Scalar
	Public edwards25519.Point
}

// NewSecretShare builds the share for id with the given secret scalar.
func NewSecretShare(id party.ID, secret *edwards25519.Scalar) *SecretShare {
	var s SecretShare
	s.ID = id
	s.Secret.Set(secret)
	s.Public.ScalarBaseMult(secret)
	return &s
}

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (s *SecretShare) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, party.IDByteSize+64)
	buf = append(buf, s.ID.Bytes()...)
	buf = append(buf, s.Secret.Bytes()...)
	buf = append(buf, s.Public.Bytes()...)
	return buf, nil
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.
func (s *SecretShare) UnmarshalBinary(data []byte) error {
	if len(data) != party.IDByteSize+64 {
		return errors.New("eddsa: wrong secret share length")
	}
	id, err := party.FromBytes(data)
	if err != nil {
		return err
	}
	s.ID = id
	if _, err := s.Secret.SetCanonicalBytes(data[party.IDByteSize : party.IDByteSize+32]); err != nil {
		return err
	}
	if _, err := s.Public.SetBytes(data[party.IDByteSize+32:]); err != nil {
		return err
	}
	return nil
}

// sign produces a single-party signature with the share, used in tests to
// sanity-check the challenge computation.
func (s *SecretShare) Sign(message []byte) *Signature {
	var sig Signature

	// deterministic nonce: SHA-512(secret ∥ M)
	h := sha512.New()
	h.Write(s.Secret.Bytes())
	h.Write(message)
	nonce, _ := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))

	sig.R.ScalarBaseMult(nonce)

	pk := NewPublicKeyFromPoint(&s.Public)
	c := ComputeChallenge(&sig.R, pk, message)

	// S = nonce + c • secret
	sig.S.MultiplyAdd(c, &s.Secret, nonce)
	return &sig
}
