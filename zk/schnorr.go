// Package zk implements the Schnorr proof of knowledge used during the
// first round of distributed key generation.
package zk

import (
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/bartke/frost-rendezvous/party"
)

const domainSeparation = "FROST-SchnorrPoK-SHA512"

// Schnorr is a non-interactive proof of knowledge of the discrete log of
// a public point, bound to the prover's party ID and a session context.
type Schnorr struct {
	// R = [k]•B for the random nonce k
	R edwards25519.Point
	// Z = k + secret • c where c is the challenge
	Z edwards25519.Scalar
}

// NewSchnorrProof proves knowledge of secret such that public = [secret]•B.
func NewSchnorrProof(id party.ID, public *edwards25519.Point, ctx []byte, secret *edwards25519.Scalar) *Schnorr {
	var proof Schnorr

	randomBytes := make([]byte, 64)
	if _, err := rand.Read(randomBytes); err != nil {
		panic(fmt.Errorf("zk: failed to generate random Scalar: %w", err))
	}
	k, _ := edwards25519.NewScalar().SetUniformBytes(randomBytes)

	proof.R.ScalarBaseMult(k)

	c := challenge(id, public, &proof.R, ctx)
	// z = k + secret • c
	proof.Z.MultiplyAdd(secret, c, k)
	return &proof
}

// Verify checks that the proof is valid for the given ID, public point and
// context.
func (p *Schnorr) Verify(id party.ID, public *edwards25519.Point, ctx []byte) bool {
	if public.Equal(edwards25519.NewIdentityPoint()) == 1 {
		return false
	}

	c := challenge(id, public, &p.R, ctx)

	// R' = [z]•B - [c]•public
	cNeg := edwards25519.NewScalar().Negate(c)
	expected := edwards25519.NewIdentityPoint().VarTimeDoubleScalarBaseMult(cNeg, public, &p.Z)

	return expected.Equal(&p.R) == 1
}

func challenge(id party.ID, public, r *edwards25519.Point, ctx []byte) *edwards25519.Scalar {
	h := sha512.New()
	h.Write([]byte(domainSeparation))
	h.Write(id.Bytes())
	h.Write(public.Bytes())
	h.Write(r.Bytes())
	h.Write(ctx)

	digest := h.Sum(nil)
	c, _ := edwards25519.NewScalar().SetUniformBytes(digest)
	return c
}

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (p *Schnorr) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, p.R.Bytes()...)
	buf = append(buf, p.Z.Bytes()...)
	return buf, nil
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.
func (p *Schnorr) UnmarshalBinary(data []byte) error {
	if len(data) != 64 {
		return errors.New("zk: wrong proof length")
	}
	if _, err := p.R.SetBytes(data[:32]); err != nil {
		return err
	}
	if _, err := p.Z.SetCanonicalBytes(data[32:]); err != nil {
		return err
	}
	return nil
}
