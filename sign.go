package frost

import (
	"crypto/sha512"
	"fmt"
	"sort"

	"filippo.io/edwards25519"

	"github.com/bartke/frost-rendezvous/eddsa"
	"github.com/bartke/frost-rendezvous/party"
)

// Nonces is the private output of SignRound1. It is single-use: it must be
// deleted after the corresponding signature share has been produced.
type Nonces struct {
	ID party.ID
	D  edwards25519.Scalar
	E  edwards25519.Scalar
}

// SigningCommitment is a party's round 1 commitment to its nonce pair.
type SigningCommitment struct {
	ID party.ID
	// Di = [d]•B
	Di edwards25519.Point
	// Ei = [e]•B
	Ei edwards25519.Point
}

func (c *SigningCommitment) Equal(other *SigningCommitment) bool {
	return c.ID == other.ID && c.Di.Equal(&other.Di) == 1 && c.Ei.Equal(&other.Ei) == 1
}

// SignatureShare is a party's round 2 contribution to the signature.
type SignatureShare struct {
	ID party.ID
	Zi edwards25519.Scalar
}

// SigningPackage binds the message digest and the commitments of every
// signer participating in a session.
type SigningPackage struct {
	Message     []byte
	Commitments map[party.ID]*SigningCommitment
}

// SignerIDs returns the sorted signer set of the package.
func (sp *SigningPackage) SignerIDs() party.IDSlice {
	ids := make([]party.ID, 0, len(sp.Commitments))
	for id := range sp.Commitments {
		ids = append(ids, id)
	}
	return party.NewIDSlice(ids)
}

// SignRound1 samples the nonce pair and produces the commitment to send to
// the coordinator.
func SignRound1(kp *KeyPackage) (*Nonces, *SigningCommitment, error) {
	n := &Nonces{ID: kp.ID}
	n.D.Set(randomScalar())
	n.E.Set(randomScalar())

	c := &SigningCommitment{ID: kp.ID}
	c.Di.ScalarBaseMult(&n.D)
	c.Ei.ScalarBaseMult(&n.E)
	return n, c, nil
}

// SignRound2 produces this party's signature share. The party's own
// commitment inside sp must be the one generated by SignRound1 with nonces;
// any discrepancy means the coordinator (or the transport) tampered with it.
func SignRound2(nonces *Nonces, sp *SigningPackage, kp *KeyPackage) (*SignatureShare, error) {
	if kp.ID != nonces.ID {
		return nil, fmt.Errorf("%w: nonces for %d used with key package %d", ErrIdentifierMismatch, nonces.ID, kp.ID)
	}
	own, ok := sp.Commitments[kp.ID]
	if !ok {
		return nil, fmt.Errorf("frost: signer %d absent from signing package", kp.ID)
	}

	var di, ei edwards25519.Point
	di.ScalarBaseMult(&nonces.D)
	ei.ScalarBaseMult(&nonces.E)
	if own.Di.Equal(&di) != 1 || own.Ei.Equal(&ei) != 1 {
		return nil, ErrCommitmentTamper
	}

	signerIDs := sp.SignerIDs()
	if party.Size(len(signerIDs)) < kp.Threshold {
		return nil, fmt.Errorf("frost: %d signers below threshold %d", len(signerIDs), kp.Threshold)
	}

	rhos := computeBindingFactors(sp)
	r := groupCommitment(sp, rhos, nil)

	c := eddsa.ComputeChallenge(r, kp.GroupKey, sp.Message)

	lagrange, err := kp.ID.Lagrange(signerIDs)
	if err != nil {
		return nil, err
	}

	// z = d + (e • ρ) + 𝛌 • s • c
	share := &SignatureShare{ID: kp.ID}
	share.Zi.Multiply(lagrange, &kp.SigningShare)
	share.Zi.Multiply(&share.Zi, c)
	share.Zi.MultiplyAdd(&nonces.E, rhos[kp.ID], &share.Zi)
	share.Zi.Add(&share.Zi, &nonces.D)
	return share, nil
}

// Aggregate combines the signature shares of every signer into the final
// signature, verifying each share against its party's verification share
// before summing. The resulting signature verifies with crypto/ed25519.
func Aggregate(sp *SigningPackage, shares map[party.ID]*SignatureShare, pub *PublicKeyPackage) (*eddsa.Signature, error) {
	signerIDs := sp.SignerIDs()
	if party.Size(len(signerIDs)) < pub.Threshold {
		return nil, fmt.Errorf("frost: %d signers below threshold %d", len(signerIDs), pub.Threshold)
	}
	if !signerIDs.IsSubsetOf(pub.PartyIDs) {
		return nil, fmt.Errorf("frost: signer set is not a subset of the group")
	}

	rhos := computeBindingFactors(sp)
	ris := make(map[party.ID]*edwards25519.Point, len(signerIDs))
	r := groupCommitment(sp, rhos, ris)

	c := eddsa.ComputeChallenge(r, pub.GroupKey, sp.Message)

	sig := &eddsa.Signature{}
	sig.R.Set(r)

	for _, id := range signerIDs {
		share, ok := shares[id]
		if !ok {
			return nil, fmt.Errorf("frost: no signature share from party %d", id)
		}
		if share.ID != id {
			return nil, fmt.Errorf("%w: share from %d keyed as %d", ErrIdentifierMismatch, share.ID, id)
		}

		lagrange, err := id.Lagrange(signerIDs)
		if err != nil {
			return nil, err
		}

		// verify the share: [z]•B == Ri + [c • 𝛌]•Y_id
		cl := edwards25519.NewScalar().Multiply(c, lagrange)
		clNeg := edwards25519.NewScalar().Negate(cl)
		expected := edwards25519.NewIdentityPoint().VarTimeDoubleScalarBaseMult(clNeg, pub.Shares[id], &share.Zi)
		if expected.Equal(ris[id]) != 1 {
			return nil, fmt.Errorf("%w: party %d", ErrSignatureShareInvalid, id)
		}

		sig.S.Add(&sig.S, &share.Zi)
	}

	if !pub.GroupKey.Verify(sp.Message, sig) {
		return nil, ErrSignatureInvalid
	}
	return sig, nil
}

// Verify checks an aggregated signature under the group key.
func Verify(message []byte, sig *eddsa.Signature, groupKey *eddsa.PublicKey) bool {
	return groupKey.Verify(message, sig)
}

// computeBindingFactors computes the binding factor ρ for every signer:
//
//	ρ_i = SHA-512("FROST-SHA512" ∥ i ∥ SHA-512(Message) ∥ B)
//
// where B is the concatenation of (j ∥ Dⱼ ∥ Eⱼ) for all signers j in sorted
// order. It must be identical for every party given the same package.
func computeBindingFactors(sp *SigningPackage) map[party.ID]*edwards25519.Scalar {
	hashDomainSeparation := []byte("FROST-SHA512")
	messageHash := sha512.Sum512(sp.Message)

	ids := make([]party.ID, 0, len(sp.Commitments))
	for id := range sp.Commitments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	offsetID := len(hashDomainSeparation)
	buffer := make([]byte, 0, offsetID+party.IDByteSize+len(messageHash)+len(ids)*(party.IDByteSize+64))
	buffer = append(buffer, hashDomainSeparation...)
	buffer = append(buffer, make([]byte, party.IDByteSize)...)
	buffer = append(buffer, messageHash[:]...)

	for _, id := range ids {
		comm := sp.Commitments[id]
		buffer = append(buffer, id.Bytes()...)
		buffer = append(buffer, comm.Di.Bytes()...)
		buffer = append(buffer, comm.Ei.Bytes()...)
	}

	rhos := make(map[party.ID]*edwards25519.Scalar, len(ids))
	for _, id := range ids {
		copy(buffer[offsetID:], id.Bytes())
		digest := sha512.Sum512(buffer)
		rho, _ := edwards25519.NewScalar().SetUniformBytes(digest[:])
		rhos[id] = rho
	}
	return rhos
}

// groupCommitment computes R = Σ (Di + [ρi]•Ei). When ris is non-nil it is
// filled with each party's Ri.
func groupCommitment(sp *SigningPackage, rhos map[party.ID]*edwards25519.Scalar, ris map[party.ID]*edwards25519.Point) *edwards25519.Point {
	r := edwards25519.NewIdentityPoint()
	for id, comm := range sp.Commitments {
		ri := edwards25519.NewIdentityPoint().ScalarMult(rhos[id], &comm.Ei)
		ri.Add(ri, &comm.Di)
		if ris != nil {
			ris[id] = ri
		}
		r.Add(r, ri)
	}
	return r
}
