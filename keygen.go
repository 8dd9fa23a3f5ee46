package frost

import (
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/bartke/frost-rendezvous/eddsa"
	"github.com/bartke/frost-rendezvous/party"
	"github.com/bartke/frost-rendezvous/polynomial"
	"github.com/bartke/frost-rendezvous/zk"
)

// Round1Secret is the private output of Part1. It must never leave the
// participant.
type Round1Secret struct {
	ID        party.ID
	Threshold party.Size
	Poly      *polynomial.Polynomial
}

// Round1Package is the public output of Part1, broadcast to all other
// participants via the coordinator.
type Round1Package struct {
	ID          party.ID
	Commitments *polynomial.Exponent
	Proof       *zk.Schnorr
}

// Round2Secret is the private output of Part2.
type Round2Secret struct {
	ID        party.ID
	Threshold party.Size
	// SelfShare is the participant's own polynomial evaluated at its own ID.
	SelfShare edwards25519.Scalar
	// Commitments are the participant's own round 1 commitments, needed to
	// assemble the group key in Part3.
	Commitments *polynomial.Exponent
}

// Round2Package carries the secret share From owes To. It must only ever be
// readable by To.
type Round2Package struct {
	From  party.ID
	To    party.ID
	Share edwards25519.Scalar
}

// KeyPackage is a participant's share of the group signing key.
type KeyPackage struct {
	ID             party.ID
	Threshold      party.Size
	SigningShare   edwards25519.Scalar
	VerifyingShare edwards25519.Point
	GroupKey       *eddsa.PublicKey
}

// PublicKeyPackage is the group verifying key plus the verification share of
// every participant. It is identical for all participants.
type PublicKeyPackage = eddsa.Public

// Part1 begins key generation for the participant with the given identifier.
// It samples a secret polynomial of degree t-1 and produces the commitments
// and proof of knowledge to broadcast.
func Part1(id party.ID, n, t party.Size) (*Round1Secret, *Round1Package, error) {
	if id == 0 {
		return nil, nil, party.ErrInvalidID
	}
	if t < 2 || t > n {
		return nil, nil, ErrThreshold
	}

	secret := randomScalar()
	poly := polynomial.NewPolynomial(t-1, secret)
	comm := polynomial.NewPolynomialExponent(poly)

	ctx := make([]byte, 32) // context to prevent replay across ceremonies
	proof := zk.NewSchnorrProof(id, comm.Constant(), ctx, secret)

	sec := &Round1Secret{ID: id, Threshold: t, Poly: poly}
	pkg := &Round1Package{ID: id, Commitments: comm, Proof: proof}
	return sec, pkg, nil
}

// Part2 processes the round 1 packages of all other participants. It
// verifies each proof of knowledge and produces one secret share per other
// participant.
func Part2(sec *Round1Secret, others map[party.ID]*Round1Package) (*Round2Secret, map[party.ID]*Round2Package, error) {
	ctx := make([]byte, 32)

	out := make(map[party.ID]*Round2Package, len(others))
	for id, pkg := range others {
		if id == sec.ID {
			continue
		}
		if pkg.ID != id {
			return nil, nil, fmt.Errorf("%w: got %d keyed as %d", ErrIdentifierMismatch, pkg.ID, id)
		}
		if pkg.Commitments.Degree() != sec.Threshold-1 {
			return nil, nil, fmt.Errorf("frost: party %d committed to degree %d, want %d", id, pkg.Commitments.Degree(), sec.Threshold-1)
		}
		if !pkg.Proof.Verify(id, pkg.Commitments.Constant(), ctx) {
			return nil, nil, fmt.Errorf("%w: party %d", ErrProofInvalid, id)
		}

		p := &Round2Package{From: sec.ID, To: id}
		p.Share.Set(sec.Poly.Evaluate(id.Scalar()))
		out[id] = p
	}

	sec2 := &Round2Secret{
		ID:          sec.ID,
		Threshold:   sec.Threshold,
		Commitments: polynomial.NewPolynomialExponent(sec.Poly),
	}
	sec2.SelfShare.Set(sec.Poly.Evaluate(sec.ID.Scalar()))

	// the polynomial is no longer needed; the shares embed all of it
	sec.Poly.Reset()

	return sec2, out, nil
}

// Part3 finalizes key generation. round1 holds the packages of all other
// participants, round2 the shares addressed to this participant, keyed by
// sender. It verifies every share against its sender's commitments and
// assembles the key package and the shared public key package.
func Part3(sec *Round2Secret, round1 map[party.ID]*Round1Package, round2 map[party.ID]*Round2Package) (*KeyPackage, *PublicKeyPackage, error) {
	if len(round1) != len(round2) {
		return nil, nil, errors.New("frost: round 1 and round 2 sender sets differ")
	}

	selfScalar := sec.ID.Scalar()
	secret := edwards25519.NewScalar().Set(&sec.SelfShare)

	// sum of all commitment polynomials, starting with our own
	sum := polynomial.NewExponentCopy(sec.Commitments)

	ids := make([]party.ID, 0, len(round1)+1)
	ids = append(ids, sec.ID)

	for id, pkg := range round1 {
		if id == sec.ID {
			return nil, nil, fmt.Errorf("frost: round 1 set contains self")
		}
		if pkg.ID != id {
			return nil, nil, fmt.Errorf("%w: got %d keyed as %d", ErrIdentifierMismatch, pkg.ID, id)
		}
		share, ok := round2[id]
		if !ok {
			return nil, nil, fmt.Errorf("frost: no round 2 share from party %d", id)
		}
		if share.From != id || share.To != sec.ID {
			return nil, nil, fmt.Errorf("%w: share from %d to %d", ErrIdentifierMismatch, share.From, share.To)
		}

		// Feldman VSS check: [share]•B == F_id(self)
		expected := pkg.Commitments.Evaluate(selfScalar)
		actual := edwards25519.NewIdentityPoint().ScalarBaseMult(&share.Share)
		if expected.Equal(actual) != 1 {
			return nil, nil, fmt.Errorf("%w: party %d", ErrShareInvalid, id)
		}

		secret.Add(secret, &share.Share)
		if err := sum.Add(pkg.Commitments); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
	}

	partyIDs := party.NewIDSlice(ids)
	groupKey := eddsa.NewPublicKeyFromPoint(sum.Constant())

	shares := make(map[party.ID]*edwards25519.Point, len(partyIDs))
	for _, id := range partyIDs {
		shares[id] = sum.Evaluate(id.Scalar())
	}

	pub := &PublicKeyPackage{
		PartyIDs:  partyIDs,
		Threshold: sec.Threshold,
		Shares:    shares,
		GroupKey:  groupKey,
	}

	kp := &KeyPackage{
		ID:        sec.ID,
		Threshold: sec.Threshold,
		GroupKey:  groupKey,
	}
	kp.SigningShare.Set(secret)
	kp.VerifyingShare.ScalarBaseMult(secret)

	// the verifying share must agree with the summed commitments
	if kp.VerifyingShare.Equal(shares[sec.ID]) != 1 {
		return nil, nil, fmt.Errorf("%w: own verifying share", ErrShareInvalid)
	}

	return kp, pub, nil
}
