// Package frost implements the FROST-Ed25519 primitives used by the
// rendezvous protocol engines: distributed key generation in three parts,
// and two-round threshold signing with signature aggregation.
//
// Every artifact (secrets, packages, commitments, shares) carries a
// deterministic binary serialization so it can be persisted between
// invocations and carried inside sealed envelopes.
package frost

import "errors"

var (
	// ErrThreshold indicates an invalid (threshold, participants) pair.
	ErrThreshold = errors.New("frost: threshold must satisfy 2 ≤ t ≤ n")

	// ErrIdentifierMismatch indicates a package whose embedded identifier
	// does not match the sender it was collected from.
	ErrIdentifierMismatch = errors.New("frost: package identifier mismatch")

	// ErrProofInvalid indicates a round 1 proof of knowledge that failed
	// verification.
	ErrProofInvalid = errors.New("frost: schnorr proof of knowledge is invalid")

	// ErrShareInvalid indicates a round 2 share that does not match the
	// sender's public commitments.
	ErrShareInvalid = errors.New("frost: share does not match commitments")

	// ErrCommitmentTamper indicates a signing commitment that differs from
	// the one generated locally in round 1.
	ErrCommitmentTamper = errors.New("frost: own signing commitment was altered")

	// ErrSignatureShareInvalid indicates a signature share that fails its
	// per-party consistency check during aggregation.
	ErrSignatureShareInvalid = errors.New("frost: signature share is invalid")

	// ErrSignatureInvalid indicates the aggregated signature failed the
	// final verification against the group key.
	ErrSignatureInvalid = errors.New("frost: aggregated signature is invalid")
)
