// Package party defines FROST participant identifiers and the arithmetic
// helpers that operate on sets of them.
package party

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"filippo.io/edwards25519"
)

// ID is a FROST participant identifier. IDs are 1-based; 0 is invalid.
type ID uint16

// Size is used when designating a number of parties or a threshold.
type Size = ID

// IDByteSize is the size of the byte representation of an ID.
const IDByteSize = 2

var (
	ErrInvalidID   = errors.New("party: id 0 is not valid")
	ErrShortBuffer = errors.New("party: not enough bytes for id")
)

// Bytes returns the big-endian byte representation of the ID.
func (id ID) Bytes() []byte {
	b := make([]byte, IDByteSize)
	binary.BigEndian.PutUint16(b, uint16(id))
	return b
}

// FromBytes reads an ID from the first IDByteSize bytes of b.
func FromBytes(b []byte) (ID, error) {
	if len(b) < IDByteSize {
		return 0, ErrShortBuffer
	}
	return ID(binary.BigEndian.Uint16(b)), nil
}

// FromString parses a decimal ID.
func FromString(s string) (ID, error) {
	var n uint16
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("party: parse id %q: %w", s, err)
	}
	if n == 0 {
		return 0, ErrInvalidID
	}
	return ID(n), nil
}

// Scalar returns the ID embedded in an edwards25519 scalar.
func (id ID) Scalar() *edwards25519.Scalar {
	var b [32]byte
	binary.LittleEndian.PutUint16(b[:], uint16(id))
	s, _ := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	return s
}

// Lagrange computes the Lagrange coefficient of id evaluated at 0, over the
// set of parties in ids:
//
//	λ = Π_{j ≠ id} x_j / (x_j - x_id)
func (id ID) Lagrange(ids IDSlice) (*edwards25519.Scalar, error) {
	if !ids.Contains(id) {
		return nil, fmt.Errorf("party: %d is not in the set", id)
	}

	num := scalarOne()
	den := scalarOne()
	xi := id.Scalar()

	for _, j := range ids {
		if j == id {
			continue
		}
		xj := j.Scalar()
		num.Multiply(num, xj)

		diff := edwards25519.NewScalar().Subtract(xj, xi)
		if isZero(diff) {
			return nil, fmt.Errorf("party: duplicate id %d in set", j)
		}
		den.Multiply(den, diff)
	}

	den.Invert(den)
	return num.Multiply(num, den), nil
}

// IDSlice is a set of IDs, sorted ascending.
type IDSlice []ID

// NewIDSlice returns a sorted copy of ids.
func NewIDSlice(ids []ID) IDSlice {
	out := make(IDSlice, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// N is the number of parties in the set.
func (ids IDSlice) N() Size {
	return Size(len(ids))
}

func (ids IDSlice) Contains(id ID) bool {
	for _, other := range ids {
		if other == id {
			return true
		}
	}
	return false
}

func (ids IDSlice) IsSubsetOf(other IDSlice) bool {
	for _, id := range ids {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

func scalarOne() *edwards25519.Scalar {
	var b [32]byte
	b[0] = 1
	s, _ := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	return s
}

func isZero(s *edwards25519.Scalar) bool {
	for _, b := range s.Bytes() {
		if b != 0 {
			return false
		}
	}
	return true
}
