package polynomial

import (
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/bartke/frost-rendezvous/party"
)

// Exponent is a polynomial whose coefficients are the commitments
// [aᵢ]•B of the coefficients of a secret Polynomial.
type Exponent struct {
	coefficients []edwards25519.Point
}

// NewPolynomialExponent commits to the coefficients of p.
func NewPolynomialExponent(p *Polynomial) *Exponent {
	var e Exponent
	e.coefficients = make([]edwards25519.Point, p.Size())
	for i := range p.coefficients {
		e.coefficients[i].ScalarBaseMult(&p.coefficients[i])
	}
	return &e
}

// NewExponentCopy returns a deep copy of other.
func NewExponentCopy(other *Exponent) *Exponent {
	var e Exponent
	e.coefficients = make([]edwards25519.Point, len(other.coefficients))
	for i := range other.coefficients {
		e.coefficients[i].Set(&other.coefficients[i])
	}
	return &e
}

// Evaluate evaluates the polynomial in the exponent at index using
// Horner's method.
func (e *Exponent) Evaluate(index *edwards25519.Scalar) *edwards25519.Point {
	result := edwards25519.NewIdentityPoint()
	for i := len(e.coefficients) - 1; i >= 0; i-- {
		// [result] = [index] • [result] + aᵢ•B
		result.ScalarMult(index, result)
		result.Add(result, &e.coefficients[i])
	}
	return result
}

// Constant returns the commitment to the constant coefficient, i.e. the
// public key matching the polynomial's secret.
func (e *Exponent) Constant() *edwards25519.Point {
	return edwards25519.NewIdentityPoint().Set(&e.coefficients[0])
}

// Degree is the highest power of the polynomial.
func (e *Exponent) Degree() party.Size {
	return party.Size(len(e.coefficients)) - 1
}

// Size is the number of coefficients.
func (e *Exponent) Size() int {
	return len(e.coefficients)
}

// Add sets e to the coefficient-wise sum of e and other. Both polynomials
// must have the same degree.
func (e *Exponent) Add(other *Exponent) error {
	if len(e.coefficients) != len(other.coefficients) {
		return errors.New("polynomial: exponents of different degree")
	}
	for i := range e.coefficients {
		e.coefficients[i].Add(&e.coefficients[i], &other.coefficients[i])
	}
	return nil
}

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (e *Exponent) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, party.IDByteSize+32*e.Size())
	buf = append(buf, e.Degree().Bytes()...)
	for i := range e.coefficients {
		buf = append(buf, e.coefficients[i].Bytes()...)
	}
	return buf, nil
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.
func (e *Exponent) UnmarshalBinary(data []byte) error {
	degree, err := party.FromBytes(data)
	if err != nil {
		return err
	}
	coefficientCount := int(degree) + 1
	remaining := data[party.IDByteSize:]

	if len(remaining) != coefficientCount*32 {
		return fmt.Errorf("wrong number of coefficients embedded")
	}

	e.coefficients = make([]edwards25519.Point, coefficientCount)
	for i := 0; i < coefficientCount; i++ {
		if _, err = e.coefficients[i].SetBytes(remaining[i*32 : (i+1)*32]); err != nil {
			return err
		}
	}
	return nil
}
