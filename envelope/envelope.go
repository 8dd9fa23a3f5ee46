// Package envelope implements the sealed transaction message format: CBOR
// envelopes with named assertions, COSE_Sign1 sender authentication, and
// per-recipient encryption. A sealed request carries a function name and
// named parameters; a sealed response echoes the request identifier and
// carries a result or an error.
package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrMalformed            = errors.New("envelope: malformed")
	ErrAuthenticationFailed = errors.New("envelope: authentication failed")
	ErrDecryptionFailed     = errors.New("envelope: no matching recipient")
	ErrExpired              = errors.New("envelope: valid_until has passed")
	ErrNotSigned            = errors.New("envelope: no signed assertion")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with the deterministic encoding used for all envelope
// content. Digests are only stable under this mode.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes deterministic CBOR into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Assertion is a predicate/object pair attached to an envelope.
type Assertion struct {
	Predicate string          `cbor:"1,keyasint"`
	Object    cbor.RawMessage `cbor:"2,keyasint"`
}

// Envelope is a structured message: a subject plus named assertions.
type Envelope struct {
	Subject    cbor.RawMessage `cbor:"1,keyasint"`
	Assertions []Assertion     `cbor:"2,keyasint,omitempty"`
}

// New builds an envelope whose subject is the CBOR encoding of subject.
func New(subject any) (*Envelope, error) {
	raw, err := Marshal(subject)
	if err != nil {
		return nil, err
	}
	return &Envelope{Subject: raw}, nil
}

// NewString wraps a text subject.
func NewString(s string) *Envelope {
	e, err := New(s)
	if err != nil {
		panic(err)
	}
	return e
}

// SubjectString decodes the subject as a text string.
func (e *Envelope) SubjectString() (string, error) {
	var s string
	if err := Unmarshal(e.Subject, &s); err != nil {
		return "", fmt.Errorf("%w: subject: %v", ErrMalformed, err)
	}
	return s, nil
}

// SubjectDigest is the SHA-256 digest of the deterministic encoding of the
// subject. Signing targets commit to this digest.
func (e *Envelope) SubjectDigest() [32]byte {
	return sha256.Sum256(e.Subject)
}

// Digest is the SHA-256 digest of the whole envelope.
func (e *Envelope) Digest() [32]byte {
	data, err := Marshal(e)
	if err != nil {
		panic(err)
	}
	return sha256.Sum256(data)
}

// AddAssertion appends a predicate/object pair.
func (e *Envelope) AddAssertion(predicate string, object any) error {
	raw, err := Marshal(object)
	if err != nil {
		return err
	}
	e.Assertions = append(e.Assertions, Assertion{Predicate: predicate, Object: raw})
	return nil
}

// Assertion returns the object of the first assertion with the given
// predicate.
func (e *Envelope) Assertion(predicate string) (cbor.RawMessage, bool) {
	for _, a := range e.Assertions {
		if a.Predicate == predicate {
			return a.Object, true
		}
	}
	return nil, false
}

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	return Marshal(e)
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	return Unmarshal(data, e)
}

// UR returns the tagged text form used for logging and local persistence.
func (e *Envelope) UR() string {
	data, err := Marshal(e)
	if err != nil {
		panic(err)
	}
	return "ur:envelope/" + hex.EncodeToString(data)
}

// ParseUR decodes the text form produced by UR.
func ParseUR(s string) (*Envelope, error) {
	body, ok := strings.CutPrefix(s, "ur:envelope/")
	if !ok {
		return nil, fmt.Errorf("%w: missing ur:envelope prefix", ErrMalformed)
	}
	data, err := hex.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var e Envelope
	if err := Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &e, nil
}

// signedAssertion is the object of the 'signed' assertion.
type signedAssertion struct {
	Signature    []byte `cbor:"1,keyasint"`
	VerifyingKey []byte `cbor:"2,keyasint"`
}

// PredicateSigned marks the assertion carrying an attached group signature.
const PredicateSigned = "signed"

// AttachSignature adds a 'signed' assertion binding an Ed25519 signature
// over the subject digest to the envelope.
func (e *Envelope) AttachSignature(signature, verifyingKey []byte) error {
	return e.AddAssertion(PredicateSigned, &signedAssertion{
		Signature:    signature,
		VerifyingKey: verifyingKey,
	})
}

// VerifyAttached recomputes the subject digest and verifies the attached
// 'signed' assertion under verifyingKey. Passing nil uses the key recorded
// in the assertion.
func (e *Envelope) VerifyAttached(verifyingKey []byte) error {
	obj, ok := e.Assertion(PredicateSigned)
	if !ok {
		return ErrNotSigned
	}
	var sa signedAssertion
	if err := Unmarshal(obj, &sa); err != nil {
		return fmt.Errorf("%w: signed assertion: %v", ErrMalformed, err)
	}
	key := verifyingKey
	if key == nil {
		key = sa.VerifyingKey
	}
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: verifying key is %d bytes", ErrMalformed, len(key))
	}
	digest := e.SubjectDigest()
	if !ed25519.Verify(key, digest[:], sa.Signature) {
		return ErrAuthenticationFailed
	}
	return nil
}
