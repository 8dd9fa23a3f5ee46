// Package xid implements extensible identifiers and their documents. An XID
// is a 32 byte content-addressed identity derived from a participant's
// inception key material: an Ed25519 signing key and an X25519 key
// encapsulation key. Documents bind the keys to optional metadata and are
// self-signed with the inception signing key.
package xid

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Size is the byte length of an XID.
const Size = 32

var (
	ErrInvalid         = errors.New("xid: invalid identifier")
	ErrInvalidDocument = errors.New("xid: invalid document")
)

// inceptionContext domain-separates the inception signature.
const inceptionContext = "xid-inception-v1"

// XID is a 32 byte content-addressed identifier.
type XID [Size]byte

// Derive computes the XID for the given inception keys.
func Derive(signingKey ed25519.PublicKey, encapsulationKey []byte) XID {
	h := sha256.New()
	h.Write([]byte(inceptionContext))
	h.Write(signingKey)
	h.Write(encapsulationKey)
	var x XID
	copy(x[:], h.Sum(nil))
	return x
}

// FromBytes copies a 32 byte slice into an XID.
func FromBytes(b []byte) (XID, error) {
	var x XID
	if len(b) != Size {
		return x, fmt.Errorf("%w: %d bytes", ErrInvalid, len(b))
	}
	copy(x[:], b)
	return x, nil
}

// Parse reads the bare URI form "xid:<hex>" or plain hex.
func Parse(s string) (XID, error) {
	s = strings.TrimPrefix(s, "xid:")
	b, err := hex.DecodeString(s)
	if err != nil {
		return XID{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return FromBytes(b)
}

// URI returns the bare URI form used as a registry key.
func (x XID) URI() string {
	return "xid:" + hex.EncodeToString(x[:])
}

// String returns the bare lowercase hex form.
func (x XID) String() string {
	return hex.EncodeToString(x[:])
}

// Short returns an abbreviated form for progress lines.
func (x XID) Short() string {
	return x.String()[:8]
}

// Compare orders XIDs by their byte representation. FROST identifiers are
// assigned from this ordering.
func Compare(a, b XID) int {
	return bytes.Compare(a[:], b[:])
}

func (x XID) MarshalJSON() ([]byte, error) {
	return json.Marshal(x.URI())
}

func (x *XID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*x = XID{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*x = parsed
	return nil
}
