package envelope

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bartke/frost-rendezvous/xid"
)

// sealInfo domain-separates the HKDF derivation for sealed messages.
const sealInfo = "frost-rendezvous/seal/v1"

// Sealed is a message encrypted to a single recipient: an ephemeral X25519
// agreement, an AEAD nonce, and the ciphertext.
type Sealed struct {
	XID        []byte `cbor:"1,keyasint"`
	Ephemeral  []byte `cbor:"2,keyasint"`
	Nonce      []byte `cbor:"3,keyasint"`
	Ciphertext []byte `cbor:"4,keyasint"`
}

// SealTo encrypts plaintext so only the owner of doc can read it.
func SealTo(doc *xid.Document, plaintext []byte) (*Sealed, error) {
	recipientPub, err := doc.EncapsulationPublic()
	if err != nil {
		return nil, err
	}

	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("envelope: generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(recipientPub)
	if err != nil {
		return nil, err
	}

	key, err := deriveSealKey(shared, ephemeral.PublicKey().Bytes(), doc.EncapsulationKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	recipient := doc.XID()
	return &Sealed{
		XID:        recipient[:],
		Ephemeral:  ephemeral.PublicKey().Bytes(),
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, recipient[:]),
	}, nil
}

// Open decrypts a sealed message addressed to me. It fails with
// ErrDecryptionFailed when the message is addressed to someone else.
func Open(me *xid.PrivateDocument, s *Sealed) ([]byte, error) {
	myXID := me.XID()
	if string(s.XID) != string(myXID[:]) {
		return nil, ErrDecryptionFailed
	}

	ephemeral, err := ecdh.X25519().NewPublicKey(s.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	shared, err := me.Decapsulate(ephemeral)
	if err != nil {
		return nil, err
	}

	key, err := deriveSealKey(shared, s.Ephemeral, me.EncapsulationKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, s.Nonce, s.Ciphertext, s.XID)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealBytes is SealTo with a CBOR wire form, for per-recipient fields
// embedded inside multicast parameters.
func SealBytes(doc *xid.Document, plaintext []byte) ([]byte, error) {
	s, err := SealTo(doc, plaintext)
	if err != nil {
		return nil, err
	}
	return Marshal(s)
}

// OpenBytes decodes and opens the wire form produced by SealBytes.
func OpenBytes(me *xid.PrivateDocument, data []byte) ([]byte, error) {
	var s Sealed
	if err := Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Open(me, &s)
}

func aeadSeal(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func aeadOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func deriveSealKey(shared, ephemeralPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPub)+len(recipientPub))
	salt = append(salt, ephemeralPub...)
	salt = append(salt, recipientPub...)

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(sealInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}
