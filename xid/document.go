package xid

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// Document binds an XID to its inception public keys and optional metadata.
// The inception signature covers only the key material; metadata such as the
// pet name may evolve without changing identity.
type Document struct {
	SigningKey         ed25519.PublicKey
	EncapsulationKey   []byte
	PetName            string
	InceptionSignature []byte
}

// XID returns the identifier derived from the document's inception keys.
func (d *Document) XID() XID {
	return Derive(d.SigningKey, d.EncapsulationKey)
}

// inceptionMessage is the byte string covered by the inception signature.
func (d *Document) inceptionMessage() []byte {
	msg := make([]byte, 0, len(inceptionContext)+len(d.SigningKey)+len(d.EncapsulationKey))
	msg = append(msg, inceptionContext...)
	msg = append(msg, d.SigningKey...)
	msg = append(msg, d.EncapsulationKey...)
	return msg
}

// Verify checks the structure and inception signature of the document.
func (d *Document) Verify() error {
	if len(d.SigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: signing key is %d bytes", ErrInvalidDocument, len(d.SigningKey))
	}
	if len(d.EncapsulationKey) != 32 {
		return fmt.Errorf("%w: encapsulation key is %d bytes", ErrInvalidDocument, len(d.EncapsulationKey))
	}
	if !ed25519.Verify(d.SigningKey, d.inceptionMessage(), d.InceptionSignature) {
		return fmt.Errorf("%w: inception signature", ErrInvalidDocument)
	}
	return nil
}

// SameKeys reports whether two documents carry identical inception keys.
func (d *Document) SameKeys(other *Document) bool {
	return string(d.SigningKey) == string(other.SigningKey) &&
		string(d.EncapsulationKey) == string(other.EncapsulationKey)
}

// EncapsulationPublic returns the X25519 public key for sealing to this
// document's owner.
func (d *Document) EncapsulationPublic() (*ecdh.PublicKey, error) {
	return ecdh.X25519().NewPublicKey(d.EncapsulationKey)
}

func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		SigningKey         string `json:"signing_key"`
		EncapsulationKey   string `json:"encapsulation_key"`
		PetName            string `json:"pet_name,omitempty"`
		InceptionSignature string `json:"inception_signature"`
	}{
		SigningKey:         base64.StdEncoding.EncodeToString(d.SigningKey),
		EncapsulationKey:   base64.StdEncoding.EncodeToString(d.EncapsulationKey),
		PetName:            d.PetName,
		InceptionSignature: base64.StdEncoding.EncodeToString(d.InceptionSignature),
	})
}

func (d *Document) UnmarshalJSON(data []byte) error {
	aux := &struct {
		SigningKey         string `json:"signing_key"`
		EncapsulationKey   string `json:"encapsulation_key"`
		PetName            string `json:"pet_name,omitempty"`
		InceptionSignature string `json:"inception_signature"`
	}{}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	sk, err := base64.StdEncoding.DecodeString(aux.SigningKey)
	if err != nil {
		return err
	}
	ek, err := base64.StdEncoding.DecodeString(aux.EncapsulationKey)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(aux.InceptionSignature)
	if err != nil {
		return err
	}

	d.SigningKey = sk
	d.EncapsulationKey = ek
	d.PetName = aux.PetName
	d.InceptionSignature = sig
	return nil
}

// PrivateDocument is a Document together with the owner's private inception
// keys. It never leaves the owner's registry file.
type PrivateDocument struct {
	Document
	SigningPrivate ed25519.PrivateKey
	decapPrivate   *ecdh.PrivateKey
}

// NewPrivateDocument generates fresh inception keys from r and returns the
// self-signed private document.
func NewPrivateDocument(r io.Reader) (*PrivateDocument, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("xid: generate signing key: %w", err)
	}
	decap, err := ecdh.X25519().GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("xid: generate encapsulation key: %w", err)
	}

	pd := &PrivateDocument{
		Document: Document{
			SigningKey:       pub,
			EncapsulationKey: decap.PublicKey().Bytes(),
		},
		SigningPrivate: priv,
		decapPrivate:   decap,
	}
	pd.InceptionSignature = ed25519.Sign(priv, pd.inceptionMessage())
	return pd, nil
}

// Public returns a copy of the public document, with the given pet name set.
func (pd *PrivateDocument) Public(petName string) *Document {
	return &Document{
		SigningKey:         pd.SigningKey,
		EncapsulationKey:   pd.EncapsulationKey,
		PetName:            petName,
		InceptionSignature: pd.InceptionSignature,
	}
}

// Sign signs message with the inception signing key.
func (pd *PrivateDocument) Sign(message []byte) []byte {
	return ed25519.Sign(pd.SigningPrivate, message)
}

// Decapsulate runs X25519 between the private decapsulation key and the
// peer's ephemeral public key.
func (pd *PrivateDocument) Decapsulate(ephemeral *ecdh.PublicKey) ([]byte, error) {
	return pd.decapPrivate.ECDH(ephemeral)
}

func (pd *PrivateDocument) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Document       *Document `json:"document"`
		SigningPrivate string    `json:"signing_private"`
		DecapPrivate   string    `json:"decapsulation_private"`
	}{
		Document:       &pd.Document,
		SigningPrivate: base64.StdEncoding.EncodeToString(pd.SigningPrivate),
		DecapPrivate:   base64.StdEncoding.EncodeToString(pd.decapPrivate.Bytes()),
	})
}

func (pd *PrivateDocument) UnmarshalJSON(data []byte) error {
	aux := &struct {
		Document       *Document `json:"document"`
		SigningPrivate string    `json:"signing_private"`
		DecapPrivate   string    `json:"decapsulation_private"`
	}{}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.Document == nil {
		return ErrInvalidDocument
	}

	sk, err := base64.StdEncoding.DecodeString(aux.SigningPrivate)
	if err != nil {
		return err
	}
	if len(sk) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: private signing key is %d bytes", ErrInvalidDocument, len(sk))
	}
	dk, err := base64.StdEncoding.DecodeString(aux.DecapPrivate)
	if err != nil {
		return err
	}
	decap, err := ecdh.X25519().NewPrivateKey(dk)
	if err != nil {
		return err
	}

	pd.Document = *aux.Document
	pd.SigningPrivate = sk
	pd.decapPrivate = decap
	return nil
}
