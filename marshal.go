package frost

import (
	"errors"

	"github.com/bartke/frost-rendezvous/eddsa"
	"github.com/bartke/frost-rendezvous/party"
	"github.com/bartke/frost-rendezvous/polynomial"
	"github.com/bartke/frost-rendezvous/zk"
)

var errShortData = errors.New("frost: not enough bytes")

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (s *Round1Secret) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 2*party.IDByteSize+32*s.Poly.Size())
	buf = append(buf, s.ID.Bytes()...)
	buf = append(buf, s.Threshold.Bytes()...)
	return s.Poly.BytesAppend(buf)
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.
func (s *Round1Secret) UnmarshalBinary(data []byte) error {
	if len(data) < 2*party.IDByteSize {
		return errShortData
	}
	id, err := party.FromBytes(data)
	if err != nil {
		return err
	}
	t, err := party.FromBytes(data[party.IDByteSize:])
	if err != nil {
		return err
	}
	s.ID, s.Threshold = id, t
	s.Poly = &polynomial.Polynomial{}
	return s.Poly.UnmarshalBinary(data[2*party.IDByteSize:])
}

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (p *Round1Package) MarshalBinary() ([]byte, error) {
	proofBytes, err := p.Proof.MarshalBinary()
	if err != nil {
		return nil, err
	}
	commBytes, err := p.Commitments.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, party.IDByteSize+len(proofBytes)+len(commBytes))
	buf = append(buf, p.ID.Bytes()...)
	buf = append(buf, proofBytes...)
	buf = append(buf, commBytes...)
	return buf, nil
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.
func (p *Round1Package) UnmarshalBinary(data []byte) error {
	if len(data) < party.IDByteSize+64 {
		return errShortData
	}
	id, err := party.FromBytes(data)
	if err != nil {
		return err
	}
	p.ID = id
	p.Proof = &zk.Schnorr{}
	if err := p.Proof.UnmarshalBinary(data[party.IDByteSize : party.IDByteSize+64]); err != nil {
		return err
	}
	p.Commitments = &polynomial.Exponent{}
	return p.Commitments.UnmarshalBinary(data[party.IDByteSize+64:])
}

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (s *Round2Secret) MarshalBinary() ([]byte, error) {
	commBytes, err := s.Commitments.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 2*party.IDByteSize+32+len(commBytes))
	buf = append(buf, s.ID.Bytes()...)
	buf = append(buf, s.Threshold.Bytes()...)
	buf = append(buf, s.SelfShare.Bytes()...)
	buf = append(buf, commBytes...)
	return buf, nil
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.
func (s *Round2Secret) UnmarshalBinary(data []byte) error {
	if len(data) < 2*party.IDByteSize+32 {
		return errShortData
	}
	id, err := party.FromBytes(data)
	if err != nil {
		return err
	}
	t, err := party.FromBytes(data[party.IDByteSize:])
	if err != nil {
		return err
	}
	s.ID, s.Threshold = id, t
	if _, err := s.SelfShare.SetCanonicalBytes(data[2*party.IDByteSize : 2*party.IDByteSize+32]); err != nil {
		return err
	}
	s.Commitments = &polynomial.Exponent{}
	return s.Commitments.UnmarshalBinary(data[2*party.IDByteSize+32:])
}

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (p *Round2Package) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 2*party.IDByteSize+32)
	buf = append(buf, p.From.Bytes()...)
	buf = append(buf, p.To.Bytes()...)
	buf = append(buf, p.Share.Bytes()...)
	return buf, nil
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.
func (p *Round2Package) UnmarshalBinary(data []byte) error {
	if len(data) != 2*party.IDByteSize+32 {
		return errShortData
	}
	from, err := party.FromBytes(data)
	if err != nil {
		return err
	}
	to, err := party.FromBytes(data[party.IDByteSize:])
	if err != nil {
		return err
	}
	p.From, p.To = from, to
	_, err = p.Share.SetCanonicalBytes(data[2*party.IDByteSize:])
	return err
}

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (kp *KeyPackage) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 2*party.IDByteSize+96)
	buf = append(buf, kp.ID.Bytes()...)
	buf = append(buf, kp.Threshold.Bytes()...)
	buf = append(buf, kp.SigningShare.Bytes()...)
	buf = append(buf, kp.VerifyingShare.Bytes()...)
	buf = append(buf, kp.GroupKey.Point.Bytes()...)
	return buf, nil
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.
func (kp *KeyPackage) UnmarshalBinary(data []byte) error {
	if len(data) != 2*party.IDByteSize+96 {
		return errShortData
	}
	id, err := party.FromBytes(data)
	if err != nil {
		return err
	}
	t, err := party.FromBytes(data[party.IDByteSize:])
	if err != nil {
		return err
	}
	kp.ID, kp.Threshold = id, t
	rest := data[2*party.IDByteSize:]
	if _, err := kp.SigningShare.SetCanonicalBytes(rest[:32]); err != nil {
		return err
	}
	if _, err := kp.VerifyingShare.SetBytes(rest[32:64]); err != nil {
		return err
	}
	gk, err := eddsa.NewPublicKeyFromBytes(rest[64:])
	if err != nil {
		return err
	}
	kp.GroupKey = gk
	return nil
}

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (n *Nonces) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, party.IDByteSize+64)
	buf = append(buf, n.ID.Bytes()...)
	buf = append(buf, n.D.Bytes()...)
	buf = append(buf, n.E.Bytes()...)
	return buf, nil
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.
func (n *Nonces) UnmarshalBinary(data []byte) error {
	if len(data) != party.IDByteSize+64 {
		return errShortData
	}
	id, err := party.FromBytes(data)
	if err != nil {
		return err
	}
	n.ID = id
	if _, err := n.D.SetCanonicalBytes(data[party.IDByteSize : party.IDByteSize+32]); err != nil {
		return err
	}
	_, err = n.E.SetCanonicalBytes(data[party.IDByteSize+32:])
	return err
}

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (c *SigningCommitment) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, party.IDByteSize+64)
	buf = append(buf, c.ID.Bytes()...)
	buf = append(buf, c.Di.Bytes()...)
	buf = append(buf, c.Ei.Bytes()...)
	return buf, nil
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.
func (c *SigningCommitment) UnmarshalBinary(data []byte) error {
	if len(data) != party.IDByteSize+64 {
		return errShortData
	}
	id, err := party.FromBytes(data)
	if err != nil {
		return err
	}
	c.ID = id
	if _, err := c.Di.SetBytes(data[party.IDByteSize : party.IDByteSize+32]); err != nil {
		return err
	}
	_, err = c.Ei.SetBytes(data[party.IDByteSize+32:])
	return err
}

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (s *SignatureShare) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, party.IDByteSize+32)
	buf = append(buf, s.ID.Bytes()...)
	buf = append(buf, s.Zi.Bytes()...)
	return buf, nil
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.
func (s *SignatureShare) UnmarshalBinary(data []byte) error {
	if len(data) != party.IDByteSize+32 {
		return errShortData
	}
	id, err := party.FromBytes(data)
	if err != nil {
		return err
	}
	s.ID = id
	_, err = s.Zi.SetCanonicalBytes(data[party.IDByteSize:])
	return err
}
