// Package dkg drives FROST distributed key generation over the rendezvous
// transport: the coordinator side (invite, collect, redistribute, finalize)
// and the participant side (accept/reject, round 2, finalize).
package dkg

import (
	"encoding/json"
	"fmt"

	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/envelope"
	"github.com/bartke/frost-rendezvous/party"
	"github.com/bartke/frost-rendezvous/xid"
)

// Parameter names carried in request and response bodies.
const (
	paramCharter          = "charter"
	paramMinSigners       = "minSigners"
	paramSession          = "session"
	paramParticipants     = "participants"
	paramIdentifier       = "identifier"
	paramRound1Package    = "round1Package"
	paramRound1Packages   = "round1Packages"
	paramRound2Packages   = "round2Packages"
	paramNextResponseARID = "next_response_arid"
	paramPublicKeyPackage = "publicKeyPackage"
)

// wireParticipant is one participant descriptor inside a group invite: the
// signed public document, plus this participant's routing record sealed so
// the other recipients cannot read it.
type wireParticipant struct {
	Doc         []byte `cbor:"1,keyasint"`
	SealedRoute []byte `cbor:"2,keyasint"`
}

// wireRoute is the per-recipient secret inside a multicast: the slot the
// recipient must post its response to, and the coordinator's continuation
// to echo back.
type wireRoute struct {
	ResponseARID []byte `cbor:"1,keyasint"`
	Continuation []byte `cbor:"2,keyasint,omitempty"`
}

func encodeDoc(doc *xid.Document) ([]byte, error) {
	return json.Marshal(doc)
}

func decodeDoc(data []byte) (*xid.Document, error) {
	var doc xid.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("dkg: decode participant document: %w", err)
	}
	if err := doc.Verify(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func paramARID(p envelope.Params, key string) (arid.ARID, error) {
	var raw []byte
	if err := p.Get(key, &raw); err != nil {
		return arid.ARID{}, err
	}
	return arid.FromBytes(raw)
}

func paramSessionARID(p envelope.Params, want arid.ARID) error {
	got, err := paramARID(p, paramSession)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("dkg: session %s does not match group %s", got.Short(), want.Short())
	}
	return nil
}

// packagesByID reads a map of identifier-keyed blobs.
func packagesByID(p envelope.Params, key string) (map[party.ID][]byte, error) {
	var m map[party.ID][]byte
	if err := p.Get(key, &m); err != nil {
		return nil, err
	}
	return m, nil
}
