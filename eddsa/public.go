package eddsa

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"filippo.io/edwards25519"

	"github.com/bartke/frost-rendezvous/party"
)

// Public holds the public output of key generation: the group key and the
// verification share of every party. It is the same for all parties.
type Public struct {
	PartyIDs  party.IDSlice
	Threshold party.Size
	Shares    map[party.ID]*edwards25519.Point
	GroupKey  *PublicKey
}

func (p *Public) Equal(other *Public) bool {
	if len(p.PartyIDs) != len(other.PartyIDs) || p.Threshold != other.Threshold {
		return false
	}
	for i, id := range p.PartyIDs {
		if other.PartyIDs[i] != id {
			return false
		}
		a, okA := p.Shares[id]
		b, okB := other.Shares[id]
		if !okA || !okB || a.Equal(b) != 1 {
			return false
		}
	}
	return p.GroupKey.Equal(other.GroupKey)
}

func (p *Public) MarshalJSON() ([]byte, error) {
	shares := make(map[string]string, len(p.Shares))
	for id, share := range p.Shares {
		shares[base64.StdEncoding.EncodeToString(id.Bytes())] = base64.StdEncoding.EncodeToString(share.Bytes())
	}
	return json.Marshal(&struct {
		PartyIDs  party.IDSlice     `json:"party_ids"`
		Threshold party.Size        `json:"threshold"`
		Shares    map[string]string `json:"shares"`
		GroupKey  *PublicKey        `json:"group_key"`
	}{
		PartyIDs:  p.PartyIDs,
		Threshold: p.Threshold,
		Shares:    shares,
		GroupKey:  p.GroupKey,
	})
}

func (p *Public) UnmarshalJSON(data []byte) error {
	aux := &struct {
		PartyIDs  party.IDSlice     `json:"party_ids"`
		Threshold party.Size        `json:"threshold"`
		Shares    map[string]string `json:"shares"`
		GroupKey  *PublicKey        `json:"group_key"`
	}{}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.GroupKey == nil {
		return errors.New("eddsa: missing group key")
	}

	p.PartyIDs = aux.PartyIDs
	p.Threshold = aux.Threshold
	p.GroupKey = aux.GroupKey

	p.Shares = make(map[party.ID]*edwards25519.Point, len(aux.Shares))
	for idStr, shareStr := range aux.Shares {
		idBytes, err := base64.StdEncoding.DecodeString(idStr)
		if err != nil {
			return err
		}
		id, err := party.FromBytes(idBytes)
		if err != nil {
			return err
		}
		shareBytes, err := base64.StdEncoding.DecodeString(shareStr)
		if err != nil {
			return err
		}
		point := edwards25519.NewIdentityPoint()
		if _, err := point.SetBytes(shareBytes); err != nil {
			return err
		}
		p.Shares[id] = point
	}
	return nil
}
