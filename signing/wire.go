// Package signing drives FROST threshold signing over the rendezvous
// transport: the coordinator side (start, collect commitments, distribute,
// aggregate, finalize) and the signer side (receive, commit, share,
// attach).
package signing

import (
	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/envelope"
)

// Parameter names carried in request and response bodies.
const (
	paramSession          = "session"
	paramGroup            = "group"
	paramTargetDigest     = "targetDigest"
	paramTargetEnvelope   = "targetEnvelope"
	paramMinSigners       = "minSigners"
	paramParticipants     = "participants"
	paramCommitments      = "commitments"
	paramSignatureShare   = "signatureShare"
	paramSignatureShares  = "signatureShares"
	paramResponseARID     = "response_arid"
	paramNextResponseARID = "next_response_arid"
)

// wireSigner is one signer descriptor inside a signCommit multicast. The
// routing record is sealed so other signers cannot learn this signer's
// slots.
type wireSigner struct {
	XID         []byte `cbor:"1,keyasint"`
	Identifier  uint16 `cbor:"2,keyasint"`
	SealedRoute []byte `cbor:"3,keyasint"`
}

// wireSignRoute is the per-recipient secret of a signCommit: where to post
// the commit response, where the signShare request will arrive, and the
// coordinator's continuation to echo.
type wireSignRoute struct {
	ResponseARID []byte `cbor:"1,keyasint"`
	NextHop      []byte `cbor:"2,keyasint"`
	Continuation []byte `cbor:"3,keyasint,omitempty"`
}

func paramARID(p envelope.Params, key string) (arid.ARID, error) {
	var raw []byte
	if err := p.Get(key, &raw); err != nil {
		return arid.ARID{}, err
	}
	return arid.FromBytes(raw)
}
