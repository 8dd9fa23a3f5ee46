// Package protocol holds what the DKG and signing state machines share:
// the error taxonomy, the engine dependencies, and the peer-continuation
// helpers that bind a response to the slot its requester is polling.
package protocol

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/envelope"
	"github.com/bartke/frost-rendezvous/kv"
	"github.com/bartke/frost-rendezvous/party"
	"github.com/bartke/frost-rendezvous/registry"
	"github.com/bartke/frost-rendezvous/state"
	"github.com/bartke/frost-rendezvous/xid"
)

var (
	ErrSessionIDMismatch  = errors.New("protocol: session id mismatch")
	ErrRequestIDMismatch  = errors.New("protocol: request id mismatch")
	ErrQuorumNotMet       = errors.New("protocol: quorum not met")
	ErrParticipantMissing = errors.New("protocol: participant missing")
)

// ProtocolError is a fatal protocol failure attributed to a phase and,
// when known, a participant identifier.
type ProtocolError struct {
	Phase      string
	Identifier party.ID
	Reason     string
}

func (e *ProtocolError) Error() string {
	if e.Identifier != 0 {
		return fmt.Sprintf("protocol: %s: participant %d: %s", e.Phase, e.Identifier, e.Reason)
	}
	return fmt.Sprintf("protocol: %s: %s", e.Phase, e.Reason)
}

// Errf builds a ProtocolError.
func Errf(phase string, id party.ID, format string, args ...any) *ProtocolError {
	return &ProtocolError{Phase: phase, Identifier: id, Reason: fmt.Sprintf(format, args...)}
}

// Engine bundles the dependencies every state machine needs.
type Engine struct {
	Registry  *registry.Registry
	State     *state.Store
	Transport kv.Store
	Log       *zap.Logger
}

// Logger returns the configured logger, or a nop logger.
func (e *Engine) Logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// AssignIdentifiers computes the deterministic FROST identifiers for a
// participant set: 1 + the lexicographic rank of each XID's bytes. Every
// party derives the same assignment from the same set.
func AssignIdentifiers(xids []xid.XID) (map[xid.XID]party.ID, error) {
	sorted := make([]xid.XID, len(xids))
	copy(sorted, xids)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && xid.Compare(sorted[j], sorted[j-1]) < 0; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	out := make(map[xid.XID]party.ID, len(sorted))
	for i, x := range sorted {
		if _, ok := out[x]; ok {
			return nil, fmt.Errorf("protocol: duplicate participant %s", x.Short())
		}
		out[x] = party.ID(i + 1)
	}
	return out, nil
}

// continuationBody is the sealed-to-self payload of a peer continuation.
type continuationBody struct {
	Session   []byte `cbor:"1,keyasint"`
	CollectAt []byte `cbor:"2,keyasint"`
}

// NewContinuation seals the slot we will poll for the reply so that only we
// can read it back when the responder echoes it.
func NewContinuation(owner *xid.PrivateDocument, session arid.ARID, collectAt arid.ARID) ([]byte, error) {
	raw, err := envelope.Marshal(&continuationBody{
		Session:   session[:],
		CollectAt: collectAt[:],
	})
	if err != nil {
		return nil, err
	}
	return envelope.SealBytes(owner.Public(""), raw)
}

// CheckContinuation opens an echoed continuation and verifies it names the
// session and the slot the response was actually collected from.
func CheckContinuation(owner *xid.PrivateDocument, echoed []byte, session arid.ARID, collectedFrom arid.ARID) error {
	if len(echoed) == 0 {
		return errors.New("protocol: missing peer continuation")
	}
	raw, err := envelope.OpenBytes(owner, echoed)
	if err != nil {
		return fmt.Errorf("protocol: open continuation: %w", err)
	}
	var body continuationBody
	if err := envelope.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("protocol: decode continuation: %w", err)
	}
	got, err := arid.FromBytes(body.Session)
	if err != nil || got != session {
		return ErrSessionIDMismatch
	}
	slot, err := arid.FromBytes(body.CollectAt)
	if err != nil || slot != collectedFrom {
		return ErrRequestIDMismatch
	}
	return nil
}

// Scope names the registry pending-request bucket for a ceremony phase.
func Scope(kind string, session arid.ARID, phase string) string {
	return kind + "/" + session.String() + "/" + phase
}
