package signing

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	frost "github.com/bartke/frost-rendezvous"
	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/envelope"
	"github.com/bartke/frost-rendezvous/party"
	"github.com/bartke/frost-rendezvous/protocol"
	"github.com/bartke/frost-rendezvous/registry"
	"github.com/bartke/frost-rendezvous/state"
	"github.com/bartke/frost-rendezvous/xid"
)

// Signer drives the signer side of a signing session.
type Signer struct {
	protocol.Engine
}

// Invitation is the decoded view of a received signCommit.
type Invitation struct {
	GroupID      arid.ARID
	SessionID    arid.ARID
	Coordinator  xid.XID
	TargetDigest [32]byte
	Subject      string
	MinSigners   party.Size
	Identifier   party.ID
	Signers      int
}

// Receive fetches the signing invitation from the out-of-band slot.
func (s *Signer) Receive(ctx context.Context, slot arid.ARID) (*Invitation, error) {
	data, ok, err := s.Transport.Get(ctx, slot)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("signing: no invitation at %s", slot.Short())
	}
	return s.DecodeInvitation(data)
}

// DecodeInvitation verifies a signCommit: our membership, the signer count
// against min_signers, and the target digest against the literal target
// envelope. The session view is persisted for the following steps.
func (s *Signer) DecodeInvitation(data []byte) (*Invitation, error) {
	owner, err := s.Registry.Owner()
	if err != nil {
		return nil, err
	}
	req, err := envelope.DecodeRequest(data, owner, s.Registry.Lookup())
	if err != nil {
		return nil, err
	}
	if req.Function != envelope.FnSignCommit {
		return nil, fmt.Errorf("signing: unexpected function %q", req.Function)
	}

	session, err := paramARID(req.Params, paramSession)
	if err != nil {
		return nil, err
	}
	group, err := paramARID(req.Params, paramGroup)
	if err != nil {
		return nil, err
	}
	var digestRaw []byte
	if err := req.Params.Get(paramTargetDigest, &digestRaw); err != nil {
		return nil, err
	}
	var targetRaw []byte
	if err := req.Params.Get(paramTargetEnvelope, &targetRaw); err != nil {
		return nil, err
	}
	var minSigners uint16
	if err := req.Params.Get(paramMinSigners, &minSigners); err != nil {
		return nil, err
	}
	var wire []wireSigner
	if err := req.Params.Get(paramParticipants, &wire); err != nil {
		return nil, err
	}

	record, err := s.Registry.Group(group)
	if err != nil {
		return nil, err
	}
	if record.Status != registry.StatusFinalized {
		return nil, fmt.Errorf("signing: group %s is %s, not finalized", group.Short(), record.Status)
	}
	if req.Sender != record.Coordinator {
		return nil, fmt.Errorf("%w: invitation from %s", envelope.ErrAuthenticationFailed, req.Sender.Short())
	}
	if len(wire) < int(minSigners) {
		return nil, fmt.Errorf("%w: %d signers, need %d", protocol.ErrQuorumNotMet, len(wire), minSigners)
	}

	self := owner.XID()
	var sealedRoute []byte
	var identifier party.ID
	for _, ws := range wire {
		x, err := xid.FromBytes(ws.XID)
		if err != nil {
			return nil, err
		}
		if x == self {
			sealedRoute = ws.SealedRoute
			identifier = party.ID(ws.Identifier)
		}
	}
	if sealedRoute == nil {
		return nil, fmt.Errorf("%w: we are not a signer of this session", protocol.ErrParticipantMissing)
	}
	member, ok := record.Member(self)
	if !ok || member.Identifier != identifier {
		return nil, protocol.Errf("receive", identifier, "identifier does not match group record")
	}

	var target envelope.Envelope
	if err := target.UnmarshalBinary(targetRaw); err != nil {
		return nil, fmt.Errorf("signing: decode target envelope: %w", err)
	}
	digest := target.SubjectDigest()
	if !bytes.Equal(digest[:], digestRaw) {
		return nil, protocol.Errf("receive", identifier, "target digest does not match envelope")
	}

	routeRaw, err := envelope.OpenBytes(owner, sealedRoute)
	if err != nil {
		return nil, err
	}
	var route wireSignRoute
	if err := envelope.Unmarshal(routeRaw, &route); err != nil {
		return nil, fmt.Errorf("signing: decode route: %w", err)
	}
	responseARID, err := arid.FromBytes(route.ResponseARID)
	if err != nil {
		return nil, err
	}
	shareARID, err := arid.FromBytes(route.NextHop)
	if err != nil {
		return nil, err
	}

	if err := s.State.SaveSignReceive(group, session, &state.SignReceive{
		Session:        session,
		Coordinator:    req.Sender,
		TargetDigest:   hex.EncodeToString(digest[:]),
		TargetEnvelope: target.UR(),
		MinSigners:     party.Size(minSigners),
		Identifier:     identifier,
		ResponseARID:   responseARID,
		ShareARID:      shareARID,
	}); err != nil {
		return nil, err
	}
	if err := s.saveSessionMeta(group, session, req.RequestID, route.Continuation); err != nil {
		return nil, err
	}

	subject, _ := target.SubjectString()
	s.Logger().Info("signing invitation received",
		zap.String("group", group.Short()),
		zap.String("session", session.Short()))
	return &Invitation{
		GroupID:      group,
		SessionID:    session,
		Coordinator:  req.Sender,
		TargetDigest: digest,
		Subject:      subject,
		MinSigners:   party.Size(minSigners),
		Identifier:   identifier,
		Signers:      len(wire),
	}, nil
}

// sessionMeta keeps the request correlation a signer needs to respond.
type sessionMeta struct {
	Version      int       `json:"version"`
	RequestID    arid.ARID `json:"request_id"`
	Continuation string    `json:"continuation"`
}

func (s *Signer) saveSessionMeta(group, session arid.ARID, requestID arid.ARID, continuation []byte) error {
	meta := &sessionMeta{
		Version:      state.Version,
		RequestID:    requestID,
		Continuation: state.EncodeBlob(continuation),
	}
	return s.State.SaveJSON(s.State.SessionDir(group, session)+"/meta.json", meta)
}

func (s *Signer) loadSessionMeta(group, session arid.ARID) (*sessionMeta, error) {
	var meta sessionMeta
	if err := s.State.LoadJSON(s.State.SessionDir(group, session)+"/meta.json", &meta); err != nil {
		return nil, err
	}
	if meta.Version != state.Version {
		return nil, fmt.Errorf("%w: session meta version %d", state.ErrCorruption, meta.Version)
	}
	return &meta, nil
}

// Commit runs signing round 1 and posts the commitment.
func (s *Signer) Commit(ctx context.Context, group, session arid.ARID) error {
	owner, err := s.Registry.Owner()
	if err != nil {
		return err
	}
	sr, err := s.State.LoadSignReceive(group, session)
	if err != nil {
		return err
	}
	meta, err := s.loadSessionMeta(group, session)
	if err != nil {
		return err
	}
	coordinator, err := s.Registry.ParticipantByXID(sr.Coordinator)
	if err != nil {
		return err
	}
	kp, err := s.State.LoadKeyPackage(group)
	if err != nil {
		return err
	}

	nonces, commitment, err := frost.SignRound1(kp)
	if err != nil {
		return protocol.Errf("commit", sr.Identifier, "%v", err)
	}
	noncesRaw, err := nonces.MarshalBinary()
	if err != nil {
		return err
	}
	commitRaw, err := commitment.MarshalBinary()
	if err != nil {
		return err
	}
	shareResponse := arid.New()

	if err := s.State.SaveSignCommit(group, session, &state.SignCommit{
		Nonces:            state.EncodeBlob(noncesRaw),
		Commitment:        state.EncodeBlob(commitRaw),
		ShareARID:         sr.ShareARID,
		ShareResponseARID: shareResponse,
	}); err != nil {
		return err
	}

	continuation, err := state.DecodeBlob(meta.Continuation)
	if err != nil {
		return err
	}
	result := envelope.Params{}
	if err := result.Set(paramSession, session[:]); err != nil {
		return err
	}
	if err := result.Set(paramCommitments, commitRaw); err != nil {
		return err
	}
	if err := result.Set(paramNextResponseARID, shareResponse[:]); err != nil {
		return err
	}
	resp := &envelope.Response{
		RequestID:    meta.RequestID,
		Result:       result,
		Continuation: continuation,
	}
	data, err := envelope.EncodeResponse(resp, owner, coordinator.Doc)
	if err != nil {
		return err
	}

	if err := s.Registry.SetListening(sr.ShareARID); err != nil {
		return err
	}
	if err := s.Transport.Put(ctx, sr.ResponseARID, data); err != nil {
		return err
	}
	s.Logger().Info("commitment posted", zap.String("session", session.Short()))
	return nil
}

// Decline posts an explicit decline and clears the session state.
func (s *Signer) Decline(ctx context.Context, group, session arid.ARID, reason string) error {
	owner, err := s.Registry.Owner()
	if err != nil {
		return err
	}
	sr, err := s.State.LoadSignReceive(group, session)
	if err != nil {
		return err
	}
	meta, err := s.loadSessionMeta(group, session)
	if err != nil {
		return err
	}
	coordinator, err := s.Registry.ParticipantByXID(sr.Coordinator)
	if err != nil {
		return err
	}
	continuation, err := state.DecodeBlob(meta.Continuation)
	if err != nil {
		return err
	}

	resp := &envelope.Response{
		RequestID:    meta.RequestID,
		Err:          reason,
		Continuation: continuation,
	}
	data, err := envelope.EncodeResponse(resp, owner, coordinator.Doc)
	if err != nil {
		return err
	}
	if err := s.Transport.Put(ctx, sr.ResponseARID, data); err != nil {
		return err
	}
	return s.State.RemoveSession(group, session)
}

// Share processes the signShare request: verify the echoed commitments
// against our persisted round 1 state, run signing round 2, and post the
// signature share.
func (s *Signer) Share(ctx context.Context, group, session arid.ARID) error {
	owner, err := s.Registry.Owner()
	if err != nil {
		return err
	}
	sr, err := s.State.LoadSignReceive(group, session)
	if err != nil {
		return err
	}
	sc, err := s.State.LoadSignCommit(group, session)
	if err != nil {
		return err
	}
	coordinator, err := s.Registry.ParticipantByXID(sr.Coordinator)
	if err != nil {
		return err
	}

	data, ok, err := s.Transport.Get(ctx, sc.ShareARID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("signing: no share request at %s", sc.ShareARID.Short())
	}
	req, err := envelope.DecodeRequest(data, owner, s.Registry.Lookup())
	if err != nil {
		return err
	}
	if req.Function != envelope.FnSignShare {
		return fmt.Errorf("signing: unexpected function %q", req.Function)
	}
	if req.Sender != sr.Coordinator {
		return fmt.Errorf("%w: share request from %s", envelope.ErrAuthenticationFailed, req.Sender.Short())
	}
	got, err := paramARID(req.Params, paramSession)
	if err != nil {
		return err
	}
	if got != session {
		return protocol.ErrSessionIDMismatch
	}

	var commitmentsWire map[party.ID][]byte
	if err := req.Params.Get(paramCommitments, &commitmentsWire); err != nil {
		return err
	}

	// our own commitment must appear unchanged; anything else means the
	// coordinator or the transport tampered with it
	ownRaw, err := state.DecodeBlob(sc.Commitment)
	if err != nil {
		return err
	}
	echoed, ok := commitmentsWire[sr.Identifier]
	if !ok || !bytes.Equal(echoed, ownRaw) {
		return protocol.Errf("share", sr.Identifier, "commitment_tamper")
	}

	responseARID, err := paramARID(req.Params, paramResponseARID)
	if err != nil {
		return err
	}
	if responseARID != sc.ShareResponseARID {
		return protocol.ErrRequestIDMismatch
	}

	digest, err := hex.DecodeString(sr.TargetDigest)
	if err != nil {
		return err
	}
	sp := &frost.SigningPackage{
		Message:     digest,
		Commitments: make(map[party.ID]*frost.SigningCommitment, len(commitmentsWire)),
	}
	for id, blob := range commitmentsWire {
		var comm frost.SigningCommitment
		if err := comm.UnmarshalBinary(blob); err != nil {
			return protocol.Errf("share", id, "malformed commitment: %v", err)
		}
		sp.Commitments[id] = &comm
	}

	noncesRaw, err := state.DecodeBlob(sc.Nonces)
	if err != nil {
		return err
	}
	var nonces frost.Nonces
	if err := nonces.UnmarshalBinary(noncesRaw); err != nil {
		return fmt.Errorf("%w: nonces: %v", state.ErrCorruption, err)
	}
	kp, err := s.State.LoadKeyPackage(group)
	if err != nil {
		return err
	}

	share, err := frost.SignRound2(&nonces, sp, kp)
	if err != nil {
		return protocol.Errf("share", sr.Identifier, "%v", err)
	}
	shareRaw, err := share.MarshalBinary()
	if err != nil {
		return err
	}
	finalize := arid.New()
	if err := s.State.SaveSignShare(group, session, &state.SignShare{
		Share:        state.EncodeBlob(shareRaw),
		FinalizeARID: finalize,
	}); err != nil {
		return err
	}

	result := envelope.Params{}
	if err := result.Set(paramSession, session[:]); err != nil {
		return err
	}
	if err := result.Set(paramSignatureShare, shareRaw); err != nil {
		return err
	}
	if err := result.Set(paramNextResponseARID, finalize[:]); err != nil {
		return err
	}
	resp := &envelope.Response{
		RequestID:    req.RequestID,
		Result:       result,
		Continuation: req.Continuation,
	}
	data, err = envelope.EncodeResponse(resp, owner, coordinator.Doc)
	if err != nil {
		return err
	}
	if err := s.Registry.SetListening(finalize); err != nil {
		return err
	}
	if err := s.Transport.Put(ctx, responseARID, data); err != nil {
		return err
	}
	s.Logger().Info("signature share posted", zap.String("session", session.Short()))
	return nil
}

// Attach fetches the finalize package, independently recomputes the
// aggregate, verifies it against the group key, and attaches it to the
// target envelope.
func (s *Signer) Attach(ctx context.Context, group, session arid.ARID) (*envelope.Envelope, error) {
	owner, err := s.Registry.Owner()
	if err != nil {
		return nil, err
	}
	sr, err := s.State.LoadSignReceive(group, session)
	if err != nil {
		return nil, err
	}
	sc, err := s.State.LoadSignCommit(group, session)
	if err != nil {
		return nil, err
	}
	sh, err := s.State.LoadSignShare(group, session)
	if err != nil {
		return nil, err
	}

	data, ok, err := s.Transport.Get(ctx, sh.FinalizeARID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("signing: no finalize package at %s", sh.FinalizeARID.Short())
	}
	req, err := envelope.DecodeRequest(data, owner, s.Registry.Lookup())
	if err != nil {
		return nil, err
	}
	if req.Function != envelope.FnSignFinalize {
		return nil, fmt.Errorf("signing: unexpected function %q", req.Function)
	}
	if req.Sender != sr.Coordinator {
		return nil, fmt.Errorf("%w: finalize from %s", envelope.ErrAuthenticationFailed, req.Sender.Short())
	}
	got, err := paramARID(req.Params, paramSession)
	if err != nil {
		return nil, err
	}
	if got != session {
		return nil, protocol.ErrSessionIDMismatch
	}

	var commitmentsWire map[party.ID][]byte
	if err := req.Params.Get(paramCommitments, &commitmentsWire); err != nil {
		return nil, err
	}
	var sharesWire map[party.ID][]byte
	if err := req.Params.Get(paramSignatureShares, &sharesWire); err != nil {
		return nil, err
	}

	ownRaw, err := state.DecodeBlob(sc.Commitment)
	if err != nil {
		return nil, err
	}
	if echoed, found := commitmentsWire[sr.Identifier]; !found || !bytes.Equal(echoed, ownRaw) {
		return nil, protocol.Errf("attach", sr.Identifier, "commitment_tamper")
	}

	digest, err := hex.DecodeString(sr.TargetDigest)
	if err != nil {
		return nil, err
	}
	sp := &frost.SigningPackage{
		Message:     digest,
		Commitments: make(map[party.ID]*frost.SigningCommitment, len(commitmentsWire)),
	}
	for id, blob := range commitmentsWire {
		var comm frost.SigningCommitment
		if err := comm.UnmarshalBinary(blob); err != nil {
			return nil, protocol.Errf("attach", id, "malformed commitment: %v", err)
		}
		sp.Commitments[id] = &comm
	}
	shares := make(map[party.ID]*frost.SignatureShare, len(sharesWire))
	sharesB64 := make(map[party.ID]string, len(sharesWire))
	for id, blob := range sharesWire {
		var share frost.SignatureShare
		if err := share.UnmarshalBinary(blob); err != nil {
			return nil, protocol.Errf("attach", id, "malformed share: %v", err)
		}
		shares[id] = &share
		sharesB64[id] = state.EncodeBlob(blob)
	}

	pub, err := s.State.LoadPublicKeyPackage(group)
	if err != nil {
		return nil, err
	}
	sig, err := frost.Aggregate(sp, shares, pub)
	if err != nil {
		return nil, protocol.Errf("attach", sr.Identifier, "%v", err)
	}
	sigBytes := sig.ToEd25519()

	target, err := envelope.ParseUR(sr.TargetEnvelope)
	if err != nil {
		return nil, err
	}
	verifyingKey := pub.GroupKey.Point.Bytes()
	if err := target.AttachSignature(sigBytes, verifyingKey); err != nil {
		return nil, err
	}
	if err := target.VerifyAttached(verifyingKey); err != nil {
		return nil, protocol.Errf("attach", sr.Identifier, "attached signature failed verification: %v", err)
	}

	commitmentsB64 := make(map[party.ID]string, len(commitmentsWire))
	for id, blob := range commitmentsWire {
		commitmentsB64[id] = state.EncodeBlob(blob)
	}
	if err := s.State.SaveSignFinal(group, session, &state.SignFinal{
		Signature:      state.EncodeBlob(sigBytes),
		SignedEnvelope: target.UR(),
		Commitments:    commitmentsB64,
		Shares:         sharesB64,
	}); err != nil {
		return nil, err
	}
	if err := s.Registry.SetListening(arid.ARID{}); err != nil {
		return nil, err
	}
	s.Logger().Info("signature attached", zap.String("session", session.Short()))
	return target, nil
}
