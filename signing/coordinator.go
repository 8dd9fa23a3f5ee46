package signing

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	frost "github.com/bartke/frost-rendezvous"
	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/collect"
	"github.com/bartke/frost-rendezvous/envelope"
	"github.com/bartke/frost-rendezvous/party"
	"github.com/bartke/frost-rendezvous/protocol"
	"github.com/bartke/frost-rendezvous/registry"
	"github.com/bartke/frost-rendezvous/state"
	"github.com/bartke/frost-rendezvous/xid"
)

// DefaultSessionValidity bounds how long a signing invitation may be
// answered.
const DefaultSessionValidity = time.Hour

// Coordinator drives the coordinator side of a signing session.
type Coordinator struct {
	protocol.Engine
}

// Options tune a coordinator dispatch.
type Options struct {
	Preview    bool
	ValidUntil time.Time
	Collect    collect.Config
}

// StartResult reports a built (and possibly posted) signing invitation.
type StartResult struct {
	SessionID arid.ARID
	// Envelope is the sealed multicast, identical for every signer.
	Envelope []byte
	// Routes lists, per signer, the first-hop slot to hand over
	// out-of-band and the slot the signer's commitment is polled from.
	Routes []state.Route
}

// Start selects the signers, fixes the target digest, and posts the
// signCommit invitation.
func (c *Coordinator) Start(ctx context.Context, group arid.ARID, target *envelope.Envelope, signerNames []string, opts Options) (*StartResult, error) {
	owner, err := c.Registry.Owner()
	if err != nil {
		return nil, err
	}
	record, err := c.Registry.Group(group)
	if err != nil {
		return nil, err
	}
	if record.Status != registry.StatusFinalized {
		return nil, fmt.Errorf("signing: group %s is %s, not finalized", group.Short(), record.Status)
	}
	if party.Size(len(signerNames)) < record.MinSigners {
		return nil, fmt.Errorf("%w: %d signers, need %d", protocol.ErrQuorumNotMet, len(signerNames), record.MinSigners)
	}

	type chosen struct {
		member *registry.Member
		doc    *xid.Document
	}
	signers := make([]chosen, 0, len(signerNames))
	for _, name := range signerNames {
		p, err := c.Registry.ParticipantByName(name)
		if err != nil {
			return nil, err
		}
		m, ok := record.Member(p.Doc.XID())
		if !ok {
			return nil, fmt.Errorf("%w: %s is not in the group", protocol.ErrParticipantMissing, name)
		}
		signers = append(signers, chosen{member: m, doc: p.Doc})
	}

	sessionID := arid.New()
	requestID := arid.New()
	digest := target.SubjectDigest()
	targetRaw, err := target.MarshalBinary()
	if err != nil {
		return nil, err
	}

	routes := make([]state.Route, 0, len(signers))
	signerRoutes := make([]state.SignerRoute, 0, len(signers))
	wire := make([]wireSigner, 0, len(signers))
	docs := make([]*xid.Document, 0, len(signers))
	for _, s := range signers {
		sendTo := arid.New()
		commitARID := arid.New()
		shareARID := arid.New()

		continuation, err := protocol.NewContinuation(owner, sessionID, commitARID)
		if err != nil {
			return nil, err
		}
		routeRaw, err := envelope.Marshal(&wireSignRoute{
			ResponseARID: commitARID[:],
			NextHop:      shareARID[:],
			Continuation: continuation,
		})
		if err != nil {
			return nil, err
		}
		sealedRoute, err := envelope.SealBytes(s.doc, routeRaw)
		if err != nil {
			return nil, err
		}

		wire = append(wire, wireSigner{
			XID:         s.member.XID[:],
			Identifier:  uint16(s.member.Identifier),
			SealedRoute: sealedRoute,
		})
		docs = append(docs, s.doc)
		routes = append(routes, state.Route{
			XID:         s.member.XID,
			Identifier:  s.member.Identifier,
			SendTo:      sendTo,
			CollectFrom: commitARID,
		})
		signerRoutes = append(signerRoutes, state.SignerRoute{
			XID:        s.member.XID,
			Identifier: s.member.Identifier,
			CommitARID: commitARID,
			ShareARID:  shareARID,
		})
	}

	validUntil := opts.ValidUntil
	if validUntil.IsZero() {
		validUntil = time.Now().Add(DefaultSessionValidity)
	}

	params := envelope.Params{}
	if err := params.Set(paramSession, sessionID[:]); err != nil {
		return nil, err
	}
	if err := params.Set(paramGroup, group[:]); err != nil {
		return nil, err
	}
	if err := params.Set(paramTargetDigest, digest[:]); err != nil {
		return nil, err
	}
	if err := params.Set(paramTargetEnvelope, targetRaw); err != nil {
		return nil, err
	}
	if err := params.Set(paramMinSigners, uint16(record.MinSigners)); err != nil {
		return nil, err
	}
	if err := params.Set(paramParticipants, wire); err != nil {
		return nil, err
	}

	req := &envelope.Request{
		Function:   envelope.FnSignCommit,
		Params:     params,
		RequestID:  requestID,
		ValidUntil: validUntil,
	}
	data, err := envelope.EncodeRequest(req, owner, docs)
	if err != nil {
		return nil, err
	}

	result := &StartResult{SessionID: sessionID, Envelope: data, Routes: routes}
	if opts.Preview {
		return result, nil
	}

	if err := c.State.SaveSignStart(group, sessionID, &state.SignStart{
		Session:        sessionID,
		TargetDigest:   hex.EncodeToString(digest[:]),
		TargetEnvelope: target.UR(),
		MinSigners:     record.MinSigners,
		Signers:        signerRoutes,
	}); err != nil {
		return nil, err
	}
	if err := c.State.SaveSessionDispatch(group, sessionID, &state.DispatchRecord{
		Phase:     "commit",
		RequestID: requestID,
		Routes:    routes,
	}); err != nil {
		return nil, err
	}
	pending := make([]registry.PendingRequest, 0, len(routes))
	for _, r := range routes {
		pending = append(pending, registry.PendingRequest{XID: r.XID, SendTo: r.SendTo, CollectFrom: r.CollectFrom})
	}
	if err := c.Registry.SetPendingRequests(protocol.Scope("sign", sessionID, "commit"), pending); err != nil {
		return nil, err
	}

	msgs := make([]collect.Message, 0, len(routes))
	for i, r := range routes {
		name := signerNames[i]
		msgs = append(msgs, collect.Message{XID: r.XID, SendTo: r.SendTo, Data: data, DisplayName: name})
	}
	if err := collect.DispatchErr(collect.Dispatch(ctx, c.Transport, msgs, opts.Collect)); err != nil {
		return nil, err
	}
	c.Logger().Info("signing session started",
		zap.String("group", group.Short()),
		zap.String("session", sessionID.Short()),
		zap.Int("signers", len(routes)))
	return result, nil
}

// commitAnswer is the validated payload of one signCommitResponse.
type commitAnswer struct {
	identifier party.ID
	commitment []byte
	next       arid.ARID
}

// CollectCommitments polls every signer's commit response and checkpoints
// the commitments map. Fewer than min_signers valid responses is
// ErrQuorumNotMet.
func (c *Coordinator) CollectCommitments(ctx context.Context, group, session arid.ARID, cfg collect.Config) (*collect.CollectionResult, error) {
	owner, err := c.Registry.Owner()
	if err != nil {
		return nil, err
	}
	start, err := c.State.LoadSignStart(group, session)
	if err != nil {
		return nil, err
	}
	dispatch, err := c.State.LoadSessionDispatch(group, session, "commit")
	if err != nil {
		return nil, err
	}
	record, err := c.Registry.Group(group)
	if err != nil {
		return nil, err
	}
	lookup := c.Registry.Lookup()

	reqs := make([]collect.Request, 0, len(dispatch.Routes))
	for _, r := range dispatch.Routes {
		name := r.XID.Short()
		if m, ok := record.Member(r.XID); ok && m.PetName != "" {
			name = m.PetName
		}
		reqs = append(reqs, collect.Request{XID: r.XID, CollectFrom: r.CollectFrom, DisplayName: name})
	}

	validate := func(x xid.XID, data []byte) (any, error) {
		route, ok := dispatch.Route(x)
		if !ok {
			return nil, protocol.ErrParticipantMissing
		}
		resp, err := c.decodeCorrelated(data, owner, lookup, x, dispatch.RequestID, session, route.CollectFrom)
		if err != nil {
			return nil, err
		}
		var commitRaw []byte
		if err := resp.Result.Get(paramCommitments, &commitRaw); err != nil {
			return nil, err
		}
		var comm frost.SigningCommitment
		if err := comm.UnmarshalBinary(commitRaw); err != nil {
			return nil, protocol.Errf("commit", route.Identifier, "malformed commitment: %v", err)
		}
		if comm.ID != route.Identifier {
			return nil, protocol.Errf("commit", route.Identifier, "commitment identifier %d", comm.ID)
		}
		next, err := paramARID(resp.Result, paramNextResponseARID)
		if err != nil {
			return nil, err
		}
		return &commitAnswer{identifier: route.Identifier, commitment: commitRaw, next: next}, nil
	}

	result := collect.Collect(ctx, c.Transport, reqs, cfg, validate)

	collected := &state.SignCommitments{
		Commitments:   make(map[party.ID]string),
		ResponseARIDs: make(map[party.ID]arid.ARID),
	}
	for _, r := range result.Successes {
		a := r.Payload.(*commitAnswer)
		if prev, dup := collected.Commitments[a.identifier]; dup {
			if prev == state.EncodeBlob(a.commitment) {
				continue
			}
			return nil, protocol.Errf("commit", a.identifier, "conflicting commitments")
		}
		collected.Commitments[a.identifier] = state.EncodeBlob(a.commitment)
		collected.ResponseARIDs[a.identifier] = a.next
	}
	if err := c.State.SaveSignCommitments(group, session, collected); err != nil {
		return nil, err
	}
	if party.Size(len(collected.Commitments)) < start.MinSigners {
		return &result, fmt.Errorf("%w: %d of %d commitments", protocol.ErrQuorumNotMet, len(collected.Commitments), start.MinSigners)
	}
	return &result, nil
}

// DispatchShare sends every committed signer the full commitments map,
// sealed one-to-one.
func (c *Coordinator) DispatchShare(ctx context.Context, group, session arid.ARID, opts Options) error {
	owner, err := c.Registry.Owner()
	if err != nil {
		return err
	}
	start, err := c.State.LoadSignStart(group, session)
	if err != nil {
		return err
	}
	collected, err := c.State.LoadSignCommitments(group, session)
	if err != nil {
		return err
	}
	record, err := c.Registry.Group(group)
	if err != nil {
		return err
	}

	commitments := make(map[party.ID][]byte, len(collected.Commitments))
	for id, blob := range collected.Commitments {
		raw, err := state.DecodeBlob(blob)
		if err != nil {
			return err
		}
		commitments[id] = raw
	}

	requestID := arid.New()
	validUntil := opts.ValidUntil
	if validUntil.IsZero() {
		validUntil = time.Now().Add(DefaultSessionValidity)
	}

	var routes []state.Route
	var msgs []collect.Message
	for id := range collected.Commitments {
		member, ok := record.MemberByIdentifier(id)
		if !ok {
			return protocol.Errf("share", id, "identifier not in group record")
		}
		signerRoute, ok := start.Route(member.XID)
		if !ok {
			return protocol.Errf("share", id, "signer not in session")
		}
		doc, err := c.Registry.ParticipantByXID(member.XID)
		if err != nil {
			return err
		}

		collectFrom := collected.ResponseARIDs[id]
		continuation, err := protocol.NewContinuation(owner, session, collectFrom)
		if err != nil {
			return err
		}

		params := envelope.Params{}
		if err := params.Set(paramSession, session[:]); err != nil {
			return err
		}
		if err := params.Set(paramCommitments, commitments); err != nil {
			return err
		}
		if err := params.Set(paramResponseARID, collectFrom[:]); err != nil {
			return err
		}

		req := &envelope.Request{
			Function:     envelope.FnSignShare,
			Params:       params,
			RequestID:    requestID,
			ValidUntil:   validUntil,
			Continuation: continuation,
		}
		data, err := envelope.EncodeRequest(req, owner, []*xid.Document{doc.Doc})
		if err != nil {
			return err
		}

		name := member.PetName
		if name == "" {
			name = member.XID.Short()
		}
		routes = append(routes, state.Route{XID: member.XID, Identifier: id, SendTo: signerRoute.ShareARID, CollectFrom: collectFrom})
		msgs = append(msgs, collect.Message{XID: member.XID, SendTo: signerRoute.ShareARID, Data: data, DisplayName: name})
	}

	if opts.Preview {
		return nil
	}
	if err := c.State.SaveSessionDispatch(group, session, &state.DispatchRecord{
		Phase:     "share",
		RequestID: requestID,
		Routes:    routes,
	}); err != nil {
		return err
	}
	pending := make([]registry.PendingRequest, 0, len(routes))
	for _, r := range routes {
		pending = append(pending, registry.PendingRequest{XID: r.XID, SendTo: r.SendTo, CollectFrom: r.CollectFrom})
	}
	if err := c.Registry.SetPendingRequests(protocol.Scope("sign", session, "share"), pending); err != nil {
		return err
	}
	if err := collect.DispatchErr(collect.Dispatch(ctx, c.Transport, msgs, opts.Collect)); err != nil {
		return err
	}
	c.Logger().Info("share requests dispatched", zap.String("session", session.Short()))
	return nil
}

// shareAnswer is the validated payload of one signShareResponse.
type shareAnswer struct {
	identifier party.ID
	share      []byte
	finalize   arid.ARID
}

// FinalizeResult is the outcome of a completed session.
type FinalizeResult struct {
	// Signature is the aggregated Ed25519 signature.
	Signature []byte
	// SignedEnvelope is the target with the signature attached.
	SignedEnvelope *envelope.Envelope
	Collection     collect.CollectionResult
}

// Finalize collects the signature shares, aggregates and verifies the
// signature, attaches it to the target, posts the per-signer finalize
// packages, and returns the signature.
func (c *Coordinator) Finalize(ctx context.Context, group, session arid.ARID, opts Options) (*FinalizeResult, error) {
	owner, err := c.Registry.Owner()
	if err != nil {
		return nil, err
	}
	start, err := c.State.LoadSignStart(group, session)
	if err != nil {
		return nil, err
	}
	collected, err := c.State.LoadSignCommitments(group, session)
	if err != nil {
		return nil, err
	}
	dispatch, err := c.State.LoadSessionDispatch(group, session, "share")
	if err != nil {
		return nil, err
	}
	record, err := c.Registry.Group(group)
	if err != nil {
		return nil, err
	}
	lookup := c.Registry.Lookup()

	reqs := make([]collect.Request, 0, len(dispatch.Routes))
	for _, r := range dispatch.Routes {
		name := r.XID.Short()
		if m, ok := record.Member(r.XID); ok && m.PetName != "" {
			name = m.PetName
		}
		reqs = append(reqs, collect.Request{XID: r.XID, CollectFrom: r.CollectFrom, DisplayName: name})
	}

	validate := func(x xid.XID, data []byte) (any, error) {
		route, ok := dispatch.Route(x)
		if !ok {
			return nil, protocol.ErrParticipantMissing
		}
		resp, err := c.decodeCorrelated(data, owner, lookup, x, dispatch.RequestID, session, route.CollectFrom)
		if err != nil {
			return nil, err
		}
		var shareRaw []byte
		if err := resp.Result.Get(paramSignatureShare, &shareRaw); err != nil {
			return nil, err
		}
		var share frost.SignatureShare
		if err := share.UnmarshalBinary(shareRaw); err != nil {
			return nil, protocol.Errf("finalize", route.Identifier, "malformed share: %v", err)
		}
		if share.ID != route.Identifier {
			return nil, protocol.Errf("finalize", route.Identifier, "share identifier %d", share.ID)
		}
		finalize, err := paramARID(resp.Result, paramNextResponseARID)
		if err != nil {
			return nil, err
		}
		return &shareAnswer{identifier: route.Identifier, share: shareRaw, finalize: finalize}, nil
	}

	result := collect.Collect(ctx, c.Transport, reqs, opts.Collect, validate)
	if party.Size(len(result.Successes)) < start.MinSigners {
		return &FinalizeResult{Collection: result},
			fmt.Errorf("%w: %d of %d shares", protocol.ErrQuorumNotMet, len(result.Successes), start.MinSigners)
	}

	digest, err := hex.DecodeString(start.TargetDigest)
	if err != nil {
		return nil, err
	}
	sp := &frost.SigningPackage{
		Message:     digest,
		Commitments: make(map[party.ID]*frost.SigningCommitment),
	}
	for id, blob := range collected.Commitments {
		raw, err := state.DecodeBlob(blob)
		if err != nil {
			return nil, err
		}
		var comm frost.SigningCommitment
		if err := comm.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		sp.Commitments[id] = &comm
	}

	shares := make(map[party.ID]*frost.SignatureShare)
	finalizeARIDs := make(map[party.ID]arid.ARID)
	sharesB64 := make(map[party.ID]string)
	for _, r := range result.Successes {
		a := r.Payload.(*shareAnswer)
		var share frost.SignatureShare
		if err := share.UnmarshalBinary(a.share); err != nil {
			return nil, err
		}
		shares[a.identifier] = &share
		finalizeARIDs[a.identifier] = a.finalize
		sharesB64[a.identifier] = state.EncodeBlob(a.share)
	}

	pub, err := c.State.LoadPublicKeyPackage(group)
	if err != nil {
		return nil, err
	}
	sig, err := frost.Aggregate(sp, shares, pub)
	if err != nil {
		return nil, protocol.Errf("finalize", 0, "%v", err)
	}
	sigBytes := sig.ToEd25519()

	target, err := envelope.ParseUR(start.TargetEnvelope)
	if err != nil {
		return nil, err
	}
	verifyingKey := pub.GroupKey.Point.Bytes()
	if err := target.AttachSignature(sigBytes, verifyingKey); err != nil {
		return nil, err
	}
	if err := target.VerifyAttached(verifyingKey); err != nil {
		return nil, protocol.Errf("finalize", 0, "attached signature failed verification: %v", err)
	}

	final := &state.SignFinal{
		Signature:      state.EncodeBlob(sigBytes),
		SignedEnvelope: target.UR(),
		Commitments:    collected.Commitments,
		Shares:         sharesB64,
	}
	if err := c.State.SaveSignFinal(group, session, final); err != nil {
		return nil, err
	}

	// per-signer finalize packages, so each signer can recompute and attach
	requestID := arid.New()
	commitments := make(map[party.ID][]byte)
	for id, blob := range collected.Commitments {
		raw, _ := state.DecodeBlob(blob)
		commitments[id] = raw
	}
	sharesWire := make(map[party.ID][]byte)
	for id, s := range sharesB64 {
		raw, _ := state.DecodeBlob(s)
		sharesWire[id] = raw
	}

	var msgs []collect.Message
	for id, slot := range finalizeARIDs {
		member, ok := record.MemberByIdentifier(id)
		if !ok {
			continue
		}
		doc, err := c.Registry.ParticipantByXID(member.XID)
		if err != nil {
			return nil, err
		}
		params := envelope.Params{}
		if err := params.Set(paramSession, session[:]); err != nil {
			return nil, err
		}
		if err := params.Set(paramCommitments, commitments); err != nil {
			return nil, err
		}
		if err := params.Set(paramSignatureShares, sharesWire); err != nil {
			return nil, err
		}
		req := &envelope.Request{
			Function:  envelope.FnSignFinalize,
			Params:    params,
			RequestID: requestID,
		}
		data, err := envelope.EncodeRequest(req, owner, []*xid.Document{doc.Doc})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, collect.Message{XID: member.XID, SendTo: slot, Data: data, DisplayName: member.PetName})
	}
	if err := collect.DispatchErr(collect.Dispatch(ctx, c.Transport, msgs, opts.Collect)); err != nil {
		return nil, err
	}

	for _, phase := range []string{"commit", "share"} {
		if err := c.Registry.ClearPendingRequests(protocol.Scope("sign", session, phase)); err != nil {
			return nil, err
		}
	}
	c.Logger().Info("signature aggregated",
		zap.String("session", session.Short()),
		zap.String("signature", hex.EncodeToString(sigBytes[:8])))
	return &FinalizeResult{Signature: sigBytes, SignedEnvelope: target, Collection: result}, nil
}

// decodeCorrelated decodes a response and checks sender, request id,
// continuation, session, and explicit rejection.
func (c *Coordinator) decodeCorrelated(data []byte, owner *xid.PrivateDocument, lookup envelope.Lookup, x xid.XID, requestID, session, collectFrom arid.ARID) (*envelope.Response, error) {
	resp, err := envelope.DecodeResponse(data, owner, lookup)
	if err != nil {
		return nil, err
	}
	if resp.Sender != x {
		return nil, fmt.Errorf("%w: response signed by %s", envelope.ErrAuthenticationFailed, resp.Sender.Short())
	}
	if resp.RequestID != requestID {
		return nil, protocol.ErrRequestIDMismatch
	}
	if err := protocol.CheckContinuation(owner, resp.Continuation, session, collectFrom); err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s", collect.ErrRejected, resp.Err)
	}
	got, err := paramARID(resp.Result, paramSession)
	if err != nil {
		return nil, err
	}
	if got != session {
		return nil, protocol.ErrSessionIDMismatch
	}
	return resp, nil
}
