package dkg

import (
	"context"
	"fmt"
	"path/filepath"

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

// Participant drives the participant side of a key generation ceremony.
type Participant struct {
	protocol.Engine
}

// Invite is the decoded view of a received group invitation.
type Invite struct {
	GroupID     arid.ARID
	Charter     string
	MinSigners  party.Size
	Coordinator xid.XID
	Identifier  party.ID
	Total       party.Size
}

// inviteState is the participant's durable record of the invitation.
type inviteState struct {
	Version      int        `json:"version"`
	GroupID      arid.ARID  `json:"group_id"`
	RequestID    arid.ARID  `json:"request_id"`
	ResponseARID arid.ARID  `json:"response_arid"`
	Continuation string     `json:"continuation"`
	Identifier   party.ID   `json:"identifier"`
	Total        party.Size `json:"total"`
	MinSigners   party.Size `json:"min_signers"`
	Coordinator  xid.XID    `json:"coordinator"`
}

func (p *Participant) invitePath(group arid.ARID) string {
	return filepath.Join(p.State.GroupDir(group), "invite.json")
}

// ReceiveInvite fetches the invitation from the out-of-band slot and
// decodes it.
func (p *Participant) ReceiveInvite(ctx context.Context, slot arid.ARID) (*Invite, error) {
	data, ok, err := p.Transport.Get(ctx, slot)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("dkg: no invitation at %s", slot.Short())
	}
	return p.DecodeInvite(data)
}

// DecodeInvite verifies and records a group invitation. The sender must be
// a known participant in the registry; our own XID must be listed; the
// identifier is the 1-based rank of our XID among the listed participants.
func (p *Participant) DecodeInvite(data []byte) (*Invite, error) {
	owner, err := p.Registry.Owner()
	if err != nil {
		return nil, err
	}
	req, err := envelope.DecodeRequest(data, owner, p.Registry.Lookup())
	if err != nil {
		return nil, err
	}
	if req.Function != envelope.FnDKGGroupInvite {
		return nil, fmt.Errorf("dkg: unexpected function %q", req.Function)
	}

	var charter string
	if err := req.Params.Get(paramCharter, &charter); err != nil {
		return nil, err
	}
	var minSigners uint16
	if err := req.Params.Get(paramMinSigners, &minSigners); err != nil {
		return nil, err
	}
	groupID, err := paramARID(req.Params, paramSession)
	if err != nil {
		return nil, err
	}
	var wire []wireParticipant
	if err := req.Params.Get(paramParticipants, &wire); err != nil {
		return nil, err
	}

	n := party.Size(len(wire))
	if party.Size(minSigners) < 2 || party.Size(minSigners) > n {
		return nil, frost.ErrThreshold
	}

	self := owner.XID()
	xids := make([]xid.XID, 0, n)
	members := make([]registry.Member, 0, n)
	var sealedRoute []byte
	for _, wp := range wire {
		doc, err := decodeDoc(wp.Doc)
		if err != nil {
			return nil, err
		}
		x := doc.XID()
		xids = append(xids, x)
		if x == self {
			sealedRoute = wp.SealedRoute
		}
	}
	if sealedRoute == nil {
		return nil, fmt.Errorf("%w: we are not invited", protocol.ErrParticipantMissing)
	}

	identifiers, err := protocol.AssignIdentifiers(xids)
	if err != nil {
		return nil, err
	}
	for _, x := range xids {
		members = append(members, registry.Member{XID: x, Identifier: identifiers[x]})
	}

	routeRaw, err := envelope.OpenBytes(owner, sealedRoute)
	if err != nil {
		return nil, err
	}
	var route wireRoute
	if err := envelope.Unmarshal(routeRaw, &route); err != nil {
		return nil, fmt.Errorf("dkg: decode route: %w", err)
	}
	responseARID, err := arid.FromBytes(route.ResponseARID)
	if err != nil {
		return nil, err
	}

	record := &registry.GroupRecord{
		GroupID:      groupID,
		Charter:      charter,
		MinSigners:   party.Size(minSigners),
		Coordinator:  req.Sender,
		Participants: sortMembers(members),
		Status:       registry.StatusInvited,
	}
	if err := p.Registry.PutGroup(record); err != nil {
		return nil, err
	}

	inv := &inviteState{
		GroupID:      groupID,
		RequestID:    req.RequestID,
		ResponseARID: responseARID,
		Continuation: state.EncodeBlob(route.Continuation),
		Identifier:   identifiers[self],
		Total:        n,
		MinSigners:   party.Size(minSigners),
		Coordinator:  req.Sender,
	}
	inv.Version = state.Version
	if err := p.State.SaveJSON(p.invitePath(groupID), inv); err != nil {
		return nil, err
	}

	p.Logger().Info("invitation received",
		zap.String("group", groupID.Short()),
		zap.Uint16("identifier", uint16(inv.Identifier)))
	return &Invite{
		GroupID:     groupID,
		Charter:     charter,
		MinSigners:  party.Size(minSigners),
		Coordinator: req.Sender,
		Identifier:  inv.Identifier,
		Total:       n,
	}, nil
}

func (p *Participant) loadInvite(group arid.ARID) (*inviteState, error) {
	var inv inviteState
	if err := p.State.LoadJSON(p.invitePath(group), &inv); err != nil {
		return nil, err
	}
	if inv.Version != state.Version {
		return nil, fmt.Errorf("%w: invite checkpoint version %d", state.ErrCorruption, inv.Version)
	}
	return &inv, nil
}

// Accept runs DKG part 1, persists the secrets, and posts the invite
// response carrying our round 1 package and the slot we will listen on for
// the round 2 request.
func (p *Participant) Accept(ctx context.Context, group arid.ARID) error {
	owner, err := p.Registry.Owner()
	if err != nil {
		return err
	}
	inv, err := p.loadInvite(group)
	if err != nil {
		return err
	}
	coordinator, err := p.Registry.ParticipantByXID(inv.Coordinator)
	if err != nil {
		return err
	}

	sec, pkg, err := frost.Part1(inv.Identifier, inv.Total, inv.MinSigners)
	if err != nil {
		return p.abort(group, "part1", inv.Identifier, err)
	}
	if err := p.State.SaveRound1Secret(group, sec); err != nil {
		return err
	}
	if err := p.State.SaveRound1Package(group, pkg); err != nil {
		return err
	}

	pkgRaw, err := pkg.MarshalBinary()
	if err != nil {
		return err
	}
	next := arid.New()
	continuation, err := state.DecodeBlob(inv.Continuation)
	if err != nil {
		return err
	}

	result := envelope.Params{}
	if err := result.Set(paramSession, group[:]); err != nil {
		return err
	}
	if err := result.Set(paramIdentifier, uint16(inv.Identifier)); err != nil {
		return err
	}
	if err := result.Set(paramRound1Package, pkgRaw); err != nil {
		return err
	}
	if err := result.Set(paramNextResponseARID, next[:]); err != nil {
		return err
	}

	resp := &envelope.Response{
		RequestID:    inv.RequestID,
		Result:       result,
		Continuation: continuation,
	}
	data, err := envelope.EncodeResponse(resp, owner, coordinator.Doc)
	if err != nil {
		return err
	}

	// record where we will listen before posting, so a crash between the
	// two leaves us resumable
	if err := p.Registry.SetListening(next); err != nil {
		return err
	}
	if err := p.Transport.Put(ctx, inv.ResponseARID, data); err != nil {
		return err
	}
	if err := p.Registry.SetGroupStatus(group, registry.StatusRound1Done); err != nil {
		return err
	}
	p.Logger().Info("invitation accepted", zap.String("group", group.Short()))
	return nil
}

// Reject posts an error response and marks the group rejected.
func (p *Participant) Reject(ctx context.Context, group arid.ARID, reason string) error {
	owner, err := p.Registry.Owner()
	if err != nil {
		return err
	}
	inv, err := p.loadInvite(group)
	if err != nil {
		return err
	}
	coordinator, err := p.Registry.ParticipantByXID(inv.Coordinator)
	if err != nil {
		return err
	}
	continuation, err := state.DecodeBlob(inv.Continuation)
	if err != nil {
		return err
	}

	resp := &envelope.Response{
		RequestID:    inv.RequestID,
		Err:          reason,
		Continuation: continuation,
	}
	data, err := envelope.EncodeResponse(resp, owner, coordinator.Doc)
	if err != nil {
		return err
	}
	if err := p.Transport.Put(ctx, inv.ResponseARID, data); err != nil {
		return err
	}
	return p.Registry.SetGroupStatus(group, registry.StatusRejected)
}

// fetchPhaseRequest reads the next request from our listening slot and
// validates the sender and session.
func (p *Participant) fetchPhaseRequest(ctx context.Context, group arid.ARID, function string) (*envelope.Request, *inviteState, error) {
	inv, err := p.loadInvite(group)
	if err != nil {
		return nil, nil, err
	}
	listening, err := p.Registry.Listening()
	if err != nil {
		return nil, nil, err
	}
	if listening.IsZero() {
		return nil, nil, fmt.Errorf("dkg: not listening for %s", function)
	}

	data, ok, err := p.Transport.Get(ctx, listening)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("dkg: no %s request at %s", function, listening.Short())
	}

	owner, err := p.Registry.Owner()
	if err != nil {
		return nil, nil, err
	}
	req, err := envelope.DecodeRequest(data, owner, p.Registry.Lookup())
	if err != nil {
		return nil, nil, err
	}
	if req.Function != function {
		return nil, nil, fmt.Errorf("dkg: unexpected function %q, want %q", req.Function, function)
	}
	if req.Sender != inv.Coordinator {
		return nil, nil, fmt.Errorf("%w: request from %s", envelope.ErrAuthenticationFailed, req.Sender.Short())
	}
	if err := paramSessionARID(req.Params, group); err != nil {
		return nil, nil, err
	}
	return req, inv, nil
}

// RespondRound2 processes the round 2 request: verify the other round 1
// packages, derive a share per peer, and post the response.
func (p *Participant) RespondRound2(ctx context.Context, group arid.ARID) error {
	req, inv, err := p.fetchPhaseRequest(ctx, group, envelope.FnDKGRound2)
	if err != nil {
		return err
	}
	owner, err := p.Registry.Owner()
	if err != nil {
		return err
	}
	coordinator, err := p.Registry.ParticipantByXID(inv.Coordinator)
	if err != nil {
		return err
	}

	raw, err := packagesByID(req.Params, paramRound1Packages)
	if err != nil {
		return err
	}
	others := make(map[party.ID]*frost.Round1Package, len(raw))
	peers := &state.PeerRound1Packages{Packages: make(map[party.ID]string, len(raw))}
	for id, blob := range raw {
		var pkg frost.Round1Package
		if err := pkg.UnmarshalBinary(blob); err != nil {
			return p.abort(group, "round2", id, err)
		}
		others[id] = &pkg
		peers.Packages[id] = state.EncodeBlob(blob)
	}

	sec, err := p.State.LoadRound1Secret(group)
	if err != nil {
		return err
	}
	sec2, outgoing, err := frost.Part2(sec, others)
	if err != nil {
		return p.abort(group, "round2", inv.Identifier, err)
	}
	if err := p.State.SaveRound2Secret(group, sec2); err != nil {
		return err
	}
	if err := p.State.SavePeerRound1Packages(group, peers); err != nil {
		return err
	}

	wirePackages := make(map[party.ID][]byte, len(outgoing))
	for id, pkg := range outgoing {
		blob, err := pkg.MarshalBinary()
		if err != nil {
			return err
		}
		wirePackages[id] = blob
	}

	responseARID, err := paramARID(req.Params, paramNextResponseARID)
	if err != nil {
		return err
	}
	next := arid.New()

	result := envelope.Params{}
	if err := result.Set(paramSession, group[:]); err != nil {
		return err
	}
	if err := result.Set(paramRound2Packages, wirePackages); err != nil {
		return err
	}
	if err := result.Set(paramNextResponseARID, next[:]); err != nil {
		return err
	}

	resp := &envelope.Response{
		RequestID:    req.RequestID,
		Result:       result,
		Continuation: req.Continuation,
	}
	data, err := envelope.EncodeResponse(resp, owner, coordinator.Doc)
	if err != nil {
		return err
	}
	if err := p.Registry.SetListening(next); err != nil {
		return err
	}
	if err := p.Transport.Put(ctx, responseARID, data); err != nil {
		return err
	}
	if err := p.Registry.SetGroupStatus(group, registry.StatusRound2Done); err != nil {
		return err
	}
	p.Logger().Info("round 2 response posted", zap.String("group", group.Short()))
	return nil
}

// RespondFinalize processes the finalize request: verify the shares
// addressed to us, derive the key package, record the verifying key, and
// post the public key package for cross-verification.
func (p *Participant) RespondFinalize(ctx context.Context, group arid.ARID) (*frost.PublicKeyPackage, error) {
	req, inv, err := p.fetchPhaseRequest(ctx, group, envelope.FnDKGFinalize)
	if err != nil {
		return nil, err
	}
	owner, err := p.Registry.Owner()
	if err != nil {
		return nil, err
	}
	coordinator, err := p.Registry.ParticipantByXID(inv.Coordinator)
	if err != nil {
		return nil, err
	}

	raw, err := packagesByID(req.Params, paramRound2Packages)
	if err != nil {
		return nil, err
	}
	incoming := make(map[party.ID]*frost.Round2Package, len(raw))
	for id, blob := range raw {
		var pkg frost.Round2Package
		if err := pkg.UnmarshalBinary(blob); err != nil {
			return nil, p.abort(group, "finalize", id, err)
		}
		incoming[id] = &pkg
	}

	peers, err := p.State.LoadPeerRound1Packages(group)
	if err != nil {
		return nil, err
	}
	round1 := make(map[party.ID]*frost.Round1Package, len(peers.Packages))
	for id, blob := range peers.Packages {
		raw, err := state.DecodeBlob(blob)
		if err != nil {
			return nil, err
		}
		var pkg frost.Round1Package
		if err := pkg.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		round1[id] = &pkg
	}

	sec2, err := p.State.LoadRound2Secret(group)
	if err != nil {
		return nil, err
	}
	kp, pub, err := frost.Part3(sec2, round1, incoming)
	if err != nil {
		return nil, p.abort(group, "finalize", inv.Identifier, err)
	}

	if err := p.State.SaveKeyPackage(group, kp); err != nil {
		return nil, err
	}
	if err := p.State.SavePublicKeyPackage(group, pub); err != nil {
		return nil, err
	}
	if err := p.Registry.PutGroup(&registry.GroupRecord{
		GroupID:      group,
		VerifyingKey: pub.GroupKey.Point.Bytes(),
		Status:       registry.StatusFinalized,
	}); err != nil {
		return nil, err
	}

	pubRaw, err := pub.MarshalJSON()
	if err != nil {
		return nil, err
	}
	result := envelope.Params{}
	if err := result.Set(paramSession, group[:]); err != nil {
		return nil, err
	}
	if err := result.Set(paramPublicKeyPackage, pubRaw); err != nil {
		return nil, err
	}

	resp := &envelope.Response{
		RequestID:    req.RequestID,
		Result:       result,
		Continuation: req.Continuation,
	}
	responseARID, err := paramARID(req.Params, paramNextResponseARID)
	if err != nil {
		return nil, err
	}
	data, err := envelope.EncodeResponse(resp, owner, coordinator.Doc)
	if err != nil {
		return nil, err
	}
	if err := p.Transport.Put(ctx, responseARID, data); err != nil {
		return nil, err
	}
	// the ceremony is over; stop listening
	if err := p.Registry.SetListening(arid.ARID{}); err != nil {
		return nil, err
	}
	p.Logger().Info("key generation finalized", zap.String("group", group.Short()))
	return pub, nil
}

// abort marks the group aborted and wraps the cause as a ProtocolError.
func (p *Participant) abort(group arid.ARID, phase string, id party.ID, cause error) error {
	if err := p.Registry.SetGroupStatus(group, registry.StatusAborted); err != nil {
		return err
	}
	return protocol.Errf(phase, id, "%v", cause)
}
