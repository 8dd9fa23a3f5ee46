package dkg

import (
	"bytes"
	"context"
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

// DefaultInviteValidity bounds how long a group invite may be answered.
const DefaultInviteValidity = 24 * time.Hour

// Coordinator drives the coordinator side of a key generation ceremony.
type Coordinator struct {
	protocol.Engine
}

// Options tune a coordinator dispatch.
type Options struct {
	// Preview builds everything without posting to the transport.
	Preview bool
	// ValidUntil overrides the default request expiry.
	ValidUntil time.Time
	// Collect configures timeout, parallelism and progress reporting.
	Collect collect.Config
}

// InviteResult reports a built (and possibly posted) invite.
type InviteResult struct {
	GroupID arid.ARID
	// Envelope is the sealed multicast, identical for every recipient.
	Envelope []byte
	// Routes lists, per participant, the first-hop slot to hand over
	// out-of-band and the slot the coordinator polls for the reply.
	Routes []state.Route
}

// Invite assembles and posts a dkgGroupInvite to every named participant.
// The first-hop slot per participant is the only identifier that must be
// delivered out-of-band.
func (c *Coordinator) Invite(ctx context.Context, charter string, minSigners party.Size, petNames []string, opts Options) (*InviteResult, error) {
	owner, err := c.Registry.Owner()
	if err != nil {
		return nil, err
	}

	n := party.Size(len(petNames))
	if minSigners < 2 || minSigners > n {
		return nil, frost.ErrThreshold
	}

	docs := make([]*xid.Document, 0, n)
	xids := make([]xid.XID, 0, n)
	names := make(map[xid.XID]string, n)
	for _, name := range petNames {
		p, err := c.Registry.ParticipantByName(name)
		if err != nil {
			return nil, err
		}
		x := p.Doc.XID()
		docs = append(docs, p.Doc)
		xids = append(xids, x)
		names[x] = name
	}

	identifiers, err := protocol.AssignIdentifiers(xids)
	if err != nil {
		return nil, err
	}

	groupID := arid.New()
	requestID := arid.New()

	routes := make([]state.Route, 0, n)
	wire := make([]wireParticipant, 0, n)
	for _, doc := range docs {
		x := doc.XID()
		sendTo := arid.New()
		collectFrom := arid.New()

		continuation, err := protocol.NewContinuation(owner, groupID, collectFrom)
		if err != nil {
			return nil, err
		}
		routeRaw, err := envelope.Marshal(&wireRoute{
			ResponseARID: collectFrom[:],
			Continuation: continuation,
		})
		if err != nil {
			return nil, err
		}
		sealedRoute, err := envelope.SealBytes(doc, routeRaw)
		if err != nil {
			return nil, err
		}
		docRaw, err := encodeDoc(doc)
		if err != nil {
			return nil, err
		}

		wire = append(wire, wireParticipant{Doc: docRaw, SealedRoute: sealedRoute})
		routes = append(routes, state.Route{
			XID:         x,
			Identifier:  identifiers[x],
			SendTo:      sendTo,
			CollectFrom: collectFrom,
		})
	}

	validUntil := opts.ValidUntil
	if validUntil.IsZero() {
		validUntil = time.Now().Add(DefaultInviteValidity)
	}

	params := envelope.Params{}
	if err := params.Set(paramCharter, charter); err != nil {
		return nil, err
	}
	if err := params.Set(paramMinSigners, uint16(minSigners)); err != nil {
		return nil, err
	}
	if err := params.Set(paramSession, groupID[:]); err != nil {
		return nil, err
	}
	if err := params.Set(paramParticipants, wire); err != nil {
		return nil, err
	}

	req := &envelope.Request{
		Function:   envelope.FnDKGGroupInvite,
		Params:     params,
		RequestID:  requestID,
		ValidUntil: validUntil,
	}
	data, err := envelope.EncodeRequest(req, owner, docs)
	if err != nil {
		return nil, err
	}

	members := make([]registry.Member, 0, n)
	for _, r := range routes {
		members = append(members, registry.Member{
			PetName:    names[r.XID],
			XID:        r.XID,
			Identifier: r.Identifier,
		})
	}
	record := &registry.GroupRecord{
		GroupID:      groupID,
		Charter:      charter,
		MinSigners:   minSigners,
		Coordinator:  owner.XID(),
		Participants: sortMembers(members),
		Status:       registry.StatusInvited,
	}

	result := &InviteResult{GroupID: groupID, Envelope: data, Routes: routes}
	if opts.Preview {
		return result, nil
	}

	if err := c.Registry.PutGroup(record); err != nil {
		return nil, err
	}
	if err := c.State.SaveDispatch(groupID, &state.DispatchRecord{
		Phase:     "invite",
		RequestID: requestID,
		Routes:    routes,
	}); err != nil {
		return nil, err
	}
	pending := make([]registry.PendingRequest, 0, n)
	for _, r := range routes {
		pending = append(pending, registry.PendingRequest{XID: r.XID, SendTo: r.SendTo, CollectFrom: r.CollectFrom})
	}
	if err := c.Registry.SetPendingRequests(protocol.Scope("dkg", groupID, "round1"), pending); err != nil {
		return nil, err
	}

	msgs := make([]collect.Message, 0, n)
	for _, r := range routes {
		msgs = append(msgs, collect.Message{XID: r.XID, SendTo: r.SendTo, Data: data, DisplayName: names[r.XID]})
	}
	if err := collect.DispatchErr(collect.Dispatch(ctx, c.Transport, msgs, opts.Collect)); err != nil {
		return nil, err
	}
	c.Logger().Info("group invite dispatched",
		zap.String("group", groupID.Short()), zap.Int("participants", int(n)))
	return result, nil
}

// round1Answer is the validated payload of one dkgInviteResponse.
type round1Answer struct {
	identifier party.ID
	pkg        []byte
	next       arid.ARID
}

// CollectRound1 polls every participant's invite response, verifies the
// correlation, and checkpoints the collected round 1 packages. Per-message
// failures are recorded per participant and do not abort the group.
func (c *Coordinator) CollectRound1(ctx context.Context, group arid.ARID, cfg collect.Config) (*collect.CollectionResult, error) {
	owner, err := c.Registry.Owner()
	if err != nil {
		return nil, err
	}
	record, err := c.Registry.Group(group)
	if err != nil {
		return nil, err
	}
	dispatch, err := c.State.LoadDispatch(group, "invite")
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
		resp, err := envelope.DecodeResponse(data, owner, lookup)
		if err != nil {
			return nil, err
		}
		if resp.Sender != x {
			return nil, fmt.Errorf("%w: response signed by %s", envelope.ErrAuthenticationFailed, resp.Sender.Short())
		}
		if resp.RequestID != dispatch.RequestID {
			return nil, protocol.ErrRequestIDMismatch
		}
		if err := protocol.CheckContinuation(owner, resp.Continuation, group, route.CollectFrom); err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%w: %s", collect.ErrRejected, resp.Err)
		}
		if err := paramSessionARID(resp.Result, group); err != nil {
			return nil, err
		}
		var identifier uint16
		if err := resp.Result.Get(paramIdentifier, &identifier); err != nil {
			return nil, err
		}
		if party.ID(identifier) != route.Identifier {
			return nil, protocol.Errf("round1", route.Identifier, "claimed identifier %d", identifier)
		}
		var pkgRaw []byte
		if err := resp.Result.Get(paramRound1Package, &pkgRaw); err != nil {
			return nil, err
		}
		var pkg frost.Round1Package
		if err := pkg.UnmarshalBinary(pkgRaw); err != nil {
			return nil, protocol.Errf("round1", route.Identifier, "malformed package: %v", err)
		}
		if pkg.ID != route.Identifier {
			return nil, protocol.Errf("round1", route.Identifier, "package identifier %d", pkg.ID)
		}
		next, err := paramARID(resp.Result, paramNextResponseARID)
		if err != nil {
			return nil, err
		}
		if next == group || next == dispatch.RequestID {
			return nil, protocol.Errf("round1", route.Identifier, "reused identifier as response slot")
		}
		return &round1Answer{identifier: route.Identifier, pkg: pkgRaw, next: next}, nil
	}

	result := collect.Collect(ctx, c.Transport, reqs, cfg, validate)

	collected := &state.CollectedRound1{
		Packages:  make(map[party.ID]string),
		NextARIDs: make(map[party.ID]arid.ARID),
	}
	for _, r := range result.Successes {
		a := r.Payload.(*round1Answer)
		if _, dup := collected.Packages[a.identifier]; dup {
			return nil, protocol.Errf("round1", a.identifier, "duplicate identifier in collection")
		}
		collected.Packages[a.identifier] = state.EncodeBlob(a.pkg)
		collected.NextARIDs[a.identifier] = a.next
	}
	if err := c.State.SaveCollectedRound1(group, collected); err != nil {
		return nil, err
	}

	if err := c.markMembers(group, result, "round1_done"); err != nil {
		return nil, err
	}
	status := registry.StatusRound1Done
	if len(result.Successes) == 0 {
		status = registry.StatusAborted
	} else if len(result.Successes) != len(reqs) {
		status = registry.StatusPartial
	}
	if err := c.Registry.SetGroupStatus(group, status); err != nil {
		return nil, err
	}
	return &result, nil
}

// DispatchRound2 sends each participant every other participant's round 1
// package, sealed one-to-one.
func (c *Coordinator) DispatchRound2(ctx context.Context, group arid.ARID, opts Options) error {
	return c.dispatchPhase(ctx, group, phaseSpec{
		name:     "round2",
		function: envelope.FnDKGRound2,
		params: func(collected *state.CollectedRound1, to party.ID) (envelope.Params, error) {
			others := make(map[party.ID][]byte)
			for id, blob := range collected.Packages {
				if id == to {
					continue
				}
				raw, err := state.DecodeBlob(blob)
				if err != nil {
					return nil, err
				}
				others[id] = raw
			}
			p := envelope.Params{}
			if err := p.Set(paramRound1Packages, others); err != nil {
				return nil, err
			}
			return p, nil
		},
	}, opts)
}

// phaseSpec describes a one-to-one dispatch derived from the round 1
// collection checkpoint.
type phaseSpec struct {
	name     string
	function string
	params   func(collected *state.CollectedRound1, to party.ID) (envelope.Params, error)
}

func (c *Coordinator) dispatchPhase(ctx context.Context, group arid.ARID, spec phaseSpec, opts Options) error {
	owner, err := c.Registry.Owner()
	if err != nil {
		return err
	}
	record, err := c.Registry.Group(group)
	if err != nil {
		return err
	}
	collected, err := c.State.LoadCollectedRound1(group)
	if err != nil {
		return err
	}
	nextARIDs, err := c.phaseTargets(group, spec.name)
	if err != nil {
		return err
	}

	requestID := arid.New()
	validUntil := opts.ValidUntil
	if validUntil.IsZero() {
		validUntil = time.Now().Add(DefaultInviteValidity)
	}

	var routes []state.Route
	var msgs []collect.Message
	for id, sendTo := range nextARIDs {
		member, ok := record.MemberByIdentifier(id)
		if !ok {
			return protocol.Errf(spec.name, id, "identifier not in group record")
		}
		doc, err := c.Registry.ParticipantByXID(member.XID)
		if err != nil {
			return err
		}

		collectFrom := arid.New()
		continuation, err := protocol.NewContinuation(owner, group, collectFrom)
		if err != nil {
			return err
		}

		params, err := spec.params(collected, id)
		if err != nil {
			return err
		}
		if err := params.Set(paramSession, group[:]); err != nil {
			return err
		}
		if err := params.Set(paramNextResponseARID, collectFrom[:]); err != nil {
			return err
		}

		req := &envelope.Request{
			Function:     spec.function,
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
		routes = append(routes, state.Route{XID: member.XID, Identifier: id, SendTo: sendTo, CollectFrom: collectFrom})
		msgs = append(msgs, collect.Message{XID: member.XID, SendTo: sendTo, Data: data, DisplayName: name})
	}

	if opts.Preview {
		return nil
	}

	if err := c.State.SaveDispatch(group, &state.DispatchRecord{
		Phase:     spec.name,
		RequestID: requestID,
		Routes:    routes,
	}); err != nil {
		return err
	}
	pending := make([]registry.PendingRequest, 0, len(routes))
	for _, r := range routes {
		pending = append(pending, registry.PendingRequest{XID: r.XID, SendTo: r.SendTo, CollectFrom: r.CollectFrom})
	}
	if err := c.Registry.SetPendingRequests(protocol.Scope("dkg", group, spec.name), pending); err != nil {
		return err
	}
	if err := collect.DispatchErr(collect.Dispatch(ctx, c.Transport, msgs, opts.Collect)); err != nil {
		return err
	}
	c.Logger().Info("phase dispatched", zap.String("group", group.Short()), zap.String("phase", spec.name))
	return nil
}

// phaseTargets returns, per identifier, the slot the participant is
// listening on for the named phase's request.
func (c *Coordinator) phaseTargets(group arid.ARID, phase string) (map[party.ID]arid.ARID, error) {
	switch phase {
	case "round2":
		collected, err := c.State.LoadCollectedRound1(group)
		if err != nil {
			return nil, err
		}
		return collected.NextARIDs, nil
	case "finalize":
		collected, err := c.State.LoadCollectedRound2(group)
		if err != nil {
			return nil, err
		}
		return collected.NextARIDs, nil
	default:
		return nil, fmt.Errorf("dkg: unknown phase %q", phase)
	}
}

// round2Answer is the validated payload of one dkgRound2Response.
type round2Answer struct {
	identifier party.ID
	// packages maps recipient identifier to the package addressed to it.
	packages map[party.ID][]byte
	next     arid.ARID
}

// CollectRound2 polls every participant's round 2 response and re-indexes
// the packages by recipient for the finalize dispatch.
func (c *Coordinator) CollectRound2(ctx context.Context, group arid.ARID, cfg collect.Config) (*collect.CollectionResult, error) {
	owner, err := c.Registry.Owner()
	if err != nil {
		return nil, err
	}
	dispatch, err := c.State.LoadDispatch(group, "round2")
	if err != nil {
		return nil, err
	}
	record, err := c.Registry.Group(group)
	if err != nil {
		return nil, err
	}
	lookup := c.Registry.Lookup()

	reqs := collectRequests(record, dispatch)
	validate := func(x xid.XID, data []byte) (any, error) {
		route, ok := dispatch.Route(x)
		if !ok {
			return nil, protocol.ErrParticipantMissing
		}
		resp, err := c.decodeCorrelated(data, owner, lookup, x, dispatch, group, route)
		if err != nil {
			return nil, err
		}
		raw, err := packagesByID(resp.Result, paramRound2Packages)
		if err != nil {
			return nil, err
		}
		packages := make(map[party.ID][]byte, len(raw))
		for recipient, blob := range raw {
			var pkg frost.Round2Package
			if err := pkg.UnmarshalBinary(blob); err != nil {
				return nil, protocol.Errf("round2", route.Identifier, "malformed package for %d: %v", recipient, err)
			}
			if pkg.From != route.Identifier || pkg.To != recipient {
				return nil, protocol.Errf("round2", route.Identifier, "package addressed %d→%d", pkg.From, pkg.To)
			}
			packages[recipient] = blob
		}
		next, err := paramARID(resp.Result, paramNextResponseARID)
		if err != nil {
			return nil, err
		}
		return &round2Answer{identifier: route.Identifier, packages: packages, next: next}, nil
	}

	result := collect.Collect(ctx, c.Transport, reqs, cfg, validate)

	collected := &state.CollectedRound2{
		Packages:  make(map[party.ID]map[party.ID]string),
		NextARIDs: make(map[party.ID]arid.ARID),
	}
	for _, r := range result.Successes {
		a := r.Payload.(*round2Answer)
		m := make(map[party.ID]string, len(a.packages))
		for recipient, blob := range a.packages {
			m[recipient] = state.EncodeBlob(blob)
		}
		collected.Packages[a.identifier] = m
		collected.NextARIDs[a.identifier] = a.next
	}
	if err := c.State.SaveCollectedRound2(group, collected); err != nil {
		return nil, err
	}
	if err := c.markMembers(group, result, "round2_done"); err != nil {
		return nil, err
	}
	if len(result.Successes) == len(reqs) {
		if err := c.Registry.SetGroupStatus(group, registry.StatusRound2Done); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

// DispatchFinalize delivers to each participant the round 2 packages
// addressed to it.
func (c *Coordinator) DispatchFinalize(ctx context.Context, group arid.ARID, opts Options) error {
	collected, err := c.State.LoadCollectedRound2(group)
	if err != nil {
		return err
	}
	return c.dispatchPhase(ctx, group, phaseSpec{
		name:     "finalize",
		function: envelope.FnDKGFinalize,
		params: func(_ *state.CollectedRound1, to party.ID) (envelope.Params, error) {
			forMe := make(map[party.ID][]byte)
			for sender, byRecipient := range collected.Packages {
				if sender == to {
					continue
				}
				blob, ok := byRecipient[to]
				if !ok {
					return nil, protocol.Errf("finalize", sender, "no package for %d", to)
				}
				raw, err := state.DecodeBlob(blob)
				if err != nil {
					return nil, err
				}
				forMe[sender] = raw
			}
			p := envelope.Params{}
			if err := p.Set(paramRound2Packages, forMe); err != nil {
				return nil, err
			}
			return p, nil
		},
	}, opts)
}

// CollectFinalize polls every participant's finalize response, verifies all
// returned public key packages are byte-equal, and records the group
// verifying key.
func (c *Coordinator) CollectFinalize(ctx context.Context, group arid.ARID, cfg collect.Config) (*collect.CollectionResult, error) {
	owner, err := c.Registry.Owner()
	if err != nil {
		return nil, err
	}
	dispatch, err := c.State.LoadDispatch(group, "finalize")
	if err != nil {
		return nil, err
	}
	record, err := c.Registry.Group(group)
	if err != nil {
		return nil, err
	}
	lookup := c.Registry.Lookup()

	reqs := collectRequests(record, dispatch)
	validate := func(x xid.XID, data []byte) (any, error) {
		route, ok := dispatch.Route(x)
		if !ok {
			return nil, protocol.ErrParticipantMissing
		}
		resp, err := c.decodeCorrelated(data, owner, lookup, x, dispatch, group, route)
		if err != nil {
			return nil, err
		}
		var pkgRaw []byte
		if err := resp.Result.Get(paramPublicKeyPackage, &pkgRaw); err != nil {
			return nil, err
		}
		var pub frost.PublicKeyPackage
		if err := pub.UnmarshalJSON(pkgRaw); err != nil {
			return nil, protocol.Errf("finalize", route.Identifier, "malformed public key package: %v", err)
		}
		return pkgRaw, nil
	}

	result := collect.Collect(ctx, c.Transport, reqs, cfg, validate)
	if len(result.Successes) == 0 {
		return &result, protocol.Errf("finalize", 0, "no finalize responses")
	}

	collected := &state.CollectedFinalize{PublicKeyPackages: make(map[party.ID]string)}
	var reference []byte
	for _, r := range result.Successes {
		pkgRaw := r.Payload.([]byte)
		route, _ := dispatch.Route(r.XID)
		if reference == nil {
			reference = pkgRaw
		} else if !bytes.Equal(reference, pkgRaw) {
			return nil, protocol.Errf("finalize", route.Identifier, "public key package differs")
		}
		collected.PublicKeyPackages[route.Identifier] = state.EncodeBlob(pkgRaw)
	}

	var pub frost.PublicKeyPackage
	if err := pub.UnmarshalJSON(reference); err != nil {
		return nil, err
	}
	verifyingKey := pub.GroupKey.Point.Bytes()
	collected.VerifyingKey = state.EncodeBlob(verifyingKey)

	if err := c.State.SaveCollectedFinalize(group, collected); err != nil {
		return nil, err
	}
	if err := c.State.SavePublicKeyPackage(group, &pub); err != nil {
		return nil, err
	}

	status := registry.StatusFinalized
	if len(result.Successes) != len(reqs) {
		status = registry.StatusPartial
	}
	if err := c.Registry.PutGroup(&registry.GroupRecord{
		GroupID:      group,
		VerifyingKey: verifyingKey,
		Status:       status,
	}); err != nil {
		return nil, err
	}
	for _, phase := range []string{"round1", "round2", "finalize"} {
		if err := c.Registry.ClearPendingRequests(protocol.Scope("dkg", group, phase)); err != nil {
			return nil, err
		}
	}
	c.Logger().Info("group finalized", zap.String("group", group.Short()))
	return &result, nil
}

// decodeCorrelated decodes a response and checks the full correlation:
// sender, request id, continuation, session, and explicit rejection.
func (c *Coordinator) decodeCorrelated(data []byte, owner *xid.PrivateDocument, lookup envelope.Lookup, x xid.XID, dispatch *state.DispatchRecord, group arid.ARID, route *state.Route) (*envelope.Response, error) {
	resp, err := envelope.DecodeResponse(data, owner, lookup)
	if err != nil {
		return nil, err
	}
	if resp.Sender != x {
		return nil, fmt.Errorf("%w: response signed by %s", envelope.ErrAuthenticationFailed, resp.Sender.Short())
	}
	if resp.RequestID != dispatch.RequestID {
		return nil, protocol.ErrRequestIDMismatch
	}
	if err := protocol.CheckContinuation(owner, resp.Continuation, group, route.CollectFrom); err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s", collect.ErrRejected, resp.Err)
	}
	if err := paramSessionARID(resp.Result, group); err != nil {
		return nil, err
	}
	return resp, nil
}

// markMembers records per-member progress after a collection.
func (c *Coordinator) markMembers(group arid.ARID, result collect.CollectionResult, done string) error {
	return c.Registry.Update(func(f *registry.File) error {
		record, ok := f.Groups[group.String()]
		if !ok {
			return registry.ErrUnknownGroup
		}
		for _, r := range result.Successes {
			if m, found := record.Member(r.XID); found {
				m.Status = done
			}
		}
		for _, r := range result.Rejections {
			if m, found := record.Member(r.XID); found {
				m.Status = "rejected"
			}
		}
		for _, r := range result.Timeouts {
			if m, found := record.Member(r.XID); found {
				m.Status = "missing"
			}
		}
		return nil
	})
}

func collectRequests(record *registry.GroupRecord, dispatch *state.DispatchRecord) []collect.Request {
	reqs := make([]collect.Request, 0, len(dispatch.Routes))
	for _, r := range dispatch.Routes {
		name := r.XID.Short()
		if m, ok := record.Member(r.XID); ok && m.PetName != "" {
			name = m.PetName
		}
		reqs = append(reqs, collect.Request{XID: r.XID, CollectFrom: r.CollectFrom, DisplayName: name})
	}
	return reqs
}

func sortMembers(members []registry.Member) []registry.Member {
	out := make([]registry.Member, len(members))
	copy(out, members)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Identifier < out[j-1].Identifier; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
