package signing_test

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	frost "github.com/bartke/frost-rendezvous"
	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/collect"
	"github.com/bartke/frost-rendezvous/dkg"
	"github.com/bartke/frost-rendezvous/envelope"
	"github.com/bartke/frost-rendezvous/kv"
	"github.com/bartke/frost-rendezvous/protocol"
	"github.com/bartke/frost-rendezvous/registry"
	"github.com/bartke/frost-rendezvous/signing"
	"github.com/bartke/frost-rendezvous/state"
	"github.com/bartke/frost-rendezvous/xid"
)

type detReader struct {
	seed    [32]byte
	counter uint64
	buf     []byte
}

func newDetReader(seed string) *detReader {
	return &detReader{seed: sha256.Sum256([]byte(seed))}
}

func (d *detReader) Read(p []byte) (int, error) {
	for len(d.buf) < len(p) {
		var block [40]byte
		copy(block[:32], d.seed[:])
		binary.BigEndian.PutUint64(block[32:], d.counter)
		d.counter++
		sum := sha256.Sum256(block[:])
		d.buf = append(d.buf, sum[:]...)
	}
	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}

type actor struct {
	name string
	doc  *xid.PrivateDocument
	eng  protocol.Engine
}

func newTestActor(t *testing.T, name string, store kv.Store) *actor {
	t.Helper()
	doc, err := xid.NewPrivateDocument(newDetReader(name))
	require.NoError(t, err)

	reg := registry.New(filepath.Join(t.TempDir(), "registry.json"), nil)
	require.NoError(t, reg.SetOwner(doc))

	return &actor{
		name: name,
		doc:  doc,
		eng: protocol.Engine{
			Registry:  reg,
			State:     state.New(reg.Dir(), nil),
			Transport: store,
		},
	}
}

func testConfig() collect.Config {
	return collect.Config{Timeout: 2 * time.Second}
}

// finalizedGroup runs a full DKG and returns the coordinator, the
// participants, and the group id.
func finalizedGroup(t *testing.T) (*actor, []*actor, arid.ARID, kv.Store) {
	t.Helper()
	ctx := context.Background()
	store := kv.NewMemoryStore()

	alice := newTestActor(t, "alice", store)
	bob := newTestActor(t, "bob", store)
	carol := newTestActor(t, "carol", store)
	dan := newTestActor(t, "dan", store)
	participants := []*actor{bob, carol, dan}

	for _, p := range participants {
		require.NoError(t, alice.eng.Registry.AddParticipant(p.doc.Public(p.name), p.name))
		require.NoError(t, p.eng.Registry.AddParticipant(alice.doc.Public("alice"), "alice"))
	}

	coordinator := &dkg.Coordinator{Engine: alice.eng}
	res, err := coordinator.Invite(ctx, "club", 2, []string{"bob", "carol", "dan"},
		dkg.Options{Collect: testConfig()})
	require.NoError(t, err)
	group := res.GroupID

	for _, p := range participants {
		engine := &dkg.Participant{Engine: p.eng}
		var sendTo arid.ARID
		for _, r := range res.Routes {
			if r.XID == p.doc.XID() {
				sendTo = r.SendTo
			}
		}
		_, err := engine.ReceiveInvite(ctx, sendTo)
		require.NoError(t, err)
		require.NoError(t, engine.Accept(ctx, group))
	}

	_, err = coordinator.CollectRound1(ctx, group, testConfig())
	require.NoError(t, err)
	require.NoError(t, coordinator.DispatchRound2(ctx, group, dkg.Options{Collect: testConfig()}))
	for _, p := range participants {
		require.NoError(t, (&dkg.Participant{Engine: p.eng}).RespondRound2(ctx, group))
	}
	_, err = coordinator.CollectRound2(ctx, group, testConfig())
	require.NoError(t, err)
	require.NoError(t, coordinator.DispatchFinalize(ctx, group, dkg.Options{Collect: testConfig()}))
	for _, p := range participants {
		_, err := (&dkg.Participant{Engine: p.eng}).RespondFinalize(ctx, group)
		require.NoError(t, err)
	}
	_, err = coordinator.CollectFinalize(ctx, group, testConfig())
	require.NoError(t, err)

	return alice, participants, group, store
}

func routeFor(t *testing.T, res *signing.StartResult, x xid.XID) state.Route {
	t.Helper()
	for _, r := range res.Routes {
		if r.XID == x {
			return r
		}
	}
	t.Fatalf("no route for %s", x.Short())
	return state.Route{}
}

func TestSigning2of3(t *testing.T) {
	ctx := context.Background()
	alice, participants, group, _ := finalizedGroup(t)
	bob, carol := participants[0], participants[1]

	coordinator := &signing.Coordinator{Engine: alice.eng}
	target := envelope.NewString("hello world")
	digest := target.SubjectDigest()

	res, err := coordinator.Start(ctx, group, target, []string{"bob", "carol"},
		signing.Options{Collect: testConfig()})
	require.NoError(t, err)
	session := res.SessionID

	for _, p := range []*actor{bob, carol} {
		signer := &signing.Signer{Engine: p.eng}
		inv, err := signer.Receive(ctx, routeFor(t, res, p.doc.XID()).SendTo)
		require.NoError(t, err)
		assert.Equal(t, group, inv.GroupID)
		assert.Equal(t, "hello world", inv.Subject)
		assert.Equal(t, digest, inv.TargetDigest)
		require.NoError(t, signer.Commit(ctx, group, session))
	}

	_, err = coordinator.CollectCommitments(ctx, group, session, testConfig())
	require.NoError(t, err)
	require.NoError(t, coordinator.DispatchShare(ctx, group, session, signing.Options{Collect: testConfig()}))

	for _, p := range []*actor{bob, carol} {
		require.NoError(t, (&signing.Signer{Engine: p.eng}).Share(ctx, group, session))
	}

	final, err := coordinator.Finalize(ctx, group, session, signing.Options{Collect: testConfig()})
	require.NoError(t, err)

	// the aggregated signature is a standard Ed25519 signature over the
	// subject digest under the group verifying key
	g, err := alice.eng.Registry.Group(group)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(g.VerifyingKey, digest[:], final.Signature))
	require.NoError(t, final.SignedEnvelope.VerifyAttached(g.VerifyingKey))

	// each signer independently recomputes and attaches
	for _, p := range []*actor{bob, carol} {
		signed, err := (&signing.Signer{Engine: p.eng}).Attach(ctx, group, session)
		require.NoError(t, err)
		require.NoError(t, signed.VerifyAttached(g.VerifyingKey))
	}
}

func TestSigningTamperedCommitment(t *testing.T) {
	ctx := context.Background()
	alice, participants, group, _ := finalizedGroup(t)
	bob, carol := participants[0], participants[1]

	coordinator := &signing.Coordinator{Engine: alice.eng}
	target := envelope.NewString("hello world")

	res, err := coordinator.Start(ctx, group, target, []string{"bob", "carol"},
		signing.Options{Collect: testConfig()})
	require.NoError(t, err)
	session := res.SessionID

	for _, p := range []*actor{bob, carol} {
		signer := &signing.Signer{Engine: p.eng}
		_, err := signer.Receive(ctx, routeFor(t, res, p.doc.XID()).SendTo)
		require.NoError(t, err)
		require.NoError(t, signer.Commit(ctx, group, session))
	}

	_, err = coordinator.CollectCommitments(ctx, group, session, testConfig())
	require.NoError(t, err)

	// the coordinator alters bob's commitment before dispatching signShare
	bobRecord, err := alice.eng.Registry.Group(group)
	require.NoError(t, err)
	bobMember, ok := bobRecord.Member(bob.doc.XID())
	require.True(t, ok)

	collected, err := alice.eng.State.LoadSignCommitments(group, session)
	require.NoError(t, err)
	kp, err := bob.eng.State.LoadKeyPackage(group)
	require.NoError(t, err)
	_, forged, err := frost.SignRound1(kp)
	require.NoError(t, err)
	forgedRaw, err := forged.MarshalBinary()
	require.NoError(t, err)
	collected.Commitments[bobMember.Identifier] = state.EncodeBlob(forgedRaw)
	require.NoError(t, alice.eng.State.SaveSignCommitments(group, session, collected))

	require.NoError(t, coordinator.DispatchShare(ctx, group, session, signing.Options{Collect: testConfig()}))

	// bob detects the mismatch against its persisted commitment
	err = (&signing.Signer{Engine: bob.eng}).Share(ctx, group, session)
	require.Error(t, err)
	var perr *protocol.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "commitment_tamper")

	// carol proceeds, but the quorum is not met
	require.NoError(t, (&signing.Signer{Engine: carol.eng}).Share(ctx, group, session))
	_, err = coordinator.Finalize(ctx, group, session, signing.Options{Collect: testConfig()})
	assert.ErrorIs(t, err, protocol.ErrQuorumNotMet)
}

func TestSigningDecline(t *testing.T) {
	ctx := context.Background()
	alice, participants, group, _ := finalizedGroup(t)
	bob, carol := participants[0], participants[1]

	coordinator := &signing.Coordinator{Engine: alice.eng}
	res, err := coordinator.Start(ctx, group, envelope.NewString("decline me"), []string{"bob", "carol"},
		signing.Options{Collect: testConfig()})
	require.NoError(t, err)
	session := res.SessionID

	bobSigner := &signing.Signer{Engine: bob.eng}
	_, err = bobSigner.Receive(ctx, routeFor(t, res, bob.doc.XID()).SendTo)
	require.NoError(t, err)
	require.NoError(t, bobSigner.Commit(ctx, group, session))

	carolSigner := &signing.Signer{Engine: carol.eng}
	_, err = carolSigner.Receive(ctx, routeFor(t, res, carol.doc.XID()).SendTo)
	require.NoError(t, err)
	require.NoError(t, carolSigner.Decline(ctx, group, session, "not today"))

	result, err := coordinator.CollectCommitments(ctx, group, session, testConfig())
	assert.ErrorIs(t, err, protocol.ErrQuorumNotMet)
	assert.Len(t, result.Rejections, 1)
}

func TestStartRequiresQuorumAndMembership(t *testing.T) {
	ctx := context.Background()
	alice, _, group, _ := finalizedGroup(t)
	coordinator := &signing.Coordinator{Engine: alice.eng}

	_, err := coordinator.Start(ctx, group, envelope.NewString("x"), []string{"bob"}, signing.Options{})
	assert.ErrorIs(t, err, protocol.ErrQuorumNotMet)

	eve := newTestActor(t, "eve", kv.NewMemoryStore())
	require.NoError(t, alice.eng.Registry.AddParticipant(eve.doc.Public("eve"), "eve"))
	_, err = coordinator.Start(ctx, group, envelope.NewString("x"), []string{"bob", "eve"}, signing.Options{})
	assert.ErrorIs(t, err, protocol.ErrParticipantMissing)
}
