package dkg_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartke/frost-rendezvous/collect"
	"github.com/bartke/frost-rendezvous/dkg"
	"github.com/bartke/frost-rendezvous/kv"
	"github.com/bartke/frost-rendezvous/protocol"
	"github.com/bartke/frost-rendezvous/registry"
	"github.com/bartke/frost-rendezvous/state"
	"github.com/bartke/frost-rendezvous/xid"
)

// detReader is a deterministic byte stream so ceremonies are reproducible
// under test.
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

// introduce registers b in a's registry under b's name.
func introduce(t *testing.T, a, b *actor) {
	t.Helper()
	require.NoError(t, a.eng.Registry.AddParticipant(b.doc.Public(b.name), b.name))
}

func testConfig() collect.Config {
	return collect.Config{Timeout: 2 * time.Second}
}

func setupCeremony(t *testing.T) (*actor, []*actor, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()

	alice := newTestActor(t, "alice", store)
	bob := newTestActor(t, "bob", store)
	carol := newTestActor(t, "carol", store)
	dan := newTestActor(t, "dan", store)
	participants := []*actor{bob, carol, dan}

	for _, p := range participants {
		introduce(t, alice, p)
		introduce(t, p, alice)
	}
	return alice, participants, store
}

func routeFor(t *testing.T, res *dkg.InviteResult, x xid.XID) state.Route {
	t.Helper()
	for _, r := range res.Routes {
		if r.XID == x {
			return r
		}
	}
	t.Fatalf("no route for %s", x.Short())
	return state.Route{}
}

func TestDKGHappyPath2of3(t *testing.T) {
	ctx := context.Background()
	alice, participants, _ := setupCeremony(t)
	coordinator := &dkg.Coordinator{Engine: alice.eng}

	res, err := coordinator.Invite(ctx, "This group will authorize new club editions.", 2,
		[]string{"bob", "carol", "dan"}, dkg.Options{Collect: testConfig()})
	require.NoError(t, err)
	group := res.GroupID

	// participants fetch their invitations from the out-of-band slots
	for _, p := range participants {
		engine := &dkg.Participant{Engine: p.eng}
		inv, err := engine.ReceiveInvite(ctx, routeFor(t, res, p.doc.XID()).SendTo)
		require.NoError(t, err)
		assert.Equal(t, group, inv.GroupID)
		assert.Equal(t, "This group will authorize new club editions.", inv.Charter)
		require.NoError(t, engine.Accept(ctx, group))
	}

	r1, err := coordinator.CollectRound1(ctx, group, testConfig())
	require.NoError(t, err)
	require.Len(t, r1.Successes, 3)

	require.NoError(t, coordinator.DispatchRound2(ctx, group, dkg.Options{Collect: testConfig()}))
	for _, p := range participants {
		require.NoError(t, (&dkg.Participant{Engine: p.eng}).RespondRound2(ctx, group))
	}

	r2, err := coordinator.CollectRound2(ctx, group, testConfig())
	require.NoError(t, err)
	require.Len(t, r2.Successes, 3)

	require.NoError(t, coordinator.DispatchFinalize(ctx, group, dkg.Options{Collect: testConfig()}))
	var packages [][]byte
	for _, p := range participants {
		pub, err := (&dkg.Participant{Engine: p.eng}).RespondFinalize(ctx, group)
		require.NoError(t, err)
		data, err := pub.MarshalJSON()
		require.NoError(t, err)
		packages = append(packages, data)
	}

	fin, err := coordinator.CollectFinalize(ctx, group, testConfig())
	require.NoError(t, err)
	require.Len(t, fin.Successes, 3)

	// every participant derived the byte-identical public key package
	for _, data := range packages[1:] {
		assert.True(t, bytes.Equal(packages[0], data))
	}

	// and every registry records the same verifying key
	g, err := alice.eng.Registry.Group(group)
	require.NoError(t, err)
	require.NotEmpty(t, g.VerifyingKey)
	assert.Equal(t, registry.StatusFinalized, g.Status)
	for _, p := range participants {
		pg, err := p.eng.Registry.Group(group)
		require.NoError(t, err)
		assert.Equal(t, g.VerifyingKey, pg.VerifyingKey)
		assert.Equal(t, registry.StatusFinalized, pg.Status)
	}

	// identifiers are the 1-based ranks of the XID bytes
	xids := []xid.XID{participants[0].doc.XID(), participants[1].doc.XID(), participants[2].doc.XID()}
	expected, err := protocol.AssignIdentifiers(xids)
	require.NoError(t, err)
	for i, p := range participants {
		m, ok := g.Member(p.doc.XID())
		require.True(t, ok)
		assert.Equal(t, expected[xids[i]], m.Identifier)
	}
}

func TestDKGRejection(t *testing.T) {
	ctx := context.Background()
	alice, participants, _ := setupCeremony(t)
	coordinator := &dkg.Coordinator{Engine: alice.eng}

	res, err := coordinator.Invite(ctx, "club", 2, []string{"bob", "carol", "dan"},
		dkg.Options{Collect: testConfig()})
	require.NoError(t, err)
	group := res.GroupID

	for _, p := range participants {
		engine := &dkg.Participant{Engine: p.eng}
		_, err := engine.ReceiveInvite(ctx, routeFor(t, res, p.doc.XID()).SendTo)
		require.NoError(t, err)
		if p.name == "dan" {
			require.NoError(t, engine.Reject(ctx, group, "busy"))
		} else {
			require.NoError(t, engine.Accept(ctx, group))
		}
	}

	r1, err := coordinator.CollectRound1(ctx, group, testConfig())
	require.NoError(t, err)
	assert.Len(t, r1.Successes, 2)
	assert.Len(t, r1.Rejections, 1)

	g, err := alice.eng.Registry.Group(group)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPartial, g.Status)
	for _, p := range participants {
		m, ok := g.Member(p.doc.XID())
		require.True(t, ok)
		if p.name == "dan" {
			assert.Equal(t, "rejected", m.Status)
		} else {
			assert.Equal(t, "round1_done", m.Status)
		}
	}

	// dan's registry reflects the rejection
	dg, err := participants[2].eng.Registry.Group(group)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRejected, dg.Status)
}

func TestReplayedResponseIsRefused(t *testing.T) {
	ctx := context.Background()
	alice, participants, store := setupCeremony(t)
	coordinator := &dkg.Coordinator{Engine: alice.eng}

	res, err := coordinator.Invite(ctx, "club", 2, []string{"bob", "carol", "dan"},
		dkg.Options{Collect: testConfig()})
	require.NoError(t, err)
	group := res.GroupID

	for _, p := range participants {
		engine := &dkg.Participant{Engine: p.eng}
		_, err := engine.ReceiveInvite(ctx, routeFor(t, res, p.doc.XID()).SendTo)
		require.NoError(t, err)
		require.NoError(t, engine.Accept(ctx, group))
	}

	// capture bob's response envelope
	bobRoute := routeFor(t, res, participants[0].doc.XID())
	captured, ok, err := store.Get(ctx, bobRoute.CollectFrom)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = coordinator.CollectRound1(ctx, group, testConfig())
	require.NoError(t, err)

	// replaying the captured envelope hits the single-write transport
	assert.ErrorIs(t, store.Put(ctx, bobRoute.CollectFrom, captured), kv.ErrSlotWritten)
}

func TestInvitePreviewDoesNotPost(t *testing.T) {
	ctx := context.Background()
	alice, _, store := setupCeremony(t)
	coordinator := &dkg.Coordinator{Engine: alice.eng}

	res, err := coordinator.Invite(ctx, "club", 2, []string{"bob", "carol", "dan"},
		dkg.Options{Preview: true, Collect: testConfig()})
	require.NoError(t, err)
	require.NotEmpty(t, res.Envelope)

	mem := store.(*kv.MemoryStore)
	for _, r := range res.Routes {
		assert.False(t, mem.Written(r.SendTo))
	}
}

func TestInviteRejectsBadThreshold(t *testing.T) {
	ctx := context.Background()
	alice, _, _ := setupCeremony(t)
	coordinator := &dkg.Coordinator{Engine: alice.eng}

	_, err := coordinator.Invite(ctx, "club", 1, []string{"bob", "carol"}, dkg.Options{})
	assert.Error(t, err)
	_, err = coordinator.Invite(ctx, "club", 4, []string{"bob", "carol", "dan"}, dkg.Options{})
	assert.Error(t, err)
}
