package registry

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/xid"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "registry.json"), nil)
}

func newDoc(t *testing.T) *xid.PrivateDocument {
	t.Helper()
	pd, err := xid.NewPrivateDocument(rand.Reader)
	require.NoError(t, err)
	return pd
}

func TestOwnerSetIdempotent(t *testing.T) {
	r := newRegistry(t)
	owner := newDoc(t)

	require.NoError(t, r.SetOwner(owner))
	first, err := os.ReadFile(r.Path())
	require.NoError(t, err)

	// identical keys: idempotent, file unchanged
	require.NoError(t, r.SetOwner(owner))
	second, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// different keys: conflict
	other := newDoc(t)
	assert.ErrorIs(t, r.SetOwner(other), ErrOwnerConflict)
}

func TestParticipantAdd(t *testing.T) {
	r := newRegistry(t)
	owner := newDoc(t)
	require.NoError(t, r.SetOwner(owner))

	bob := newDoc(t)
	require.NoError(t, r.AddParticipant(bob.Public("bob"), "bob"))

	// identical add: idempotent, file byte-equal
	first, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	require.NoError(t, r.AddParticipant(bob.Public("bob"), "bob"))
	second, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// same XID under a different pet name
	assert.ErrorIs(t, r.AddParticipant(bob.Public("robert"), "robert"), ErrPetNameConflict)

	// same pet name for a different XID
	carol := newDoc(t)
	assert.ErrorIs(t, r.AddParticipant(carol.Public("bob"), "bob"), ErrPetNameConflict)

	// self-enrollment
	assert.ErrorIs(t, r.AddParticipant(owner.Public("me"), "me"), ErrDuplicateParticipant)

	// lookups resolve both ways
	p, err := r.ParticipantByName("bob")
	require.NoError(t, err)
	assert.Equal(t, bob.XID(), p.Doc.XID())
	p, err = r.ParticipantByXID(bob.XID())
	require.NoError(t, err)
	assert.Equal(t, "bob", p.PetName)
}

func TestGroupMerge(t *testing.T) {
	r := newRegistry(t)
	group := arid.New()
	coordinator := newDoc(t).XID()

	require.NoError(t, r.PutGroup(&GroupRecord{
		GroupID:     group,
		Charter:     "the club",
		MinSigners:  2,
		Coordinator: coordinator,
		Status:      StatusInvited,
	}))

	// compatible merge fills in fields
	require.NoError(t, r.PutGroup(&GroupRecord{
		GroupID:      group,
		VerifyingKey: []byte{1, 2, 3},
		Status:       StatusFinalized,
	}))
	g, err := r.Group(group)
	require.NoError(t, err)
	assert.Equal(t, "the club", g.Charter)
	assert.Equal(t, StatusFinalized, g.Status)
	assert.Equal(t, []byte{1, 2, 3}, g.VerifyingKey)

	// overwriting the verifying key is refused
	err = r.PutGroup(&GroupRecord{GroupID: group, VerifyingKey: []byte{9}})
	assert.ErrorIs(t, err, ErrGroupConflict)

	// overwriting the coordinator is refused
	err = r.PutGroup(&GroupRecord{GroupID: group, Coordinator: newDoc(t).XID()})
	assert.ErrorIs(t, err, ErrGroupConflict)
}

func TestListeningAndPending(t *testing.T) {
	r := newRegistry(t)

	slot := arid.New()
	require.NoError(t, r.SetListening(slot))
	got, err := r.Listening()
	require.NoError(t, err)
	assert.Equal(t, slot, got)

	require.NoError(t, r.SetListening(arid.ARID{}))
	got, err = r.Listening()
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	reqs := []PendingRequest{{XID: newDoc(t).XID(), SendTo: arid.New(), CollectFrom: arid.New()}}
	require.NoError(t, r.SetPendingRequests("dkg/x/round1", reqs))
	back, err := r.PendingRequests("dkg/x/round1")
	require.NoError(t, err)
	assert.Equal(t, reqs, back)

	require.NoError(t, r.ClearPendingRequests("dkg/x/round1"))
	back, err = r.PendingRequests("dkg/x/round1")
	require.NoError(t, err)
	assert.Empty(t, back)
}

func TestMalformedRegistryFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	r := New(path, nil)
	_, err := r.Owner()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestUnknownVersionRefused(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99}`), 0o600))

	r := New(path, nil)
	_, err := r.Owner()
	assert.ErrorIs(t, err, ErrBadVersion)
}
