package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	frost "github.com/bartke/frost-rendezvous"
	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/party"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), nil)
}

func TestBlobRoundTrip(t *testing.T) {
	s := newStore(t)
	group := arid.New()

	sec, pkg, err := frost.Part1(1, 3, 2)
	require.NoError(t, err)

	require.NoError(t, s.SaveRound1Secret(group, sec))
	back, err := s.LoadRound1Secret(group)
	require.NoError(t, err)
	assert.Equal(t, sec.ID, back.ID)
	assert.Equal(t, sec.Threshold, back.Threshold)

	require.NoError(t, s.SaveRound1Package(group, pkg))
	pkgBack, err := s.LoadRound1Package(group)
	require.NoError(t, err)
	assert.Equal(t, pkg.ID, pkgBack.ID)
}

func TestLoadMissingArtifact(t *testing.T) {
	s := newStore(t)
	_, err := s.LoadRound1Secret(arid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollectedRound1RoundTrip(t *testing.T) {
	s := newStore(t)
	group := arid.New()

	c := &CollectedRound1{
		Packages:  map[party.ID]string{1: EncodeBlob([]byte("pkg1")), 2: EncodeBlob([]byte("pkg2"))},
		NextARIDs: map[party.ID]arid.ARID{1: arid.New(), 2: arid.New()},
	}
	require.NoError(t, s.SaveCollectedRound1(group, c))

	back, err := s.LoadCollectedRound1(group)
	require.NoError(t, err)
	assert.Equal(t, c.Packages, back.Packages)
	assert.Equal(t, c.NextARIDs, back.NextARIDs)
}

func TestVersionRefused(t *testing.T) {
	s := newStore(t)
	group := arid.New()

	path := filepath.Join(s.GroupDir(group), FileCollectedRound1)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99}`), 0o600))

	_, err := s.LoadCollectedRound1(group)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestCorruptArtifact(t *testing.T) {
	s := newStore(t)
	group := arid.New()

	path := filepath.Join(s.GroupDir(group), FileRound1Secret)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	_, err := s.LoadRound1Secret(group)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestSignStartRoundTrip(t *testing.T) {
	s := newStore(t)
	group, session := arid.New(), arid.New()

	st := &SignStart{
		Session:        session,
		TargetDigest:   "deadbeef",
		TargetEnvelope: "ur:envelope/00",
		MinSigners:     2,
		Signers: []SignerRoute{
			{Identifier: 1, CommitARID: arid.New(), ShareARID: arid.New()},
		},
	}
	require.NoError(t, s.SaveSignStart(group, session, st))

	back, err := s.LoadSignStart(group, session)
	require.NoError(t, err)
	assert.Equal(t, st.TargetDigest, back.TargetDigest)
	assert.Equal(t, st.Signers, back.Signers)
}

func TestRemoveSession(t *testing.T) {
	s := newStore(t)
	group, session := arid.New(), arid.New()

	require.NoError(t, s.SaveSignStart(group, session, &SignStart{Session: session}))
	require.NoError(t, s.RemoveSession(group, session))
	_, err := s.LoadSignStart(group, session)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	s := newStore(t)
	group := arid.New()
	require.NoError(t, s.SaveCollectedRound1(group, &CollectedRound1{
		Packages:  map[party.ID]string{},
		NextARIDs: map[party.ID]arid.ARID{},
	}))

	entries, err := os.ReadDir(s.GroupDir(group))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}
