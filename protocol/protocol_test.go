package protocol

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/party"
	"github.com/bartke/frost-rendezvous/xid"
)

func TestAssignIdentifiersByRank(t *testing.T) {
	var a, b, c xid.XID
	a[0] = 0x01
	b[0] = 0x7f
	c[0] = 0xab

	// identifiers follow byte order regardless of input order
	ids, err := AssignIdentifiers([]xid.XID{c, a, b})
	require.NoError(t, err)
	assert.Equal(t, party.ID(1), ids[a])
	assert.Equal(t, party.ID(2), ids[b])
	assert.Equal(t, party.ID(3), ids[c])
}

func TestAssignIdentifiersRejectsDuplicates(t *testing.T) {
	var a xid.XID
	a[0] = 0x42
	_, err := AssignIdentifiers([]xid.XID{a, a})
	assert.Error(t, err)
}

func TestContinuationRoundTrip(t *testing.T) {
	owner, err := xid.NewPrivateDocument(rand.Reader)
	require.NoError(t, err)

	session := arid.New()
	slot := arid.New()

	cont, err := NewContinuation(owner, session, slot)
	require.NoError(t, err)

	require.NoError(t, CheckContinuation(owner, cont, session, slot))
	assert.ErrorIs(t, CheckContinuation(owner, cont, session, arid.New()), ErrRequestIDMismatch)
	assert.ErrorIs(t, CheckContinuation(owner, cont, arid.New(), slot), ErrSessionIDMismatch)
	assert.Error(t, CheckContinuation(owner, nil, session, slot))
}

func TestProtocolError(t *testing.T) {
	err := Errf("round1", 3, "bad package")
	assert.Contains(t, err.Error(), "round1")
	assert.Contains(t, err.Error(), "participant 3")
}
