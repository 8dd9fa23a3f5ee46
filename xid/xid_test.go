package xid

import (
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrivateDocumentVerifies(t *testing.T) {
	pd, err := NewPrivateDocument(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, pd.Verify())

	pub := pd.Public("alice")
	require.NoError(t, pub.Verify())
	assert.Equal(t, pd.XID(), pub.XID())
	assert.Equal(t, "alice", pub.PetName)
}

func TestTamperedDocumentFails(t *testing.T) {
	pd, err := NewPrivateDocument(rand.Reader)
	require.NoError(t, err)

	doc := pd.Public("")
	doc.EncapsulationKey = make([]byte, 32)
	assert.Error(t, doc.Verify())
}

func TestXIDIsContentAddressed(t *testing.T) {
	a, err := NewPrivateDocument(rand.Reader)
	require.NoError(t, err)
	b, err := NewPrivateDocument(rand.Reader)
	require.NoError(t, err)

	assert.NotEqual(t, a.XID(), b.XID())
	assert.Equal(t, a.XID(), Derive(a.SigningKey, a.EncapsulationKey))
}

func TestParseURI(t *testing.T) {
	pd, err := NewPrivateDocument(rand.Reader)
	require.NoError(t, err)
	x := pd.XID()

	back, err := Parse(x.URI())
	require.NoError(t, err)
	assert.Equal(t, x, back)
}

func TestDocumentJSONRoundTrip(t *testing.T) {
	pd, err := NewPrivateDocument(rand.Reader)
	require.NoError(t, err)

	data, err := json.Marshal(pd.Public("bob"))
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	require.NoError(t, doc.Verify())
	assert.Equal(t, pd.XID(), doc.XID())

	privData, err := json.Marshal(pd)
	require.NoError(t, err)
	var priv PrivateDocument
	require.NoError(t, json.Unmarshal(privData, &priv))
	require.NoError(t, priv.Verify())
	assert.Equal(t, pd.XID(), priv.XID())

	// the restored private keys still work
	msg := []byte("sign me")
	sig := priv.Sign(msg)
	assert.NotEmpty(t, sig)
}
