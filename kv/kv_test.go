package kv

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartke/frost-rendezvous/arid"
)

func testSingleWrite(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	slot := arid.New()

	require.NoError(t, store.Put(ctx, slot, []byte("first")))
	assert.ErrorIs(t, store.Put(ctx, slot, []byte("second")), ErrSlotWritten)

	data, ok, err := store.Get(ctx, slot)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("first"), data)
}

func testGetDeadline(t *testing.T, store Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, ok, err := store.Get(ctx, arid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func testGetWakesOnPut(t *testing.T, store Store) {
	t.Helper()
	slot := arid.New()

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = store.Put(context.Background(), slot, []byte("late"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, ok, err := store.Get(ctx, slot)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("late"), data)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testSingleWrite(t, store)
	testGetDeadline(t, store)
	testGetWakesOnPut(t, store)
}

func TestMemoryStoreCancel(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, _, err := store.Get(ctx, arid.New())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFSStore(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	testSingleWrite(t, store)
	testGetDeadline(t, store)
	testGetWakesOnPut(t, store)
}

func TestHTTPStore(t *testing.T) {
	backing := NewMemoryStore()
	server := httptest.NewServer(Handler(backing, nil))
	defer server.Close()

	store := NewHTTPStore(server.URL, server.Client(), nil)
	testSingleWrite(t, store)
	testGetDeadline(t, store)
	testGetWakesOnPut(t, store)
}
