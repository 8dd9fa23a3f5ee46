package collect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/kv"
	"github.com/bartke/frost-rendezvous/xid"
)

func testXID(b byte) xid.XID {
	var x xid.XID
	x[0] = b
	return x
}

func passThrough(_ xid.XID, data []byte) (any, error) {
	return data, nil
}

func TestCollectPartitionsOutcomes(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	okSlot, rejectSlot, badSlot, silentSlot := arid.New(), arid.New(), arid.New(), arid.New()
	require.NoError(t, store.Put(ctx, okSlot, []byte("fine")))
	require.NoError(t, store.Put(ctx, rejectSlot, []byte("no")))
	require.NoError(t, store.Put(ctx, badSlot, []byte("garbage")))

	var mu sync.Mutex
	seen := map[string][]Outcome{}
	cfg := Config{
		Timeout: time.Second,
		Progress: func(name string, o Outcome) {
			mu.Lock()
			seen[name] = append(seen[name], o)
			mu.Unlock()
		},
	}

	validate := func(x xid.XID, data []byte) (any, error) {
		switch string(data) {
		case "fine":
			return string(data), nil
		case "no":
			return nil, fmt.Errorf("%w: busy", ErrRejected)
		default:
			return nil, errors.New("malformed")
		}
	}

	reqs := []Request{
		{XID: testXID(1), CollectFrom: okSlot, DisplayName: "ok"},
		{XID: testXID(2), CollectFrom: rejectSlot, DisplayName: "reject"},
		{XID: testXID(3), CollectFrom: badSlot, DisplayName: "bad"},
		{XID: testXID(4), CollectFrom: silentSlot, DisplayName: "silent"},
	}

	result := Collect(ctx, store, reqs, cfg, validate)
	require.Len(t, result.Successes, 1)
	require.Len(t, result.Rejections, 1)
	require.Len(t, result.Errors, 1)
	require.Len(t, result.Timeouts, 1)
	assert.False(t, result.Cancelled)

	assert.Equal(t, "ok", result.Successes[0].DisplayName)
	assert.Equal(t, "fine", result.Successes[0].Payload)
	assert.Equal(t, "reject", result.Rejections[0].DisplayName)
	assert.Equal(t, "silent", result.Timeouts[0].DisplayName)

	assert.ElementsMatch(t, []string{"reject", "bad", "silent"}, result.Missing())
	assert.Error(t, result.Err())

	// each participant progressed waiting → terminal
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Outcome{Waiting, OK}, seen["ok"])
	assert.Equal(t, []Outcome{Waiting, Rejected}, seen["reject"])
}

func TestCollectParallel(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	var reqs []Request
	for i := 0; i < 8; i++ {
		slot := arid.New()
		require.NoError(t, store.Put(ctx, slot, []byte{byte(i)}))
		reqs = append(reqs, Request{XID: testXID(byte(i)), CollectFrom: slot, DisplayName: fmt.Sprintf("p%d", i)})
	}

	result := Collect(ctx, store, reqs, Config{Timeout: time.Second, Parallel: true}, passThrough)
	assert.Len(t, result.Successes, 8)
	assert.NoError(t, result.Err())
}

func TestCollectCancelled(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	reqs := []Request{{XID: testXID(1), CollectFrom: arid.New(), DisplayName: "hung"}}
	result := Collect(ctx, store, reqs, Config{Timeout: 5 * time.Second}, passThrough)
	assert.True(t, result.Cancelled)
	assert.Empty(t, result.Successes)
}

func TestDispatch(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	slot := arid.New()
	msgs := []Message{
		{XID: testXID(1), SendTo: slot, Data: []byte("a"), DisplayName: "first"},
		{XID: testXID(2), SendTo: slot, Data: []byte("b"), DisplayName: "conflict"},
	}
	results := Dispatch(ctx, store, msgs, Config{})
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, kv.ErrSlotWritten)
	assert.ErrorIs(t, DispatchErr(results), kv.ErrSlotWritten)
}
