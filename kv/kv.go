// Package kv models the rendezvous transport: a key/value store of
// single-write slots keyed by ARID. Adapters exist for in-process memory,
// a shared directory, an HTTP rendezvous server, and Azure blob storage.
// The protocol engines are adapter-agnostic.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/bartke/frost-rendezvous/arid"
)

var (
	// ErrSlotWritten reports a second put to an already-written slot.
	ErrSlotWritten = errors.New("kv: slot already written")
)

// DefaultPollInterval is how often polling adapters re-check a slot.
const DefaultPollInterval = 250 * time.Millisecond

// Store is the two-method transport surface the engines program against.
type Store interface {
	// Put writes data to the slot. Slots are single-write: a second put to
	// the same ARID fails with ErrSlotWritten.
	Put(ctx context.Context, id arid.ARID, data []byte) error

	// Get waits for the slot to be written and returns its contents. When
	// ctx expires before the slot is written it returns ok == false with a
	// nil error.
	Get(ctx context.Context, id arid.ARID) (data []byte, ok bool, err error)
}

// expired distinguishes a deadline from a caller cancellation.
func expired(ctx context.Context) (bool, error) {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return true, nil
	}
	return false, err
}
