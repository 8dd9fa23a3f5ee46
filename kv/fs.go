package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bartke/frost-rendezvous/arid"
)

// FSStore keeps one file per slot under a shared directory, so multiple
// processes on one host can run a ceremony without a network. The
// single-write guarantee comes from link(2): linking the staged temp file
// into place fails when the slot already exists.
type FSStore struct {
	dir  string
	poll time.Duration
}

// NewFSStore creates the directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("kv: create store dir: %w", err)
	}
	return &FSStore{dir: dir, poll: DefaultPollInterval}, nil
}

func (f *FSStore) path(id arid.ARID) string {
	return filepath.Join(f.dir, id.String())
}

func (f *FSStore) Put(_ context.Context, id arid.ARID, data []byte) error {
	tmp := filepath.Join(f.dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("kv: stage slot: %w", err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, f.path(id)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrSlotWritten
		}
		return fmt.Errorf("kv: publish slot: %w", err)
	}
	return nil
}

func (f *FSStore) Get(ctx context.Context, id arid.ARID) ([]byte, bool, error) {
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	for {
		data, err := os.ReadFile(f.path(id))
		if err == nil {
			return data, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, false, fmt.Errorf("kv: read slot: %w", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if deadline, derr := expired(ctx); deadline {
				return nil, false, nil
			} else {
				return nil, false, derr
			}
		}
	}
}
