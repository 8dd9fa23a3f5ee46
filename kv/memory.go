package kv

import (
	"context"
	"sync"

	"github.com/bartke/frost-rendezvous/arid"
)

// MemoryStore is an in-process Store for tests and single-process
// ceremonies. Waiters are woken as soon as their slot is written.
type MemoryStore struct {
	mu      sync.Mutex
	slots   map[arid.ARID][]byte
	arrived map[arid.ARID]chan struct{}
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:   make(map[arid.ARID][]byte),
		arrived: make(map[arid.ARID]chan struct{}),
	}
}

func (m *MemoryStore) Put(_ context.Context, id arid.ARID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.slots[id]; ok {
		return ErrSlotWritten
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.slots[id] = buf

	if ch, ok := m.arrived[id]; ok {
		close(ch)
		delete(m.arrived, id)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id arid.ARID) ([]byte, bool, error) {
	m.mu.Lock()
	if data, ok := m.slots[id]; ok {
		m.mu.Unlock()
		return data, true, nil
	}
	ch, ok := m.arrived[id]
	if !ok {
		ch = make(chan struct{})
		m.arrived[id] = ch
	}
	m.mu.Unlock()

	select {
	case <-ch:
		m.mu.Lock()
		data := m.slots[id]
		m.mu.Unlock()
		return data, true, nil
	case <-ctx.Done():
		if deadline, err := expired(ctx); deadline {
			return nil, false, nil
		} else {
			return nil, false, err
		}
	}
}

// Written reports whether the slot has been written, without waiting.
func (m *MemoryStore) Written(id arid.ARID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.slots[id]
	return ok
}
