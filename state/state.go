// Package state implements the on-disk session store: binary artifacts and
// versioned JSON checkpoints per group and per signing session, rooted next
// to the registry file. All writes are atomic (temp file + rename); loads
// refuse unknown schema versions.
package state

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bartke/frost-rendezvous/arid"
)

// Version is the schema version tag carried by every JSON checkpoint.
const Version = 1

var (
	ErrNotFound   = errors.New("state: artifact not found")
	ErrCorruption = errors.New("state: artifact failed schema check")
)

// Store is rooted at a directory, conventionally the registry's directory.
type Store struct {
	root string
	log  *zap.Logger
}

// New returns a store rooted at dir.
func New(dir string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{root: dir, log: log}
}

// GroupDir returns the directory holding a group's artifacts.
func (s *Store) GroupDir(group arid.ARID) string {
	return filepath.Join(s.root, "group-state", group.String())
}

// SessionDir returns the directory holding a signing session's artifacts.
func (s *Store) SessionDir(group, session arid.ARID) string {
	return filepath.Join(s.GroupDir(group), "signing", session.String())
}

// write stages data in a temp file and renames it into place.
func (s *Store) write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	s.log.Debug("state written", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}

func (s *Store) read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return data, err
}

// Exists reports whether the artifact at the given group-relative path has
// been written. Phase progress is encoded by file presence.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SaveBlob writes a binary artifact.
func (s *Store) SaveBlob(path string, m encoding.BinaryMarshaler) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return s.write(path, data)
}

// LoadBlob reads a binary artifact.
func (s *Store) LoadBlob(path string, m encoding.BinaryUnmarshaler) error {
	data, err := s.read(path)
	if err != nil {
		return err
	}
	if err := m.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
	}
	return nil
}

// SaveJSON writes a versioned JSON checkpoint. v must embed its own
// version field; use Checkpoint for the common envelope.
func (s *Store) SaveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return s.write(path, data)
}

// LoadJSON reads a JSON checkpoint into v.
func (s *Store) LoadJSON(path string, v any) error {
	data, err := s.read(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
	}
	return nil
}

// checkVersion validates a checkpoint's schema version.
func checkVersion(path string, version int) error {
	if version != Version {
		return fmt.Errorf("%w: %s: version %d", ErrCorruption, path, version)
	}
	return nil
}

// RemoveSession deletes a signing session's artifacts, used when a signer
// declines.
func (s *Store) RemoveSession(group, session arid.ARID) error {
	return os.RemoveAll(s.SessionDir(group, session))
}
