// Package registry implements the durable identity and routing store: one
// JSON file per owner holding the owner's private document, known
// participants, group records, the listening slot, and per-phase pending
// requests. Reads and writes are serialized with an exclusive lock on a
// sibling lock file; rewrites are atomic.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/envelope"
	"github.com/bartke/frost-rendezvous/xid"
)

// Version is the registry schema version this build reads and writes.
const Version = 1

// File is the registry schema.
type File struct {
	Version         int                         `json:"version"`
	Owner           *xid.PrivateDocument        `json:"owner,omitempty"`
	Participants    map[string]*Participant     `json:"participants"`
	Groups          map[string]*GroupRecord     `json:"groups"`
	ListeningAt     arid.ARID                   `json:"listening_at_arid,omitempty"`
	PendingRequests map[string][]PendingRequest `json:"pending_requests,omitempty"`
}

func newFile() *File {
	return &File{
		Version:         Version,
		Participants:    make(map[string]*Participant),
		Groups:          make(map[string]*GroupRecord),
		PendingRequests: make(map[string][]PendingRequest),
	}
}

// Registry wraps the backing file.
type Registry struct {
	path string
	log  *zap.Logger
}

// New opens (or will create on first write) the registry at path.
func New(path string, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{path: path, log: log}
}

// Path returns the backing file location.
func (r *Registry) Path() string {
	return r.path
}

// Dir returns the directory holding the registry, the root for session
// state.
func (r *Registry) Dir() string {
	return filepath.Dir(r.path)
}

// lock takes the exclusive advisory lock for the duration of a
// read-modify-write.
func (r *Registry) lock() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return nil, err
	}
	lf, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX); err != nil {
		lf.Close()
		return nil, fmt.Errorf("registry: lock: %w", err)
	}
	return lf, nil
}

func unlock(lf *os.File) {
	unix.Flock(int(lf.Fd()), unix.LOCK_UN)
	lf.Close()
}

func (r *Registry) load() (*File, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return newFile(), nil
	}
	if err != nil {
		return nil, err
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if f.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, f.Version)
	}
	if f.Participants == nil {
		f.Participants = make(map[string]*Participant)
	}
	if f.Groups == nil {
		f.Groups = make(map[string]*GroupRecord)
	}
	if f.PendingRequests == nil {
		f.PendingRequests = make(map[string][]PendingRequest)
	}
	return &f, nil
}

func (r *Registry) save(f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Update runs fn under the exclusive lock and persists the result
// atomically. Returning an error from fn leaves the file untouched.
func (r *Registry) Update(fn func(*File) error) error {
	lf, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock(lf)

	f, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		return err
	}
	return r.save(f)
}

// View runs fn with a read-only snapshot, still under the lock so readers
// never observe a partial rewrite.
func (r *Registry) View(fn func(*File) error) error {
	lf, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock(lf)

	f, err := r.load()
	if err != nil {
		return err
	}
	return fn(f)
}

// SetOwner verifies and persists the owner's private document. Setting the
// same keys twice is idempotent; different keys fail with ErrOwnerConflict.
func (r *Registry) SetOwner(doc *xid.PrivateDocument) error {
	if err := doc.Verify(); err != nil {
		return err
	}
	return r.Update(func(f *File) error {
		if f.Owner != nil {
			if f.Owner.SameKeys(&doc.Document) {
				return nil
			}
			return ErrOwnerConflict
		}
		f.Owner = doc
		r.log.Info("owner set", zap.String("xid", doc.XID().Short()))
		return nil
	})
}

// Owner returns the owner's private document.
func (r *Registry) Owner() (*xid.PrivateDocument, error) {
	var owner *xid.PrivateDocument
	err := r.View(func(f *File) error {
		if f.Owner == nil {
			return ErrNoOwner
		}
		owner = f.Owner
		return nil
	})
	return owner, err
}

// AddParticipant verifies doc and records it under petName. Re-adding the
// identical document and pet name is idempotent; the same XID under a
// different pet name, or a pet name already bound to another XID, fails.
func (r *Registry) AddParticipant(doc *xid.Document, petName string) error {
	if err := doc.Verify(); err != nil {
		return err
	}
	x := doc.XID()
	return r.Update(func(f *File) error {
		if f.Owner != nil && f.Owner.XID() == x {
			return fmt.Errorf("%w: cannot enroll self", ErrDuplicateParticipant)
		}
		key := x.URI()
		if existing, ok := f.Participants[key]; ok {
			if existing.PetName == petName && existing.Doc.SameKeys(doc) {
				return nil
			}
			if existing.PetName != petName {
				return fmt.Errorf("%w: %s is already %q", ErrPetNameConflict, x.Short(), existing.PetName)
			}
			return ErrDuplicateParticipant
		}
		if petName != "" {
			for uri, p := range f.Participants {
				if p.PetName == petName && uri != key {
					return fmt.Errorf("%w: %q is already %s", ErrPetNameConflict, petName, uri)
				}
			}
		}
		f.Participants[key] = &Participant{Doc: doc, PetName: petName}
		r.log.Info("participant added", zap.String("xid", x.Short()), zap.String("pet_name", petName))
		return nil
	})
}

// ParticipantByXID returns the stored document for x.
func (r *Registry) ParticipantByXID(x xid.XID) (*Participant, error) {
	var p *Participant
	err := r.View(func(f *File) error {
		found, ok := f.Participants[x.URI()]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParticipant, x.Short())
		}
		p = found
		return nil
	})
	return p, err
}

// ParticipantByName resolves a pet name.
func (r *Registry) ParticipantByName(petName string) (*Participant, error) {
	var p *Participant
	err := r.View(func(f *File) error {
		for _, cand := range f.Participants {
			if cand.PetName == petName {
				p = cand
				return nil
			}
		}
		return fmt.Errorf("%w: %q", ErrUnknownParticipant, petName)
	})
	return p, err
}

// Lookup returns an envelope sender-resolution function over the owner and
// every known participant.
func (r *Registry) Lookup() envelope.Lookup {
	return func(x xid.XID) (*xid.Document, bool) {
		var doc *xid.Document
		err := r.View(func(f *File) error {
			if f.Owner != nil && f.Owner.XID() == x {
				d := f.Owner.Public("")
				doc = d
				return nil
			}
			if p, ok := f.Participants[x.URI()]; ok {
				doc = p.Doc
			}
			return nil
		})
		if err != nil || doc == nil {
			return nil, false
		}
		return doc, true
	}
}

// PutGroup merges record into the stored group record, creating it if
// absent.
func (r *Registry) PutGroup(record *GroupRecord) error {
	return r.Update(func(f *File) error {
		key := record.GroupID.String()
		existing, ok := f.Groups[key]
		if !ok {
			f.Groups[key] = record
			return nil
		}
		return existing.Merge(record)
	})
}

// Group returns the stored record for the group ARID.
func (r *Registry) Group(id arid.ARID) (*GroupRecord, error) {
	var g *GroupRecord
	err := r.View(func(f *File) error {
		found, ok := f.Groups[id.String()]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownGroup, id.Short())
		}
		g = found
		return nil
	})
	return g, err
}

// SetGroupStatus updates just the status field of a group.
func (r *Registry) SetGroupStatus(id arid.ARID, status GroupStatus) error {
	return r.Update(func(f *File) error {
		g, ok := f.Groups[id.String()]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownGroup, id.Short())
		}
		g.Status = status
		return nil
	})
}

// SetListening records the slot this owner polls for its next inbound
// message. A zero ARID clears it.
func (r *Registry) SetListening(id arid.ARID) error {
	return r.Update(func(f *File) error {
		f.ListeningAt = id
		return nil
	})
}

// Listening returns the current listening slot.
func (r *Registry) Listening() (arid.ARID, error) {
	var id arid.ARID
	err := r.View(func(f *File) error {
		id = f.ListeningAt
		return nil
	})
	return id, err
}

// SetPendingRequests replaces the routing records for a ceremony phase.
func (r *Registry) SetPendingRequests(scope string, reqs []PendingRequest) error {
	return r.Update(func(f *File) error {
		f.PendingRequests[scope] = reqs
		return nil
	})
}

// PendingRequests returns the routing records for a ceremony phase.
func (r *Registry) PendingRequests(scope string) ([]PendingRequest, error) {
	var reqs []PendingRequest
	err := r.View(func(f *File) error {
		reqs = f.PendingRequests[scope]
		return nil
	})
	return reqs, err
}

// ClearPendingRequests drops the routing records for a ceremony phase.
func (r *Registry) ClearPendingRequests(scope string) error {
	return r.Update(func(f *File) error {
		delete(f.PendingRequests, scope)
		return nil
	})
}
