package registry

import (
	"errors"
	"fmt"

	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/party"
	"github.com/bartke/frost-rendezvous/xid"
)

var (
	ErrOwnerConflict        = errors.New("registry: owner already set with different inception keys")
	ErrPetNameConflict      = errors.New("registry: pet name conflict")
	ErrDuplicateParticipant = errors.New("registry: participant already present")
	ErrUnknownParticipant   = errors.New("registry: unknown participant")
	ErrNoOwner              = errors.New("registry: no owner set")
	ErrUnknownGroup         = errors.New("registry: unknown group")
	ErrGroupConflict        = errors.New("registry: group records are incompatible")
	ErrBadVersion           = errors.New("registry: unknown schema version")
	ErrCorrupt              = errors.New("registry: malformed registry file")
)

// GroupStatus tracks a group's progress through the ceremony.
type GroupStatus string

const (
	StatusInvited    GroupStatus = "invited"
	StatusAccepted   GroupStatus = "accepted"
	StatusRejected   GroupStatus = "rejected"
	StatusPartial    GroupStatus = "partial"
	StatusRound1Done GroupStatus = "round1_done"
	StatusRound2Done GroupStatus = "round2_done"
	StatusFinalized  GroupStatus = "finalized"
	StatusAborted    GroupStatus = "aborted"
)

// Member is one participant of a group, with its assigned FROST identifier.
type Member struct {
	PetName    string   `json:"pet_name,omitempty"`
	XID        xid.XID  `json:"xid"`
	Identifier party.ID `json:"identifier"`
	Status     string   `json:"status,omitempty"`
}

// ContributionPaths records where this party's local DKG artifacts live.
type ContributionPaths struct {
	Round1Secret  string `json:"round1_secret,omitempty"`
	Round1Package string `json:"round1_package,omitempty"`
	Round2Secret  string `json:"round2_secret,omitempty"`
	KeyPackage    string `json:"key_package,omitempty"`
}

// GroupRecord is the durable view of one group, keyed by its ARID.
type GroupRecord struct {
	GroupID       arid.ARID         `json:"group_id"`
	Charter       string            `json:"charter"`
	MinSigners    party.Size        `json:"min_signers"`
	Coordinator   xid.XID           `json:"coordinator"`
	Participants  []Member          `json:"participants"`
	Status        GroupStatus       `json:"status"`
	Contributions ContributionPaths `json:"contributions"`
	// VerifyingKey is the aggregated group key, set once finalized.
	VerifyingKey []byte `json:"verifying_key,omitempty"`
}

// Member returns the member with the given XID.
func (g *GroupRecord) Member(x xid.XID) (*Member, bool) {
	for i := range g.Participants {
		if g.Participants[i].XID == x {
			return &g.Participants[i], true
		}
	}
	return nil, false
}

// MemberByIdentifier returns the member with the given FROST identifier.
func (g *GroupRecord) MemberByIdentifier(id party.ID) (*Member, bool) {
	for i := range g.Participants {
		if g.Participants[i].Identifier == id {
			return &g.Participants[i], true
		}
	}
	return nil, false
}

// Merge folds other into g. Fields already set must agree; attempting to
// overwrite the verifying key, coordinator or participant list with
// inconsistent values fails with ErrGroupConflict.
func (g *GroupRecord) Merge(other *GroupRecord) error {
	if g.GroupID != other.GroupID {
		return fmt.Errorf("%w: group id", ErrGroupConflict)
	}
	if other.Charter != "" {
		if g.Charter != "" && g.Charter != other.Charter {
			return fmt.Errorf("%w: charter", ErrGroupConflict)
		}
		g.Charter = other.Charter
	}
	if other.MinSigners != 0 {
		if g.MinSigners != 0 && g.MinSigners != other.MinSigners {
			return fmt.Errorf("%w: min signers", ErrGroupConflict)
		}
		g.MinSigners = other.MinSigners
	}
	if other.Coordinator != (xid.XID{}) {
		if g.Coordinator != (xid.XID{}) && g.Coordinator != other.Coordinator {
			return fmt.Errorf("%w: coordinator", ErrGroupConflict)
		}
		g.Coordinator = other.Coordinator
	}
	if len(other.Participants) > 0 {
		if len(g.Participants) > 0 {
			if len(g.Participants) != len(other.Participants) {
				return fmt.Errorf("%w: participant list", ErrGroupConflict)
			}
			for i := range g.Participants {
				if g.Participants[i].XID != other.Participants[i].XID ||
					g.Participants[i].Identifier != other.Participants[i].Identifier {
					return fmt.Errorf("%w: participant list", ErrGroupConflict)
				}
			}
		} else {
			g.Participants = other.Participants
		}
	}
	if len(other.VerifyingKey) > 0 {
		if len(g.VerifyingKey) > 0 && string(g.VerifyingKey) != string(other.VerifyingKey) {
			return fmt.Errorf("%w: verifying key", ErrGroupConflict)
		}
		g.VerifyingKey = other.VerifyingKey
	}
	if other.Status != "" {
		g.Status = other.Status
	}
	if other.Contributions.Round1Secret != "" {
		g.Contributions.Round1Secret = other.Contributions.Round1Secret
	}
	if other.Contributions.Round1Package != "" {
		g.Contributions.Round1Package = other.Contributions.Round1Package
	}
	if other.Contributions.Round2Secret != "" {
		g.Contributions.Round2Secret = other.Contributions.Round2Secret
	}
	if other.Contributions.KeyPackage != "" {
		g.Contributions.KeyPackage = other.Contributions.KeyPackage
	}
	return nil
}

// Participant is a known peer: its signed public document plus the unique
// pet name it goes by locally.
type Participant struct {
	Doc     *xid.Document `json:"doc"`
	PetName string        `json:"pet_name,omitempty"`
}

// PendingRequest records where we post to a peer and where we poll for its
// reply during one phase of a ceremony.
type PendingRequest struct {
	XID         xid.XID   `json:"xid"`
	SendTo      arid.ARID `json:"send_to_arid"`
	CollectFrom arid.ARID `json:"collect_from_arid"`
}
