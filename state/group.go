package state

import (
	"encoding/base64"
	"path/filepath"

	frost "github.com/bartke/frost-rendezvous"
	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/party"
	"github.com/bartke/frost-rendezvous/xid"
)

// Artifact file names under a group directory.
const (
	FileRound1Secret      = "round1_secret.bin"
	FileRound1Package     = "round1_package.bin"
	FileCollectedRound1   = "collected_round1.json"
	FileRound2Secret      = "round2_secret.bin"
	FileCollectedRound2   = "collected_round2.json"
	FileKeyPackage        = "key_package.bin"
	FilePublicKeyPackage  = "public_key_package.bin"
	FileCollectedFinalize = "collected_finalize.json"
)

// EncodeBlob is the base64 form used for binary artifacts inside JSON
// checkpoints.
func EncodeBlob(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBlob reverses EncodeBlob.
func DecodeBlob(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func (s *Store) groupFile(group arid.ARID, name string) string {
	return filepath.Join(s.GroupDir(group), name)
}

// SaveRound1Secret persists the participant's DKG part 1 secret.
func (s *Store) SaveRound1Secret(group arid.ARID, sec *frost.Round1Secret) error {
	return s.SaveBlob(s.groupFile(group, FileRound1Secret), sec)
}

// LoadRound1Secret reads the DKG part 1 secret back.
func (s *Store) LoadRound1Secret(group arid.ARID) (*frost.Round1Secret, error) {
	var sec frost.Round1Secret
	if err := s.LoadBlob(s.groupFile(group, FileRound1Secret), &sec); err != nil {
		return nil, err
	}
	return &sec, nil
}

// SaveRound1Package persists the participant's own broadcast package.
func (s *Store) SaveRound1Package(group arid.ARID, pkg *frost.Round1Package) error {
	return s.SaveBlob(s.groupFile(group, FileRound1Package), pkg)
}

// LoadRound1Package reads the participant's own broadcast package.
func (s *Store) LoadRound1Package(group arid.ARID) (*frost.Round1Package, error) {
	var pkg frost.Round1Package
	if err := s.LoadBlob(s.groupFile(group, FileRound1Package), &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// SaveRound2Secret persists the participant's DKG part 2 secret.
func (s *Store) SaveRound2Secret(group arid.ARID, sec *frost.Round2Secret) error {
	return s.SaveBlob(s.groupFile(group, FileRound2Secret), sec)
}

// LoadRound2Secret reads the DKG part 2 secret back.
func (s *Store) LoadRound2Secret(group arid.ARID) (*frost.Round2Secret, error) {
	var sec frost.Round2Secret
	if err := s.LoadBlob(s.groupFile(group, FileRound2Secret), &sec); err != nil {
		return nil, err
	}
	return &sec, nil
}

// SaveKeyPackage persists the participant's share of the group key.
func (s *Store) SaveKeyPackage(group arid.ARID, kp *frost.KeyPackage) error {
	return s.SaveBlob(s.groupFile(group, FileKeyPackage), kp)
}

// LoadKeyPackage reads the participant's share of the group key.
func (s *Store) LoadKeyPackage(group arid.ARID) (*frost.KeyPackage, error) {
	var kp frost.KeyPackage
	if err := s.LoadBlob(s.groupFile(group, FileKeyPackage), &kp); err != nil {
		return nil, err
	}
	return &kp, nil
}

// SavePublicKeyPackage persists the shared public key package. The bytes
// are its canonical JSON encoding and are byte-equal across participants.
func (s *Store) SavePublicKeyPackage(group arid.ARID, pub *frost.PublicKeyPackage) error {
	data, err := pub.MarshalJSON()
	if err != nil {
		return err
	}
	return s.write(s.groupFile(group, FilePublicKeyPackage), data)
}

// LoadPublicKeyPackage reads the shared public key package.
func (s *Store) LoadPublicKeyPackage(group arid.ARID) (*frost.PublicKeyPackage, error) {
	data, err := s.read(s.groupFile(group, FilePublicKeyPackage))
	if err != nil {
		return nil, err
	}
	var pub frost.PublicKeyPackage
	if err := pub.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return &pub, nil
}

// Route is one participant's slot pair for a dispatched phase.
type Route struct {
	XID        xid.XID   `json:"xid"`
	Identifier party.ID  `json:"identifier"`
	// SendTo is where the request was (or will be) posted for this
	// participant.
	SendTo arid.ARID `json:"send_to_arid"`
	// CollectFrom is where this participant's response is polled.
	CollectFrom arid.ARID `json:"collect_from_arid"`
}

// DispatchRecord is the coordinator's checkpoint for one dispatched phase:
// the request identifier shared by the multicast and the per-participant
// slots.
type DispatchRecord struct {
	Version   int       `json:"version"`
	Phase     string    `json:"phase"`
	RequestID arid.ARID `json:"request_id"`
	Routes    []Route   `json:"routes"`
}

// Route returns the route for the given participant.
func (d *DispatchRecord) Route(x xid.XID) (*Route, bool) {
	for i := range d.Routes {
		if d.Routes[i].XID == x {
			return &d.Routes[i], true
		}
	}
	return nil, false
}

func (s *Store) SaveDispatch(group arid.ARID, d *DispatchRecord) error {
	d.Version = Version
	return s.SaveJSON(s.groupFile(group, "dispatch_"+d.Phase+".json"), d)
}

func (s *Store) LoadDispatch(group arid.ARID, phase string) (*DispatchRecord, error) {
	path := s.groupFile(group, "dispatch_"+phase+".json")
	var d DispatchRecord
	if err := s.LoadJSON(path, &d); err != nil {
		return nil, err
	}
	if err := checkVersion(path, d.Version); err != nil {
		return nil, err
	}
	return &d, nil
}

// SaveSessionDispatch and LoadSessionDispatch are the signing-session
// variants of the phase checkpoints.
func (s *Store) SaveSessionDispatch(group, session arid.ARID, d *DispatchRecord) error {
	d.Version = Version
	return s.SaveJSON(filepath.Join(s.SessionDir(group, session), "dispatch_"+d.Phase+".json"), d)
}

func (s *Store) LoadSessionDispatch(group, session arid.ARID, phase string) (*DispatchRecord, error) {
	path := filepath.Join(s.SessionDir(group, session), "dispatch_"+phase+".json")
	var d DispatchRecord
	if err := s.LoadJSON(path, &d); err != nil {
		return nil, err
	}
	if err := checkVersion(path, d.Version); err != nil {
		return nil, err
	}
	return &d, nil
}

// PeerRound1Packages is the participant-side record of the other
// participants' round 1 packages, needed again at finalize time.
type PeerRound1Packages struct {
	Version  int                 `json:"version"`
	Packages map[party.ID]string `json:"packages"`
}

func (s *Store) SavePeerRound1Packages(group arid.ARID, p *PeerRound1Packages) error {
	p.Version = Version
	return s.SaveJSON(s.groupFile(group, "peer_round1_packages.json"), p)
}

func (s *Store) LoadPeerRound1Packages(group arid.ARID) (*PeerRound1Packages, error) {
	path := s.groupFile(group, "peer_round1_packages.json")
	var p PeerRound1Packages
	if err := s.LoadJSON(path, &p); err != nil {
		return nil, err
	}
	if err := checkVersion(path, p.Version); err != nil {
		return nil, err
	}
	return &p, nil
}

// CollectedRound1 is the coordinator's checkpoint after collecting invite
// responses: every participant's round 1 package plus the slot each
// participant will poll for its round 2 request.
type CollectedRound1 struct {
	Version   int                    `json:"version"`
	Packages  map[party.ID]string    `json:"packages"`
	NextARIDs map[party.ID]arid.ARID `json:"next_arids"`
}

func (s *Store) SaveCollectedRound1(group arid.ARID, c *CollectedRound1) error {
	c.Version = Version
	return s.SaveJSON(s.groupFile(group, FileCollectedRound1), c)
}

func (s *Store) LoadCollectedRound1(group arid.ARID) (*CollectedRound1, error) {
	path := s.groupFile(group, FileCollectedRound1)
	var c CollectedRound1
	if err := s.LoadJSON(path, &c); err != nil {
		return nil, err
	}
	if err := checkVersion(path, c.Version); err != nil {
		return nil, err
	}
	return &c, nil
}

// CollectedRound2 is the coordinator's checkpoint after collecting round 2
// responses: packages keyed by sender then recipient, plus the next
// response slots.
type CollectedRound2 struct {
	Version   int                              `json:"version"`
	Packages  map[party.ID]map[party.ID]string `json:"packages"`
	NextARIDs map[party.ID]arid.ARID           `json:"next_arids"`
}

func (s *Store) SaveCollectedRound2(group arid.ARID, c *CollectedRound2) error {
	c.Version = Version
	return s.SaveJSON(s.groupFile(group, FileCollectedRound2), c)
}

func (s *Store) LoadCollectedRound2(group arid.ARID) (*CollectedRound2, error) {
	path := s.groupFile(group, FileCollectedRound2)
	var c CollectedRound2
	if err := s.LoadJSON(path, &c); err != nil {
		return nil, err
	}
	if err := checkVersion(path, c.Version); err != nil {
		return nil, err
	}
	return &c, nil
}

// CollectedFinalize is the coordinator's checkpoint after collecting
// finalize responses: every participant's public key package (all
// byte-equal) and the aggregated verifying key.
type CollectedFinalize struct {
	Version           int                 `json:"version"`
	PublicKeyPackages map[party.ID]string `json:"public_key_packages"`
	VerifyingKey      string              `json:"verifying_key"`
}

func (s *Store) SaveCollectedFinalize(group arid.ARID, c *CollectedFinalize) error {
	c.Version = Version
	return s.SaveJSON(s.groupFile(group, FileCollectedFinalize), c)
}

func (s *Store) LoadCollectedFinalize(group arid.ARID) (*CollectedFinalize, error) {
	path := s.groupFile(group, FileCollectedFinalize)
	var c CollectedFinalize
	if err := s.LoadJSON(path, &c); err != nil {
		return nil, err
	}
	if err := checkVersion(path, c.Version); err != nil {
		return nil, err
	}
	return &c, nil
}
