package state

import (
	"path/filepath"

	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/party"
	"github.com/bartke/frost-rendezvous/xid"
)

// Artifact file names under a signing session directory.
const (
	FileSignStart   = "start.json"
	FileSignReceive = "sign_receive.json"
	FileSignCommit  = "commit.json"
	FileCommitments = "commitments.json"
	FileSignShare   = "share.json"
	FileSignFinal   = "final.json"
)

func (s *Store) sessionFile(group, session arid.ARID, name string) string {
	return filepath.Join(s.SessionDir(group, session), name)
}

// SignerRoute is the coordinator's routing record for one signer in a
// session: where the signer posts its commitment, where the coordinator
// posts the share request, and later hops as they become known.
type SignerRoute struct {
	XID        xid.XID   `json:"xid"`
	Identifier party.ID  `json:"identifier"`
	// CommitARID is where the signer posts its commit response.
	CommitARID arid.ARID `json:"commit_arid"`
	// ShareARID is where the coordinator posts the signShare request; the
	// signer listens there after committing.
	ShareARID arid.ARID `json:"share_arid"`
}

// SignStart is the coordinator's checkpoint for a started session.
type SignStart struct {
	Version        int           `json:"version"`
	Session        arid.ARID     `json:"session"`
	TargetDigest   string        `json:"target_digest"`
	TargetEnvelope string        `json:"target_envelope"`
	MinSigners     party.Size    `json:"min_signers"`
	Signers        []SignerRoute `json:"signers"`
}

func (st *SignStart) Route(x xid.XID) (*SignerRoute, bool) {
	for i := range st.Signers {
		if st.Signers[i].XID == x {
			return &st.Signers[i], true
		}
	}
	return nil, false
}

func (s *Store) SaveSignStart(group, session arid.ARID, st *SignStart) error {
	st.Version = Version
	return s.SaveJSON(s.sessionFile(group, session, FileSignStart), st)
}

func (s *Store) LoadSignStart(group, session arid.ARID) (*SignStart, error) {
	path := s.sessionFile(group, session, FileSignStart)
	var st SignStart
	if err := s.LoadJSON(path, &st); err != nil {
		return nil, err
	}
	if err := checkVersion(path, st.Version); err != nil {
		return nil, err
	}
	return &st, nil
}

// SignReceive is the signer's checkpoint of a decoded signing invitation.
type SignReceive struct {
	Version        int        `json:"version"`
	Session        arid.ARID  `json:"session"`
	Coordinator    xid.XID    `json:"coordinator"`
	TargetDigest   string     `json:"target_digest"`
	TargetEnvelope string     `json:"target_envelope"`
	MinSigners     party.Size `json:"min_signers"`
	Identifier     party.ID   `json:"identifier"`
	// ResponseARID is where this signer posts its commit response.
	ResponseARID arid.ARID `json:"response_arid"`
	// ShareARID is where the signShare request will arrive.
	ShareARID arid.ARID `json:"share_arid"`
}

func (s *Store) SaveSignReceive(group, session arid.ARID, sr *SignReceive) error {
	sr.Version = Version
	return s.SaveJSON(s.sessionFile(group, session, FileSignReceive), sr)
}

func (s *Store) LoadSignReceive(group, session arid.ARID) (*SignReceive, error) {
	path := s.sessionFile(group, session, FileSignReceive)
	var sr SignReceive
	if err := s.LoadJSON(path, &sr); err != nil {
		return nil, err
	}
	if err := checkVersion(path, sr.Version); err != nil {
		return nil, err
	}
	return &sr, nil
}

// SignCommit is the signer's checkpoint after round 1: the nonce pair, the
// commitment it sent, and the slots for the next hops. The commitment here
// is authoritative; the copy echoed back by the coordinator must match it.
type SignCommit struct {
	Version    int    `json:"version"`
	Nonces     string `json:"nonces"`
	Commitment string `json:"commitment"`
	// ShareARID is where this signer listens for the signShare request.
	ShareARID arid.ARID `json:"share_arid"`
	// ShareResponseARID is the fresh slot this signer told the coordinator
	// to expect the share response at.
	ShareResponseARID arid.ARID `json:"share_response_arid"`
}

func (s *Store) SaveSignCommit(group, session arid.ARID, sc *SignCommit) error {
	sc.Version = Version
	return s.SaveJSON(s.sessionFile(group, session, FileSignCommit), sc)
}

func (s *Store) LoadSignCommit(group, session arid.ARID) (*SignCommit, error) {
	path := s.sessionFile(group, session, FileSignCommit)
	var sc SignCommit
	if err := s.LoadJSON(path, &sc); err != nil {
		return nil, err
	}
	if err := checkVersion(path, sc.Version); err != nil {
		return nil, err
	}
	return &sc, nil
}

// SignCommitments is the coordinator's checkpoint after collecting commit
// responses.
type SignCommitments struct {
	Version     int                 `json:"version"`
	Commitments map[party.ID]string `json:"commitments"`
	// ResponseARIDs are where each signer will post its share response.
	ResponseARIDs map[party.ID]arid.ARID `json:"response_arids"`
}

func (s *Store) SaveSignCommitments(group, session arid.ARID, sc *SignCommitments) error {
	sc.Version = Version
	return s.SaveJSON(s.sessionFile(group, session, FileCommitments), sc)
}

func (s *Store) LoadSignCommitments(group, session arid.ARID) (*SignCommitments, error) {
	path := s.sessionFile(group, session, FileCommitments)
	var sc SignCommitments
	if err := s.LoadJSON(path, &sc); err != nil {
		return nil, err
	}
	if err := checkVersion(path, sc.Version); err != nil {
		return nil, err
	}
	return &sc, nil
}

// SignShare is the signer's checkpoint after round 2.
type SignShare struct {
	Version int    `json:"version"`
	Share   string `json:"share"`
	// FinalizeARID is where this signer listens for the finalize package.
	FinalizeARID arid.ARID `json:"finalize_arid"`
}

func (s *Store) SaveSignShare(group, session arid.ARID, sh *SignShare) error {
	sh.Version = Version
	return s.SaveJSON(s.sessionFile(group, session, FileSignShare), sh)
}

func (s *Store) LoadSignShare(group, session arid.ARID) (*SignShare, error) {
	path := s.sessionFile(group, session, FileSignShare)
	var sh SignShare
	if err := s.LoadJSON(path, &sh); err != nil {
		return nil, err
	}
	if err := checkVersion(path, sh.Version); err != nil {
		return nil, err
	}
	return &sh, nil
}

// SignFinal holds the aggregated signature together with everything needed
// to recompute it.
type SignFinal struct {
	Version   int    `json:"version"`
	Signature string `json:"signature"`
	// SignedEnvelope is the target envelope with the signature attached, in
	// UR form.
	SignedEnvelope string              `json:"signed_envelope"`
	Commitments    map[party.ID]string `json:"commitments"`
	Shares         map[party.ID]string `json:"shares"`
}

func (s *Store) SaveSignFinal(group, session arid.ARID, f *SignFinal) error {
	f.Version = Version
	return s.SaveJSON(s.sessionFile(group, session, FileSignFinal), f)
}

func (s *Store) LoadSignFinal(group, session arid.ARID) (*SignFinal, error) {
	path := s.sessionFile(group, session, FileSignFinal)
	var f SignFinal
	if err := s.LoadJSON(path, &f); err != nil {
		return nil, err
	}
	if err := checkVersion(path, f.Version); err != nil {
		return nil, err
	}
	return &f, nil
}
