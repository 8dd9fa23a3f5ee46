package frost

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartke/frost-rendezvous/party"
)

// runDKG executes the full three-part key generation for n parties with
// threshold t, exchanging packages in memory the way the coordinator
// pivots them over the transport.
func runDKG(t *testing.T, n, threshold party.Size) (map[party.ID]*KeyPackage, *PublicKeyPackage) {
	t.Helper()

	secrets := make(map[party.ID]*Round1Secret, n)
	round1 := make(map[party.ID]*Round1Package, n)
	for id := party.ID(1); id <= n; id++ {
		sec, pkg, err := Part1(id, n, threshold)
		require.NoError(t, err)
		secrets[id] = sec
		round1[id] = pkg
	}

	round2secrets := make(map[party.ID]*Round2Secret, n)
	// outgoing[sender][recipient]
	outgoing := make(map[party.ID]map[party.ID]*Round2Package, n)
	for id := party.ID(1); id <= n; id++ {
		others := make(map[party.ID]*Round1Package, n-1)
		for j, pkg := range round1 {
			if j != id {
				others[j] = pkg
			}
		}
		sec2, out, err := Part2(secrets[id], others)
		require.NoError(t, err)
		round2secrets[id] = sec2
		outgoing[id] = out
	}

	var reference []byte
	keyPackages := make(map[party.ID]*KeyPackage, n)
	var pub *PublicKeyPackage
	for id := party.ID(1); id <= n; id++ {
		others := make(map[party.ID]*Round1Package, n-1)
		incoming := make(map[party.ID]*Round2Package, n-1)
		for j := party.ID(1); j <= n; j++ {
			if j == id {
				continue
			}
			others[j] = round1[j]
			incoming[j] = outgoing[j][id]
		}
		kp, p, err := Part3(round2secrets[id], others, incoming)
		require.NoError(t, err)
		keyPackages[id] = kp
		pub = p

		// every participant derives the byte-identical public key package
		data, err := p.MarshalJSON()
		require.NoError(t, err)
		if reference == nil {
			reference = data
		} else {
			assert.Equal(t, reference, data, "public key package differs for %d", id)
		}
	}
	return keyPackages, pub
}

func signWith(t *testing.T, signers []party.ID, keyPackages map[party.ID]*KeyPackage, pub *PublicKeyPackage, message []byte) []byte {
	t.Helper()

	nonces := make(map[party.ID]*Nonces, len(signers))
	sp := &SigningPackage{
		Message:     message,
		Commitments: make(map[party.ID]*SigningCommitment, len(signers)),
	}
	for _, id := range signers {
		n, c, err := SignRound1(keyPackages[id])
		require.NoError(t, err)
		nonces[id] = n
		sp.Commitments[id] = c
	}

	shares := make(map[party.ID]*SignatureShare, len(signers))
	for _, id := range signers {
		share, err := SignRound2(nonces[id], sp, keyPackages[id])
		require.NoError(t, err)
		shares[id] = share
	}

	sig, err := Aggregate(sp, shares, pub)
	require.NoError(t, err)
	return sig.ToEd25519()
}

func TestDKGAndSign2of3(t *testing.T) {
	keyPackages, pub := runDKG(t, 3, 2)
	message := []byte("hello world")

	sig := signWith(t, []party.ID{1, 2}, keyPackages, pub, message)
	assert.True(t, ed25519.Verify(pub.GroupKey.ToEd25519(), message, sig))

	// a different quorum produces a different but equally valid signature
	sig2 := signWith(t, []party.ID{2, 3}, keyPackages, pub, message)
	assert.True(t, ed25519.Verify(pub.GroupKey.ToEd25519(), message, sig2))
}

func TestDKGAndSign2of2(t *testing.T) {
	keyPackages, pub := runDKG(t, 2, 2)
	message := []byte("minimal group")
	sig := signWith(t, []party.ID{1, 2}, keyPackages, pub, message)
	assert.True(t, ed25519.Verify(pub.GroupKey.ToEd25519(), message, sig))
}

func TestDKGThresholdEqualsN(t *testing.T) {
	keyPackages, pub := runDKG(t, 3, 3)
	message := []byte("all signers required")

	sig := signWith(t, []party.ID{1, 2, 3}, keyPackages, pub, message)
	assert.True(t, ed25519.Verify(pub.GroupKey.ToEd25519(), message, sig))

	// two signers are below the threshold
	n1, c1, err := SignRound1(keyPackages[1])
	require.NoError(t, err)
	_, c2, err := SignRound1(keyPackages[2])
	require.NoError(t, err)
	sp := &SigningPackage{
		Message:     message,
		Commitments: map[party.ID]*SigningCommitment{1: c1, 2: c2},
	}
	_, err = SignRound2(n1, sp, keyPackages[1])
	assert.Error(t, err)
}

func TestPart1RejectsBadThreshold(t *testing.T) {
	_, _, err := Part1(1, 3, 1)
	assert.ErrorIs(t, err, ErrThreshold)

	_, _, err = Part1(1, 3, 4)
	assert.ErrorIs(t, err, ErrThreshold)
}

func TestSignRound2DetectsTamperedCommitment(t *testing.T) {
	keyPackages, _ := runDKG(t, 2, 2)
	message := []byte("tamper check")

	n1, _, err := SignRound1(keyPackages[1])
	require.NoError(t, err)
	_, c2, err := SignRound1(keyPackages[2])
	require.NoError(t, err)

	// substitute a foreign commitment for signer 1
	_, forged, err := SignRound1(keyPackages[1])
	require.NoError(t, err)
	sp := &SigningPackage{
		Message:     message,
		Commitments: map[party.ID]*SigningCommitment{1: forged, 2: c2},
	}
	_, err = SignRound2(n1, sp, keyPackages[1])
	assert.ErrorIs(t, err, ErrCommitmentTamper)
}

func TestAggregateRejectsBadShare(t *testing.T) {
	keyPackages, pub := runDKG(t, 2, 2)
	message := []byte("bad share")

	nonces := make(map[party.ID]*Nonces)
	sp := &SigningPackage{Message: message, Commitments: map[party.ID]*SigningCommitment{}}
	for id := party.ID(1); id <= 2; id++ {
		n, c, err := SignRound1(keyPackages[id])
		require.NoError(t, err)
		nonces[id] = n
		sp.Commitments[id] = c
	}

	shares := make(map[party.ID]*SignatureShare)
	for id := party.ID(1); id <= 2; id++ {
		share, err := SignRound2(nonces[id], sp, keyPackages[id])
		require.NoError(t, err)
		shares[id] = share
	}

	// flip signer 2's share to signer 1's value
	shares[2] = &SignatureShare{ID: 2, Zi: shares[1].Zi}
	_, err := Aggregate(sp, shares, pub)
	assert.ErrorIs(t, err, ErrSignatureShareInvalid)
}

func TestArtifactMarshalRoundTrips(t *testing.T) {
	sec, pkg, err := Part1(2, 3, 2)
	require.NoError(t, err)

	secData, err := sec.MarshalBinary()
	require.NoError(t, err)
	var secBack Round1Secret
	require.NoError(t, secBack.UnmarshalBinary(secData))
	assert.Equal(t, sec.ID, secBack.ID)
	assert.Equal(t, sec.Threshold, secBack.Threshold)

	pkgData, err := pkg.MarshalBinary()
	require.NoError(t, err)
	var pkgBack Round1Package
	require.NoError(t, pkgBack.UnmarshalBinary(pkgData))
	assert.Equal(t, pkg.ID, pkgBack.ID)
	again, err := pkgBack.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, pkgData, again)
}

func TestKeyPackageMarshalRoundTrip(t *testing.T) {
	keyPackages, _ := runDKG(t, 2, 2)
	kp := keyPackages[1]

	data, err := kp.MarshalBinary()
	require.NoError(t, err)
	var back KeyPackage
	require.NoError(t, back.UnmarshalBinary(data))
	assert.Equal(t, kp.ID, back.ID)
	assert.Equal(t, kp.Threshold, back.Threshold)
	assert.Equal(t, 1, kp.SigningShare.Equal(&back.SigningShare))
	assert.True(t, kp.GroupKey.Equal(back.GroupKey))
}
