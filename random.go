package frost

import (
	"crypto/rand"
	"fmt"

	"filippo.io/edwards25519"
)

func randomScalar() *edwards25519.Scalar {
	randomBytes := make([]byte, 64)
	if _, err := rand.Read(randomBytes); err != nil {
		panic(fmt.Errorf("edwards25519: failed to generate random Scalar: %w", err))
	}
	s, _ := edwards25519.NewScalar().SetUniformBytes(randomBytes)
	return s
}
