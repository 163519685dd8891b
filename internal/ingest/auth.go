package ingest

import (
	"crypto/subtle"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

const keyContext = "ravenhub 2024-06 agent auth key"

// Authenticator checks an agent's key.
type Authenticator interface {
	Valid(agentID, key string) bool
}

// KeyAuthenticator expects keys of the form hex(BLAKE3-keyed(secret, agentID)).
type KeyAuthenticator struct {
	key [32]byte
}

// NewKeyAuthenticator derives the hashing key from a shared secret.
func NewKeyAuthenticator(secret string) *KeyAuthenticator {
	a := &KeyAuthenticator{}
	blake3.DeriveKey(keyContext, []byte(secret), a.key[:])
	return a
}

// Derive returns the key an agent must present.
func (a *KeyAuthenticator) Derive(agentID string) string {
	hasher, err := blake3.NewKeyed(a.key[:])
	if err != nil {
		// only fails for keys that are not 32 bytes
		panic("ingest: " + err.Error())
	}
	hasher.WriteString(agentID)
	return hex.EncodeToString(hasher.Sum(nil))
}

func (a *KeyAuthenticator) Valid(agentID, key string) bool {
	if agentID == "" || key == "" {
		return false
	}
	expected := a.Derive(agentID)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(key)) == 1
}
