package collector

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/stenohq/steno/internal/errkind"
)

const keyPrefixTag = "sk_steno_"

// GenerateAPIKey mints a new collector API key. Only the hash and a short
// display prefix are meant to be stored; the full key is shown once.
func GenerateAPIKey() (key, hash, prefix string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generating api key: %w", err)
	}
	key = keyPrefixTag + hex.EncodeToString(raw)
	return key, HashAPIKey(key), key[:len(keyPrefixTag)+8], nil
}

// HashAPIKey returns the stored form of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey compares a presented key against the stored hash in constant
// time. Mismatches classify as PermissionDenied.
func VerifyAPIKey(presented, storedHash string) error {
	presentedHash := HashAPIKey(presented)
	if subtle.ConstantTimeCompare([]byte(presentedHash), []byte(storedHash)) != 1 {
		return errkind.New(errkind.PermissionDenied, "invalid api key")
	}
	return nil
}
