package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest is the lowercase hex SHA-256 of b. Callers truncate it for short
// fingerprints.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
