// Package key implements opaque gateway credentials: generation, salted
// digest verification, and a short-TTL Redis resolution cache so the hot
// path stays off the database.
package key

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// DefaultPrefix marks gateway-issued credentials.
	DefaultPrefix = "sk-gate-"

	randomBytes = 32
	saltBytes   = 16
)

// Generated holds the artifacts of key creation. Plaintext is returned to
// the caller exactly once and never stored.
type Generated struct {
	Plaintext     string
	HashedKey     string
	Salt          string
	DisplayPrefix string
}

// Generate mints a new credential under the given prefix.
func Generate(prefix string) (*Generated, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	raw := make([]byte, randomBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	plaintext := prefix + base64.RawURLEncoding.EncodeToString(raw)

	saltRaw := make([]byte, saltBytes)
	if _, err := rand.Read(saltRaw); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	salt := hex.EncodeToString(saltRaw)

	display := plaintext
	if len(display) > len(prefix)+4 {
		display = display[:len(prefix)+4] + "..."
	}

	return &Generated{
		Plaintext:     plaintext,
		HashedKey:     Digest(plaintext, salt),
		Salt:          salt,
		DisplayPrefix: display,
	}, nil
}

// Digest computes the stored form: hex(sha256(plaintext + salt)).
func Digest(plaintext, salt string) string {
	sum := sha256.Sum256([]byte(plaintext + salt))
	return hex.EncodeToString(sum[:])
}

// Verify compares a presented plaintext against a stored digest in constant
// time.
func Verify(plaintext, hashedKey, salt string) bool {
	computed := Digest(plaintext, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hashedKey)) == 1
}

// CacheDigest is the Redis cache key component for a plaintext. It is an
// unsalted digest: usable as a lookup handle, never as a stored credential.
func CacheDigest(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
