// Package identity derives the secure identifiers used for storage.
//
// A raw user identifier (whatever the web layer authenticates) is never
// written to disk or logs. Everything downstream uses the secure identifier,
// a one-way digest of the raw one truncated to a fixed number of hex digits.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// DefaultLength is the number of hex digits kept from the digest
const DefaultLength = 16

// Deriver turns raw user identifiers into secure identifiers.
//
// Without a salt the identifier is the first Length hex digits of
// SHA-256(raw), which is compatible with profiles written by earlier
// deployments. With a salt it is a keyed BLAKE2b-256 digest, so identifiers
// cannot be recomputed from a guessed raw id without the deployment secret.
type Deriver struct {
	salt   []byte
	length int
}

// NewDeriver creates a deriver. A length of 0 selects DefaultLength.
func NewDeriver(salt string, length int) (*Deriver, error) {
	if length == 0 {
		length = DefaultLength
	}
	if length < DefaultLength || length > 64 {
		return nil, fmt.Errorf("identifier length must be between %d and 64, got %d", DefaultLength, length)
	}
	if len(salt) > blake2b.Size {
		return nil, fmt.Errorf("identifier salt longer than %d bytes", blake2b.Size)
	}

	d := &Deriver{length: length}
	if salt != "" {
		d.salt = []byte(salt)
	}
	return d, nil
}

// Default returns the unsalted 16-digit deriver
func Default() *Deriver {
	return &Deriver{length: DefaultLength}
}

// Salted reports whether the deriver uses a deployment secret
func (d *Deriver) Salted() bool {
	return len(d.salt) > 0
}

// SecureID returns the secure identifier for a raw user identifier
func (d *Deriver) SecureID(userID string) string {
	var sum []byte
	if d.Salted() {
		// New256 only fails for keys over 64 bytes, rejected in NewDeriver
		h, _ := blake2b.New256(d.salt)
		h.Write([]byte(userID))
		sum = h.Sum(nil)
	} else {
		s := sha256.Sum256([]byte(userID))
		sum = s[:]
	}
	return hex.EncodeToString(sum)[:d.length]
}
