package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/segmentio/ksuid"
)

type ID string

// String returns the string representation of the ID.
func (id ID) String() string {
	return string(id)
}

// IsZero reports whether the ID is the zero value ("")
func (id ID) IsZero() bool {
	return id == ""
}

// NewID returns a sortable process-unique ID used for RPC sessions.
func NewID() (ID, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate new ID: %w", err)
	}
	return ID(id.String()), nil
}

// ParseID checks that s is a well-formed ksuid and returns it as an ID.
func ParseID(s string) (ID, error) {
	if s == "" {
		return "", fmt.Errorf("empty ID")
	}
	if _, err := ksuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid ID %q: %w", s, err)
	}
	return ID(s), nil
}

func MustNewID() ID {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

// DeterministicID derives the 8-hex-char id of a keyed brain entry from its
// type tag and natural key. The same (type, key) pair always yields the same
// id, which is what makes re-adding a key an upsert.
func DeterministicID(entryType, naturalKey string) string {
	sum := sha256.Sum256([]byte(entryType + ":" + naturalKey))
	return hex.EncodeToString(sum[:4])
}

// RandomID returns an 8-hex-char id from 4 random bytes. Used by all
// non-keyed brain entry types and by tombstones.
func RandomID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Errorf("failed to read random bytes: %w", err))
	}
	return hex.EncodeToString(b[:])
}
