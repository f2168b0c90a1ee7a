package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicID(t *testing.T) {
	t.Run("Should derive the same id for the same type and key", func(t *testing.T) {
		a := DeterministicID("identity", "name")
		b := DeterministicID("identity", "name")
		assert.Equal(t, a, b)
		assert.Len(t, a, 8)
	})

	t.Run("Should separate types sharing a key", func(t *testing.T) {
		assert.NotEqual(t, DeterministicID("identity", "name"), DeterministicID("user", "name"))
	})

	t.Run("Should separate keys within a type", func(t *testing.T) {
		assert.NotEqual(t, DeterministicID("meta", "a"), DeterministicID("meta", "b"))
	})
}

func TestRandomID(t *testing.T) {
	t.Run("Should produce 8 hex chars", func(t *testing.T) {
		id := RandomID()
		assert.Len(t, id, 8)
		for _, c := range id {
			assert.Contains(t, "0123456789abcdef", string(c))
		}
	})

	t.Run("Should not repeat in a small sample", func(t *testing.T) {
		seen := make(map[string]bool)
		for range 100 {
			seen[RandomID()] = true
		}
		assert.Greater(t, len(seen), 95)
	})
}

func TestNewID(t *testing.T) {
	t.Run("Should generate parseable unique ids", func(t *testing.T) {
		a := MustNewID()
		b := MustNewID()
		require.False(t, a.IsZero())
		assert.NotEqual(t, a, b)

		parsed, err := ParseID(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	})

	t.Run("Should reject empty and malformed ids", func(t *testing.T) {
		_, err := ParseID("")
		assert.Error(t, err)
		_, err = ParseID("not-a-ksuid!")
		assert.Error(t, err)
	})
}
