package chordcheck

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupKeys(t *testing.T) {
	t.Run("should start with the fixed keys", func(t *testing.T) {
		// Arrange & Act
		var keys = lookupKeys(nil)

		// Assert
		assert.Equal(t, []uint64{123, 1 << 31, 1<<32 - 1}, keys)
	})

	t.Run("should append node identifiers once", func(t *testing.T) {
		// Arrange
		var ids = []uint64{42, 123, 42, 7}

		// Act
		var keys = lookupKeys(ids)

		// Assert
		assert.Equal(t, []uint64{123, 1 << 31, 1<<32 - 1, 42, 7}, keys)
	})

	t.Run("should not modify the fixed keys", func(t *testing.T) {
		// Arrange & Act
		_ = lookupKeys([]uint64{1, 2, 3})

		// Assert
		assert.Len(t, fixedLookupKeys, 3)
	})
}

func TestRandomKey(t *testing.T) {
	t.Run("should stay within the identifier circle", func(t *testing.T) {
		// Arrange
		var rng = rand.New(rand.NewPCG(1, 2))

		// Act & Assert
		for range 10000 {
			assert.LessOrEqual(t, randomKey(rng), keySpace)
		}
	})

	t.Run("should be reproducible for a seed", func(t *testing.T) {
		// Arrange
		var a, b = rand.New(rand.NewPCG(9, 9)), rand.New(rand.NewPCG(9, 9))

		// Act & Assert
		for range 100 {
			assert.Equal(t, randomKey(a), randomKey(b))
		}
	})
}
