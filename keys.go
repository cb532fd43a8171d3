package chordcheck

import (
	"math/rand/v2"
	"slices"
)

// keySpace is the size of the identifier circle the reference node uses (m = 32).
const keySpace = uint64(1) << 32

// fixedLookupKeys are checked on every ring: a small key, the midpoint, and
// the last identifier before wrap-around.
var fixedLookupKeys = []uint64{123, keySpace / 2, keySpace - 1}

// lookupKeys returns the fixed keys followed by every distinct node identifier,
// so that keys landing exactly on a node are covered too.
func lookupKeys(nodeIDs []uint64) []uint64 {
	var keys = slices.Clone(fixedLookupKeys)
	for _, id := range nodeIDs {
		if !slices.Contains(keys, id) {
			keys = append(keys, id)
		}
	}
	return keys
}

// randomKey draws a key uniformly from [0, keySpace].
func randomKey(rng *rand.Rand) uint64 {
	return rng.Uint64N(keySpace + 1)
}
