// Package rng derives the per-action random seeds that keep both endpoints'
// game logic deterministic. The host is the only side that advances the
// counter; clients receive seeds inside action results and replay them.
package rng

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand"
)

// ActionSeed derives the seed for the counter-th executed action of a
// session. The derivation hashes the session seed and the counter with
// FNV-64a, separated by a zero byte so (1,23) and (12,3) cannot collide.
// A zero hash maps to 1 because some PRNG sources treat 0 as unseeded.
func ActionSeed(sessionSeed uint64, counter uint64) int64 {
	var block [8]byte
	hasher := fnv.New64a()
	binary.BigEndian.PutUint64(block[:], sessionSeed)
	hasher.Write(block[:])
	hasher.Write([]byte{0})
	binary.BigEndian.PutUint64(block[:], counter)
	hasher.Write(block[:])
	sum := hasher.Sum64()
	if sum == 0 {
		sum = 1
	}
	return int64(sum)
}

// NewActionRand builds the PRNG a domain executor consumes for one action.
func NewActionRand(sessionSeed uint64, counter uint64) *rand.Rand {
	return rand.New(rand.NewSource(ActionSeed(sessionSeed, counter)))
}

// NewRandFromSeed builds a PRNG from an already-derived action seed, for the
// endpoint that received the seed over the wire.
func NewRandFromSeed(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// NewSessionSeed draws a fresh high-entropy session seed.
func NewSessionSeed() (uint64, error) {
	var block [8]byte
	if _, err := crand.Read(block[:]); err != nil {
		return 0, fmt.Errorf("rng: read session seed: %w", err)
	}
	return binary.LittleEndian.Uint64(block[:]), nil
}
