package utils

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync/atomic"
	"time"
)

var seedCounter uint64

// RandSource is a random number generator owned by a single goroutine.
// It is not safe for concurrent use; create one per simulation instead.
type RandSource struct {
	rng *rand.Rand
}

// NewRandSource creates a new random source with the given seed.
// A zero seed draws a fresh one so that independent sources never share state.
func NewRandSource(seed int64) *RandSource {
	if seed == 0 {
		seed = freshSeed()
	}
	return &RandSource{
		rng: rand.New(rand.NewSource(seed)),
	}
}

func freshSeed() int64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		// Fallback: time mixed with a counter keeps concurrent callers apart
		return time.Now().UnixNano() ^ int64(atomic.AddUint64(&seedCounter, 1)<<32)
	}
	return int64(binary.LittleEndian.Uint64(b[:]) >> 1)
}

// NormFloat64 returns a normally distributed random number with mean and stddev
func (r *RandSource) NormFloat64(mean, stddev float64) float64 {
	return r.rng.NormFloat64()*stddev + mean
}
