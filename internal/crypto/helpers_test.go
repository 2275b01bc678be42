package crypto

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC)

// newTestForge returns a forge with a seeded deterministic RNG and a clock fixed at now.
func newTestForge(t *testing.T, seed byte, now time.Time) *Forge {
	t.Helper()
	var s [32]byte
	s[0] = seed
	return NewForge(WithRand(rand.NewChaCha8(s)), WithClock(FixedClock(now)))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("rng unplugged") }

func flip(b []byte, i int) []byte {
	out := append([]byte(nil), b...)
	out[i] ^= 0x01
	return out
}
