package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// RandomInt returns a uniform random integer in [lo, hi], inclusive, drawn
// from the system CSPRNG. The routing layer relies on this for TTL, retry,
// and fanout randomization, so modulo bias is removed by rejection sampling.
func RandomInt(lo, hi int) (int, error) {
	if hi < lo {
		return 0, fmt.Errorf("invalid range [%d, %d]", lo, hi)
	}
	n := uint64(hi-lo) + 1
	limit := (^uint64(0) / n) * n
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("read random bytes: %w", err)
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < limit {
			return lo + int(v%n), nil
		}
	}
}
