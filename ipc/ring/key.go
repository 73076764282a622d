package ring

import (
	"github.com/cespare/xxhash/v2"
)

// KeyFromName derives a stable System-V key from a human-readable ring
// name, so callers coordinating a ring by name instead of a raw
// pre-agreed integer key still land on the same segment. Collisions
// are possible, as with any hash-derived key; callers sharing a
// process group should prefer distinct names.
func KeyFromName(name string) int32 {
	sum := xxhash.Sum64String(name)
	// Keep the result in the positive int32 range: shmget key_t is a
	// signed 32-bit value on Linux, and IPC_PRIVATE is 0.
	key := int32(sum & 0x7fffffff)
	if key == 0 {
		key = 1
	}
	return key
}
