package profile

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// PoolKey is a 256-bit content-addressed digest of a canonicalized
// CapabilityProfile. Equality of PoolKey implies semantic equivalence of
// profiles, so it doubles as the map key pools are indexed by.
type PoolKey [32]byte

// String renders the key as lowercase hex, suitable as a log field and a
// map key's string form.
func (k PoolKey) String() string {
	return hex.EncodeToString(k[:])
}

// Hash derives the PoolKey for a profile. BLAKE3 is used for its native
// 256-bit output and speed under the pool manager's hot lookup path.
func Hash(p CapabilityProfile) PoolKey {
	return PoolKey(blake3.Sum256(Canonicalize(p)))
}
