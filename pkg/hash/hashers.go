package hash

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
	"github.com/spaolacci/murmur3"
)

// HashFunc computes the 32-bit fingerprint (spec §3) of a key. Only the
// low bits of the fingerprint are ever consulted (masked by the
// directory's global/local depth), so truncating a wider digest is safe.
type HashFunc func(key int64) uint32

// Comparator is a total order over keys; the hash index only ever uses
// its equality (spec §6: "only equality is used").
type Comparator func(a, b int64) bool

// Int64Equal is the default Comparator for int64 keys.
func Int64Equal(a, b int64) bool {
	return a == b
}

func keyBytes(key int64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	binary.PutVarint(buf, key)
	return buf
}

// XxHash is the default HashFunc, truncating xxHash's 64-bit digest to 32 bits.
func XxHash(key int64) uint32 {
	return uint32(xxhash.Sum64(keyBytes(key)))
}

// MurmurHash is an alternate HashFunc, truncating MurmurHash3's 64-bit digest to 32 bits.
func MurmurHash(key int64) uint32 {
	return uint32(murmur3.Sum64(keyBytes(key)))
}
