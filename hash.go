package overlaymap

import (
	"encoding/binary"
	"hash/maphash"

	"github.com/cespare/xxhash/v2"
)

// Hasher computes a 64-bit hash of key. seed is the map's own random seed so
// that two map instances probe in different orders. Equal keys must hash
// equally under the same seed, and the result should spread across all 64
// bits: the table consumes the low bits for the bucket index and the high
// byte for the control bytes.
type Hasher[K any] func(key K, seed uint64) uint64

// StringHasher hashes string keys with xxHash.
func StringHasher(key string, seed uint64) uint64 {
	var d xxhash.Digest
	d.ResetWithSeed(seed)
	d.WriteString(key)
	return d.Sum64()
}

// Uint64Hasher hashes integer keys with xxHash.
func Uint64Hasher(key uint64, seed uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	var d xxhash.Digest
	d.ResetWithSeed(seed)
	d.Write(buf[:])
	return d.Sum64()
}

// comparableHasher hashes arbitrary comparable keys through the runtime's
// hash. maphash insists on its own seed type, so the per-map seed is folded
// in by hand.
func comparableHasher[K comparable]() Hasher[K] {
	mseed := maphash.MakeSeed()
	return func(key K, seed uint64) uint64 {
		return maphash.Comparable(mseed, key) ^ seed
	}
}
