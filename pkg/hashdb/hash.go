package hashdb

import (
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// HashFunc maps a key to the 32 bits stored in bucket elements.
type HashFunc func(key []byte) uint32

// defaultHash folds xxhash64 to 32 bits. This is hash algorithm 1 in the
// file header.
func defaultHash(key []byte) uint32 {
	h := xxhash.Sum64(key)
	return uint32(h) ^ uint32(h>>32)
}

// dirIndex returns the directory slot for hash: its low dirBits bits.
func dirIndex(hash uint32, dirBits uint32) int {
	return int(hash & (uint32(1)<<dirBits - 1))
}

// homeSlot returns the first probe position of hash in a bucket with n
// elements. The directory consumes the low bits, so the slot is taken from
// the bit-reversed hash to keep it independent of the bucket's depth.
func homeSlot(hash uint32, n int) int {
	return int(bits.Reverse32(hash) % uint32(n))
}

// hashKey returns the hash of key, its directory slot and its home slot.
func (db *DB) hashKey(key []byte) (hash uint32, dirIdx int, home int) {
	hash = db.hash(key)
	return hash, dirIndex(hash, db.header.dirBits), homeSlot(hash, int(db.header.bucketElems))
}
