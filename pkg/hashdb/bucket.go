package hashdb

import (
	"fmt"

	"go.uber.org/zap"
)

// getBucket returns the bucket the directory maps dirIdx to.
func (db *DB) getBucket(dirIdx int) (*cacheElem, error) {
	if dirIdx < 0 || dirIdx >= len(db.dir) {
		return nil, fmt.Errorf("directory index %d out of range [0,%d): %w", dirIdx, len(db.dir), ErrInvalidInput)
	}

	adr := db.dir[dirIdx]
	if !db.header.validBucketAdr(adr) {
		return nil, corruptf("directory entry %d -> %d out of range", dirIdx, adr)
	}

	ce, err := db.cache.get(adr)
	if err != nil {
		return nil, err
	}

	ce.dirIndex = dirIdx

	return ce, nil
}

// readBucket implements bucketStore.
func (db *DB) readBucket(adr uint64) (*bucket, error) {
	buf := make([]byte, db.header.bucketSize)
	if err := readFull(db.st, buf, adr); err != nil {
		return nil, err
	}

	b, err := decodeBucket(buf, &db.header)
	if err != nil {
		return nil, fmt.Errorf("bucket at %d: %w", adr, err)
	}

	return b, nil
}

// writeBucket implements bucketStore.
func (db *DB) writeBucket(adr uint64, b *bucket) error {
	return writeFull(db.st, encodeBucket(b, db.header.bucketSize), adr)
}

// insertElement stores e in the first free slot probing from its home slot
// and returns the slot. The bucket must not be full.
func (b *bucket) insertElement(e bucketElement) int {
	n := len(b.elements)
	home := homeSlot(e.hash, n)

	for i := range n {
		slot := (home + i) % n
		if !b.elements[slot].used {
			e.used = true
			b.elements[slot] = e
			b.count++

			return slot
		}
	}

	panic("hashdb: insert into full bucket")
}

// removeElement empties slot and moves later members of the probe chain
// back so every remaining element stays reachable from its home slot.
func (b *bucket) removeElement(slot int) {
	n := len(b.elements)
	hole := slot

	b.elements[hole] = bucketElement{}
	b.count--

	for i := (hole + 1) % n; b.elements[i].used; i = (i + 1) % n {
		home := homeSlot(b.elements[i].hash, n)

		// The element stays if its home lies cyclically in (hole, i].
		if (hole < i && hole < home && home <= i) || (hole > i && (home > hole || home <= i)) {
			continue
		}

		b.elements[hole] = b.elements[i]
		b.elements[i] = bucketElement{}
		hole = i
	}
}

func (b *bucket) full() bool {
	return int(b.count) == len(b.elements)
}

// splitBucket splits the bucket ce, which dirIdx maps to, on hash bit
// ce.bucket.bits. Elements with the bit clear stay, the others move to a new
// bucket, and the directory entries with the bit set are repointed to it.
// The directory is doubled first when the bucket already uses every
// directory bit.
func (db *DB) splitBucket(ce *cacheElem, dirIdx int) error {
	old := ce.bucket
	depth := old.bits

	if depth >= maxDirBits {
		return fmt.Errorf("bucket at depth %d: %w", depth, ErrHashExhausted)
	}

	if depth == db.header.dirBits {
		if err := db.doubleDirectory(); err != nil {
			return err
		}
	}

	newAdr, err := db.alloc(ce, uint64(db.header.bucketSize))
	if err != nil {
		return err
	}

	sibling := newBucket(depth+1, db.header.bucketElems)

	moved := old.elements
	old.elements = make([]bucketElement, len(moved))
	old.count = 0
	old.bits = depth + 1

	for _, e := range moved {
		if !e.used {
			continue
		}

		if e.hash>>depth&1 == 1 {
			sibling.insertElement(e)
		} else {
			old.insertElement(e)
		}
	}

	ce.invalidateRecord()
	db.markDirty(ce)

	if _, err := db.cache.add(newAdr, sibling); err != nil {
		return err
	}

	low := dirIdx & (1<<depth - 1)
	for i := low | 1<<depth; i < len(db.dir); i += 1 << (depth + 1) {
		db.dir[i] = newAdr
	}

	db.dirChanged = true
	db.stats.splits++

	db.log.Debug("split bucket",
		zap.Uint64("bucket", ce.adr),
		zap.Uint64("sibling", newAdr),
		zap.Uint32("depth", depth+1),
		zap.Uint32("kept", old.count),
		zap.Uint32("moved", sibling.count),
	)

	return nil
}

// doubleDirectory relocates the directory to an extent twice its size with
// every entry duplicated, and frees the old extent.
func (db *DB) doubleDirectory() error {
	h := &db.header
	if h.dirBits >= maxDirBits {
		return fmt.Errorf("directory at %d bits: %w", h.dirBits, ErrHashExhausted)
	}

	oldAdr, oldSize := h.dirOffset, h.dirSize

	adr, err := db.alloc(nil, oldSize*2)
	if err != nil {
		return err
	}

	dir := make([]uint64, len(db.dir)*2)
	copy(dir, db.dir)
	copy(dir[len(db.dir):], db.dir)

	db.dir = dir
	h.dirBits++
	h.dirOffset = adr
	h.dirSize = oldSize * 2
	db.dirChanged = true
	db.markHeaderDirty()
	db.stats.dirDoublings++

	if err := db.free(nil, oldAdr, oldSize); err != nil {
		return err
	}

	db.log.Debug("doubled directory",
		zap.Uint32("bits", h.dirBits),
		zap.Uint64("offset", adr),
	)

	return nil
}

// separable reports whether hash and the hashes in b differ in any bit the
// directory can address, i.e. whether splitting can ever make room.
func separable(b *bucket, hash uint32) bool {
	const mask = uint32(1)<<maxDirBits - 1

	for i := range b.elements {
		if b.elements[i].used && (b.elements[i].hash^hash)&mask != 0 {
			return true
		}
	}

	return false
}
