package hashdb

import (
	"math/bits"
	"slices"
)

// Iteration visits buckets in directory order, each bucket once at the
// smallest directory index that references it, and elements in slot order.
// The order is stable while the database is not modified.

// canonical reports whether dirIdx is the smallest directory index that
// references its bucket. Indices referencing one bucket agree in their low
// depth bits, so i is canonical unless clearing its highest set bit lands on
// the same bucket.
func (db *DB) canonical(dirIdx int) bool {
	if dirIdx == 0 {
		return true
	}

	top := 1 << (bits.Len(uint(dirIdx)) - 1)

	return db.dir[dirIdx^top] != db.dir[dirIdx]
}

// FirstKey returns the first key in iteration order, or [ErrNotFound] when
// the database is empty.
func (db *DB) FirstKey() ([]byte, error) {
	if err := db.usable(); err != nil {
		return nil, err
	}

	key, err := db.keyFrom(0, 0)

	return key, db.readFailed(err)
}

// NextKey returns the key following key in iteration order, or
// [ErrNotFound] after the last key or when key itself is not stored.
func (db *DB) NextKey(key []byte) ([]byte, error) {
	if err := db.readable(key); err != nil {
		return nil, err
	}

	loc, err := db.findKey(key)
	if err != nil {
		return nil, db.readFailed(err)
	}

	if !loc.found() {
		return nil, ErrNotFound
	}

	start := loc.dirIdx & (1<<loc.ce.bucket.bits - 1)

	next, err := db.keyFrom(start, loc.slot+1)

	return next, db.readFailed(err)
}

// keyFrom returns the first key at or after (dirIdx, slot).
func (db *DB) keyFrom(dirIdx, slot int) ([]byte, error) {
	for i := dirIdx; i < len(db.dir); i++ {
		if !db.canonical(i) {
			continue
		}

		ce, err := db.getBucket(i)
		if err != nil {
			return nil, err
		}

		if i != dirIdx {
			slot = 0
		}

		for s := slot; s < len(ce.bucket.elements); s++ {
			if !ce.bucket.elements[s].used {
				continue
			}

			key, _, err := db.readRecord(ce, s)
			if err != nil {
				return nil, err
			}

			return slices.Clone(key), nil
		}
	}

	return nil, ErrNotFound
}

// Iterate calls fn for every record until fn returns false. fn receives
// copies and must not modify the database.
func (db *DB) Iterate(fn func(key, value []byte) bool) error {
	if err := db.usable(); err != nil {
		return err
	}

	return db.readFailed(db.walk(func(_ *bucket, e *bucketElement) (bool, error) {
		key, value, err := db.readElem(e)
		if err != nil {
			return false, err
		}

		return fn(key, value), nil
	}))
}

// Count returns the number of stored records.
func (db *DB) Count() (int, error) {
	if err := db.usable(); err != nil {
		return 0, err
	}

	n := 0

	err := db.walkBuckets(func(_ int, _ uint64, b *bucket) (bool, error) {
		n += int(b.count)
		return true, nil
	})
	if err != nil {
		return 0, db.readFailed(err)
	}

	return n, nil
}

// walkBuckets calls fn for every bucket at its canonical directory index.
// fn gets the bucket itself, not the cache slot, so it stays valid when fn
// causes evictions.
func (db *DB) walkBuckets(fn func(dirIdx int, adr uint64, b *bucket) (bool, error)) error {
	for i := range db.dir {
		if !db.canonical(i) {
			continue
		}

		ce, err := db.getBucket(i)
		if err != nil {
			return err
		}

		more, err := fn(i, ce.adr, ce.bucket)
		if err != nil || !more {
			return err
		}
	}

	return nil
}

// walk calls fn for every used element of every bucket.
func (db *DB) walk(fn func(b *bucket, e *bucketElement) (bool, error)) error {
	return db.walkBuckets(func(_ int, _ uint64, b *bucket) (bool, error) {
		for s := range b.elements {
			if !b.elements[s].used {
				continue
			}

			if more, err := fn(b, &b.elements[s]); err != nil || !more {
				return false, err
			}
		}

		return true, nil
	})
}

// readElem reads the record of e without touching any cache.
func (db *DB) readElem(e *bucketElement) ([]byte, []byte, error) {
	buf := make([]byte, e.recordSize())
	if err := readFull(db.st, buf, e.dataPtr); err != nil {
		return nil, nil, err
	}

	return buf[:e.keySize:e.keySize], buf[e.keySize:], nil
}
