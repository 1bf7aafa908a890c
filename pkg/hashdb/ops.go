package hashdb

import (
	"fmt"
	"slices"
)

// StoreMode selects what [DB.Store] does when the key already exists.
type StoreMode int

const (
	// Insert fails with [ErrKeyExists] if the key is present.
	Insert StoreMode = iota

	// Replace overwrites an existing value or inserts a new key.
	Replace
)

// maxRecordSize bounds key and value lengths to the 32-bit element fields.
const maxRecordSize = int64(1)<<32 - 1

// Store saves value under key.
//
// Keys must be at least one byte. Values may be empty.
//
// Possible errors: [ErrKeyExists], [ErrInvalidInput], [ErrReadOnly],
// [ErrHashExhausted], [ErrNoSpace], [ErrClosed], [ErrFailed].
func (db *DB) Store(key, value []byte, mode StoreMode) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if int64(len(value)) > maxRecordSize {
		return fmt.Errorf("value length %d exceeds %d: %w", len(value), maxRecordSize, ErrInvalidInput)
	}

	if mode != Insert && mode != Replace {
		return fmt.Errorf("unknown store mode %d: %w", int(mode), ErrInvalidInput)
	}

	if err := db.beginUpdate(); err != nil {
		return err
	}

	return db.endUpdate(db.store(key, value, mode))
}

func (db *DB) store(key, value []byte, mode StoreMode) error {
	loc, err := db.findKey(key)
	if err != nil {
		return err
	}

	size := uint64(len(key)) + uint64(len(value))

	if loc.found() {
		if mode == Insert {
			return ErrKeyExists
		}

		return db.replace(loc, key, value, size)
	}

	ce, dirIdx := loc.ce, loc.dirIdx

	if ce.bucket.full() && !separable(ce.bucket, loc.hash) {
		return fmt.Errorf("%d keys share the low %d hash bits: %w", ce.bucket.count+1, maxDirBits, ErrHashExhausted)
	}

	for ce.bucket.full() {
		if err := db.splitBucket(ce, dirIdx); err != nil {
			return err
		}

		dirIdx = dirIndex(loc.hash, db.header.dirBits)

		ce, err = db.getBucket(dirIdx)
		if err != nil {
			return err
		}
	}

	adr, err := db.alloc(ce, size)
	if err != nil {
		return err
	}

	slot := ce.bucket.insertElement(bucketElement{
		hash:     loc.hash,
		keySize:  uint32(len(key)),
		dataSize: uint32(len(value)),
		keyStart: keyStartOf(key),
		dataPtr:  adr,
	})
	db.markDirty(ce)

	return db.writeRecord(ce, slot, adr, key, value)
}

// replace rewrites an existing record. A record that still fits is written
// in place and its tail freed; otherwise it moves to a new extent.
func (db *DB) replace(loc keyLoc, key, value []byte, size uint64) error {
	ce := loc.ce
	e := loc.elem()
	oldSize := e.recordSize()
	adr := e.dataPtr

	if size <= oldSize {
		if err := db.free(ce, adr+size, oldSize-size); err != nil {
			return err
		}
	} else {
		if err := db.free(ce, adr, oldSize); err != nil {
			return err
		}

		var err error

		adr, err = db.alloc(ce, size)
		if err != nil {
			return err
		}
	}

	e.dataSize = uint32(len(value))
	e.dataPtr = adr
	db.markDirty(ce)

	return db.writeRecord(ce, loc.slot, adr, key, value)
}

// Fetch returns a copy of the value stored under key.
//
// Possible errors: [ErrNotFound], [ErrInvalidInput], [ErrClosed],
// [ErrFailed].
func (db *DB) Fetch(key []byte) ([]byte, error) {
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

	_, value, err := db.readRecord(loc.ce, loc.slot)
	if err != nil {
		return nil, db.readFailed(err)
	}

	return slices.Clone(value), nil
}

// Exists reports whether key is stored.
func (db *DB) Exists(key []byte) (bool, error) {
	if err := db.readable(key); err != nil {
		return false, err
	}

	loc, err := db.findKey(key)
	if err != nil {
		return false, db.readFailed(err)
	}

	return loc.found(), nil
}

// Delete removes key.
//
// Deleting a missing key returns [ErrNotFound] and writes nothing.
func (db *DB) Delete(key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if err := db.beginUpdate(); err != nil {
		return err
	}

	return db.endUpdate(db.delete(key))
}

func (db *DB) delete(key []byte) error {
	loc, err := db.findKey(key)
	if err != nil {
		return err
	}

	if !loc.found() {
		return ErrNotFound
	}

	e := *loc.elem()
	ce := loc.ce

	ce.bucket.removeElement(loc.slot)
	ce.invalidateRecord()
	db.markDirty(ce)

	return db.free(ce, e.dataPtr, e.recordSize())
}

func (db *DB) readable(key []byte) error {
	if err := db.usable(); err != nil {
		return err
	}

	return validateKey(key)
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("empty key: %w", ErrInvalidInput)
	}

	if int64(len(key)) > maxRecordSize {
		return fmt.Errorf("key length %d exceeds %d: %w", len(key), maxRecordSize, ErrInvalidInput)
	}

	return nil
}
