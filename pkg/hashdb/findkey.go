package hashdb

import "bytes"

// keyLoc is the result of a lookup: the bucket the key maps to and, when
// found, the element slot holding it.
type keyLoc struct {
	ce     *cacheElem
	dirIdx int
	hash   uint32
	slot   int // noSlot when the key is absent
}

func (l keyLoc) found() bool { return l.slot != noSlot }

func (l keyLoc) elem() *bucketElement { return &l.ce.bucket.elements[l.slot] }

// findKey locates key. Candidates are rejected by hash, key size and key
// prefix before the record is read and compared byte for byte.
func (db *DB) findKey(key []byte) (keyLoc, error) {
	hash, dirIdx, home := db.hashKey(key)

	ce, err := db.getBucket(dirIdx)
	if err != nil {
		return keyLoc{}, err
	}

	loc := keyLoc{ce: ce, dirIdx: dirIdx, hash: hash, slot: noSlot}
	elems := ce.bucket.elements
	n := len(elems)

	for i := range n {
		slot := (home + i) % n

		e := &elems[slot]
		if !e.used {
			break
		}

		if e.hash != hash || int(e.keySize) != len(key) || !bytes.Equal(e.keyStart[:min(len(key), keyStartLen)], key[:min(len(key), keyStartLen)]) {
			continue
		}

		k, _, err := db.readRecord(ce, slot)
		if err != nil {
			return keyLoc{}, err
		}

		if bytes.Equal(k, key) {
			loc.slot = slot
			return loc, nil
		}
	}

	return loc, nil
}

// readRecord returns the key and value stored for an element, using the
// bucket's record cache when it holds that slot. The returned slices must
// not be modified.
func (db *DB) readRecord(ce *cacheElem, slot int) ([]byte, []byte, error) {
	if ce.rec.slot == slot {
		return ce.rec.key, ce.rec.value, nil
	}

	key, value, err := db.readElem(&ce.bucket.elements[slot])
	if err != nil {
		return nil, nil, err
	}

	ce.rec = recordCache{slot: slot, key: key, value: value}

	return key, value, nil
}

// writeRecord writes key followed by value at adr and refreshes the record
// cache of ce for slot.
func (db *DB) writeRecord(ce *cacheElem, slot int, adr uint64, key, value []byte) error {
	buf := make([]byte, len(key)+len(value))
	copy(buf, key)
	copy(buf[len(key):], value)

	if err := writeFull(db.st, buf, adr); err != nil {
		ce.invalidateRecord()
		return err
	}

	ce.rec = recordCache{slot: slot, key: buf[:len(key):len(key)], value: buf[len(key):]}

	return nil
}

func keyStartOf(key []byte) [keyStartLen]byte {
	var ks [keyStartLen]byte
	copy(ks[:], key)

	return ks
}
