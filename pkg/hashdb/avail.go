package hashdb

import (
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"
)

// Free space lives in three tiers: the avail table of the bucket currently
// being modified, the header table, and avail blocks chained from the
// header. Every extent of the file is exactly one of: header, directory,
// bucket, avail block, live record or free extent. Nothing is ever dropped,
// so the tiers plus the live structures always add up to nextBlock.

// alloc returns the offset of size free bytes. ce is the bucket whose avail
// table is searched first; nil skips that tier.
func (db *DB) alloc(ce *cacheElem, size uint64) (uint64, error) {
	if size == 0 {
		return 0, nil
	}

	if ce != nil {
		if i := firstFit(ce.bucket.avail, size); i >= 0 {
			e := ce.bucket.avail[i]
			ce.bucket.avail = slices.Delete(ce.bucket.avail, i, i+1)
			db.markDirty(ce)

			return db.splitExtent(ce, e, size)
		}
	}

	if db.header.availNext != 0 && uint32(len(db.header.avail))+availBlockCapacity(&db.header)+1 <= db.header.availSize {
		if err := db.popAvailBlock(); err != nil {
			return 0, err
		}
	}

	if i := firstFit(db.header.avail, size); i >= 0 {
		e := db.header.avail[i]
		db.header.avail = slices.Delete(db.header.avail, i, i+1)
		db.markHeaderDirty()

		return db.splitExtent(ce, e, size)
	}

	if db.header.availNext != 0 {
		e, ok, err := db.takeFromAvailBlock(size)
		if err != nil {
			return 0, err
		}

		if ok {
			return db.splitExtent(ce, e, size)
		}
	}

	return db.extendFile(ce, size)
}

// takeFromAvailBlock removes the smallest extent of at least size bytes from
// the head avail block. A block left empty is unlinked and its space freed.
func (db *DB) takeFromAvailBlock(size uint64) (availElem, bool, error) {
	h := &db.header
	adr := h.availNext

	ab, err := db.readAvailBlock(adr)
	if err != nil {
		return availElem{}, false, err
	}

	i := firstFit(ab.elems, size)
	if i < 0 {
		return availElem{}, false, nil
	}

	e := ab.elems[i]
	ab.elems = slices.Delete(ab.elems, i, i+1)
	db.changed = true

	if len(ab.elems) > 0 {
		return e, true, writeFull(db.st, encodeAvailBlock(ab, availBlockSize(h)), adr)
	}

	h.availNext = ab.next
	db.markHeaderDirty()
	db.stats.availPops++

	return e, true, db.freeToHeader(availElem{size: availBlockSize(h), adr: adr})
}

// splitExtent hands out the front of e and frees the remainder.
func (db *DB) splitExtent(ce *cacheElem, e availElem, size uint64) (uint64, error) {
	if e.size > size {
		if err := db.free(ce, e.adr+size, e.size-size); err != nil {
			return 0, err
		}
	}

	return e.adr, nil
}

// extendFile grows the file by enough whole blocks to hold size bytes and
// returns the start of the new space. The tail beyond size is freed.
func (db *DB) extendFile(ce *cacheElem, size uint64) (uint64, error) {
	bs := uint64(db.header.blockSize)
	grow := (size + bs - 1) / bs * bs

	adr := db.header.nextBlock
	if grow < size || adr+grow < adr || adr+grow > uint64(maxInt64) {
		return 0, errNoSpace(adr, size)
	}

	if err := db.st.Extend(int64(adr + grow)); err != nil {
		return 0, err
	}

	db.header.nextBlock = adr + grow
	db.markHeaderDirty()

	if grow > size {
		if err := db.free(ce, adr+size, grow-size); err != nil {
			return 0, err
		}
	}

	return adr, nil
}

func errNoSpace(adr, size uint64) error {
	return fmt.Errorf("grow file past offset %d by %d bytes: %w", adr, size, ErrNoSpace)
}

// free returns [adr, adr+size) to the allocator. Small extents go to the
// avail table of ce when it has room; large extents, CentralFree handles and
// overflow go to the header table.
func (db *DB) free(ce *cacheElem, adr, size uint64) error {
	if size == 0 {
		return nil
	}

	e := availElem{size: size, adr: adr}

	if ce != nil && !db.opts.CentralFree && size < uint64(db.header.blockSize) {
		if merged, ok := db.mergeInto(ce.bucket.avail, e); ok {
			ce.bucket.avail = merged
			db.markDirty(ce)

			return nil
		}

		if len(ce.bucket.avail) < bucketAvail {
			ce.bucket.avail = insertBySize(ce.bucket.avail, e)
			db.markDirty(ce)

			return nil
		}
	}

	return db.freeToHeader(e)
}

// freeToHeader inserts e into the header table, pushing half of the table
// to a new avail block first when it is full.
func (db *DB) freeToHeader(e availElem) error {
	db.markHeaderDirty()

	if merged, ok := db.mergeInto(db.header.avail, e); ok {
		db.header.avail = merged
		return nil
	}

	if uint32(len(db.header.avail)) >= db.header.availSize {
		if err := db.pushAvailBlock(); err != nil {
			return err
		}

		// Pushing may have allocated the block from the table and freed a
		// remainder, which can coalesce with e now.
		if merged, ok := db.mergeInto(db.header.avail, e); ok {
			db.header.avail = merged
			return nil
		}
	}

	db.header.avail = insertBySize(db.header.avail, e)

	return nil
}

// mergeInto coalesces e with adjacent extents of table. It reports false
// when coalescing is disabled or e has no neighbour.
func (db *DB) mergeInto(table []availElem, e availElem) ([]availElem, bool) {
	if db.opts.DisableCoalesce {
		return table, false
	}

	return coalesce(table, e)
}

// coalesce merges e with the extents ending at e.adr and starting at
// e.end(), if present.
func coalesce(table []availElem, e availElem) ([]availElem, bool) {
	merged := false

	for i := 0; i < len(table); {
		switch {
		case table[i].end() == e.adr:
			e = availElem{size: table[i].size + e.size, adr: table[i].adr}
		case e.end() == table[i].adr:
			e = availElem{size: e.size + table[i].size, adr: e.adr}
		default:
			i++
			continue
		}

		table = slices.Delete(table, i, i+1)
		merged = true
		i = 0
	}

	if !merged {
		return table, false
	}

	return insertBySize(table, e), true
}

// pushAvailBlock moves every other element of the full header table into a
// new avail block at the head of the chain.
func (db *DB) pushAvailBlock() error {
	h := &db.header
	blockCap := availBlockCapacity(h)

	moved := make([]availElem, 0, blockCap)
	kept := make([]availElem, 0, len(h.avail)-int(blockCap))

	for i, e := range h.avail {
		if i%2 == 1 && uint32(len(moved)) < blockCap {
			moved = append(moved, e)
		} else {
			kept = append(kept, e)
		}
	}

	h.avail = kept

	size := availBlockSize(h)

	var adr uint64

	if i := firstFit(h.avail, size); i >= 0 {
		e := h.avail[i]
		h.avail = slices.Delete(h.avail, i, i+1)

		adr = e.adr
		if e.size > size {
			h.avail = insertBySize(h.avail, availElem{size: e.size - size, adr: e.adr + size})
		}
	} else {
		bs := uint64(h.blockSize)
		grow := (size + bs - 1) / bs * bs

		adr = h.nextBlock
		if adr+grow > uint64(maxInt64) {
			return errNoSpace(adr, grow)
		}

		if err := db.st.Extend(int64(adr + grow)); err != nil {
			return err
		}

		h.nextBlock = adr + grow
		if grow > size {
			h.avail = insertBySize(h.avail, availElem{size: grow - size, adr: adr + size})
		}
	}

	ab := &availBlock{size: blockCap, next: h.availNext, elems: moved}
	if err := writeFull(db.st, encodeAvailBlock(ab, size), adr); err != nil {
		return err
	}

	h.availNext = adr
	db.markHeaderDirty()
	db.stats.availPushes++

	db.log.Debug("pushed avail block",
		zap.Uint64("offset", adr),
		zap.Int("elements", len(moved)),
	)

	return nil
}

// popAvailBlock merges the head avail block back into the header table and
// frees the block's own space. The caller guarantees the table has room.
func (db *DB) popAvailBlock() error {
	h := &db.header
	adr := h.availNext

	ab, err := db.readAvailBlock(adr)
	if err != nil {
		return err
	}

	h.availNext = ab.next

	for _, e := range ab.elems {
		if merged, ok := db.mergeInto(h.avail, e); ok {
			h.avail = merged
			continue
		}

		h.avail = insertBySize(h.avail, e)
	}

	db.markHeaderDirty()
	db.stats.availPops++

	db.log.Debug("popped avail block",
		zap.Uint64("offset", adr),
		zap.Int("elements", len(ab.elems)),
	)

	return db.freeToHeader(availElem{size: availBlockSize(h), adr: adr})
}

func (db *DB) readAvailBlock(adr uint64) (*availBlock, error) {
	size := availBlockSize(&db.header)
	if !db.header.inData(adr, size) {
		return nil, corruptf("avail block %d out of range", adr)
	}

	buf := make([]byte, size)
	if err := readFull(db.st, buf, adr); err != nil {
		return nil, err
	}

	ab, err := decodeAvailBlock(buf, &db.header)
	if err != nil {
		return nil, err
	}

	return ab, nil
}

// firstFit returns the index of the smallest extent of a size-sorted table
// that holds size bytes, or -1.
func firstFit(table []availElem, size uint64) int {
	i := sort.Search(len(table), func(i int) bool { return table[i].size >= size })
	if i == len(table) {
		return -1
	}

	return i
}

// insertBySize inserts e keeping the table sorted by (size, offset).
func insertBySize(table []availElem, e availElem) []availElem {
	i := sort.Search(len(table), func(i int) bool {
		if table[i].size != e.size {
			return table[i].size > e.size
		}

		return table[i].adr > e.adr
	})

	return slices.Insert(table, i, e)
}

func sortByAddr(table []availElem) {
	slices.SortFunc(table, func(a, b availElem) int {
		switch {
		case a.adr < b.adr:
			return -1
		case a.adr > b.adr:
			return 1
		default:
			return 0
		}
	})
}
