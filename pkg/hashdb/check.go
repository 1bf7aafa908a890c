package hashdb

import (
	"bytes"
	"fmt"
	"slices"
)

// CheckReport is the result of [DB.Check].
type CheckReport struct {
	BlockSize   int
	DirBits     int
	FileSize    int64
	NextBlock   int64
	Buckets     int
	Records     int
	AvailBlocks int
	FreeExtents int

	// Byte totals. Meta is header, directory, buckets and avail blocks;
	// Live is key and value bytes. Meta+Live+Free equals NextBlock in a
	// consistent file.
	MetaBytes int64
	LiveBytes int64
	FreeBytes int64

	Problems []string
}

// OK reports whether the check found no problems.
func (r *CheckReport) OK() bool { return len(r.Problems) == 0 }

func (r *CheckReport) problemf(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

type extentKind int

const (
	extHeader extentKind = iota
	extDir
	extBucket
	extAvailBlock
	extRecord
	extFree
)

func (k extentKind) String() string {
	return [...]string{"header", "directory", "bucket", "avail block", "record", "free"}[k]
}

type extent struct {
	adr, size uint64
	kind      extentKind
}

// Check validates every structure of the file: the header and bucket avail
// tables, the avail block chain, bucket depths against the directory, probe
// chains, record hashes, and finally that header, directory, buckets, avail
// blocks, records and free extents tile the file exactly.
//
// Problems are collected in the report; the returned error wraps
// [ErrCorrupt] when there are any. Check never repairs anything.
func (db *DB) Check() (CheckReport, error) {
	if err := db.usable(); err != nil {
		return CheckReport{}, err
	}

	h := &db.header
	r := CheckReport{
		BlockSize: int(h.blockSize),
		DirBits:   int(h.dirBits),
		FileSize:  db.st.Size(),
		NextBlock: int64(h.nextBlock),
	}

	extents := []extent{
		{adr: 0, size: uint64(h.blockSize), kind: extHeader},
		{adr: h.dirOffset, size: h.dirSize, kind: extDir},
	}

	addFree := func(where string, table []availElem) {
		if err := validateAvailTable(table, h); err != nil {
			r.problemf("%s: %v", where, err)
		}

		for _, e := range table {
			extents = append(extents, extent{adr: e.adr, size: e.size, kind: extFree})
		}
	}

	addFree("header avail table", h.avail)

	seen := make(map[uint64]bool)
	for adr := h.availNext; adr != 0; {
		if seen[adr] {
			r.problemf("avail block chain loops at %d", adr)
			break
		}

		seen[adr] = true

		ab, err := db.readAvailBlock(adr)
		if err != nil {
			if KindOf(err) == KindIO {
				return r, err
			}

			r.problemf("avail block at %d: %v", adr, err)

			break
		}

		r.AvailBlocks++
		extents = append(extents, extent{adr: adr, size: availBlockSize(h), kind: extAvailBlock})
		addFree(fmt.Sprintf("avail block at %d", adr), ab.elems)
		adr = ab.next
	}

	refs := make(map[uint64]int)
	for _, adr := range db.dir {
		refs[adr]++
	}

	err := db.walkBuckets(func(dirIdx int, adr uint64, b *bucket) (bool, error) {
		r.Buckets++
		extents = append(extents, extent{adr: adr, size: uint64(h.bucketSize), kind: extBucket})

		if want := len(db.dir) >> b.bits; refs[adr] != want {
			r.problemf("bucket at %d with depth %d has %d directory entries, want %d", adr, b.bits, refs[adr], want)
		}

		if dirIdx >= 1<<b.bits {
			r.problemf("bucket at %d with depth %d first referenced by entry %d", adr, b.bits, dirIdx)
		}

		addFree(fmt.Sprintf("bucket at %d avail table", adr), b.avail)

		return true, db.checkElements(&r, dirIdx, adr, b, &extents)
	})
	if err != nil {
		if KindOf(err) == KindIO {
			return r, err
		}

		r.problemf("%v", err)
	}

	db.checkTiling(&r, extents)

	if !r.OK() {
		return r, fmt.Errorf("%d problems, first: %s: %w", len(r.Problems), r.Problems[0], ErrCorrupt)
	}

	return r, nil
}

func (db *DB) checkElements(r *CheckReport, dirIdx int, adr uint64, b *bucket, extents *[]extent) error {
	mask := uint32(1)<<b.bits - 1
	n := len(b.elements)

	for s := range b.elements {
		e := &b.elements[s]
		if !e.used {
			continue
		}

		r.Records++
		*extents = append(*extents, extent{adr: e.dataPtr, size: e.recordSize(), kind: extRecord})

		if int(e.hash&mask) != dirIdx&int(mask) {
			r.problemf("bucket at %d slot %d: hash %08x does not belong to this bucket", adr, s, e.hash)
		}

		for p := homeSlot(e.hash, n); p != s; p = (p + 1) % n {
			if !b.elements[p].used {
				r.problemf("bucket at %d slot %d: unreachable from home slot", adr, s)
				break
			}
		}

		key, _, err := db.readElem(e)
		if err != nil {
			return err
		}

		if db.hash(key) != e.hash || !bytes.Equal(e.keyStart[:min(len(key), keyStartLen)], key[:min(len(key), keyStartLen)]) {
			r.problemf("bucket at %d slot %d: record at %d does not match its element", adr, s, e.dataPtr)
		}
	}

	return nil
}

// checkTiling sorts all extents by offset and verifies they cover
// [0, nextBlock) without gaps or overlaps.
func (db *DB) checkTiling(r *CheckReport, extents []extent) {
	slices.SortFunc(extents, func(a, b extent) int {
		switch {
		case a.adr < b.adr:
			return -1
		case a.adr > b.adr:
			return 1
		default:
			return 0
		}
	})

	var cursor uint64

	for _, x := range extents {
		switch x.kind {
		case extFree:
			r.FreeBytes += int64(x.size)
			r.FreeExtents++
		case extRecord:
			r.LiveBytes += int64(x.size)
		default:
			r.MetaBytes += int64(x.size)
		}

		switch {
		case x.adr < cursor:
			r.problemf("%s [%d,+%d) overlaps the previous extent ending at %d", x.kind, x.adr, x.size, cursor)
		case x.adr > cursor:
			r.problemf("%d bytes at %d are not accounted for", x.adr-cursor, cursor)
		}

		cursor = max(cursor, x.adr+x.size)
	}

	if cursor != db.header.nextBlock {
		r.problemf("extents end at %d, next block is %d", cursor, db.header.nextBlock)
	}

	if r.FileSize != r.NextBlock {
		r.problemf("file size %d != next block %d", r.FileSize, r.NextBlock)
	}
}
