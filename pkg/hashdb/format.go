package hashdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math/bits"
)

// HDB1 file format constants.
const (
	formatVersion = 1

	// Hash algorithm identifier: xxhash64 folded to 32 bits.
	hashAlgXXH32Fold = 1

	// Supported block sizes.
	MinBlockSize     = 512
	MaxBlockSize     = 1 << 20
	DefaultBlockSize = 4096

	// Number of hash bits stored per element.
	hashBits = 32

	// Directory size limit: 2^24 entries (128 MiB of offsets).
	maxDirBits = 24

	// Per-bucket avail table capacity.
	bucketAvail = 6

	keyStartLen = 8
)

var (
	headerMagic     = [4]byte{'H', 'D', 'B', '1'}
	availBlockMagic = [4]byte{'H', 'D', 'B', 'A'}
)

// Safe integer conversion constants.
const (
	maxInt64 = int64(^uint64(0) >> 1)
)

// Header field offsets (bytes from file start).
const (
	offMagic       = 0x00 // [4]byte
	offVersion     = 0x04 // uint32
	offBlockSize   = 0x08 // uint32
	offHashAlg     = 0x0C // uint32
	offFlags       = 0x10 // uint32
	offDirBits     = 0x14 // uint32
	offDirOffset   = 0x18 // uint64
	offDirSize     = 0x20 // uint64
	offBucketSize  = 0x28 // uint32
	offBucketElems = 0x2C // uint32
	offNextBlock   = 0x30 // uint64
	offCommitSeq   = 0x38 // uint64
	offAvailSize   = 0x40 // uint32
	offAvailCount  = 0x44 // uint32
	offAvailNext   = 0x48 // uint64
	offHeaderCRC   = 0x50 // uint32
	offReserved    = 0x54 // 12 bytes, zero
	offAvailTable  = 0x60 // [availSize]availElem
)

// Bucket field offsets (bytes from bucket start).
const (
	bOffAvCount  = 0x00 // uint32
	bOffBits     = 0x04 // uint32
	bOffCount    = 0x08 // uint32
	bOffAvail    = 0x10 // [bucketAvail]availElem
	bOffElements = 0x70 // [bucketElems]bucketElement

	elementSize  = 32
	availElemLen = 16
)

// Element field offsets (bytes from element start).
const (
	eOffHash     = 0x00 // uint32
	eOffFlags    = 0x04 // uint32
	eOffKeySize  = 0x08 // uint32
	eOffDataSize = 0x0C // uint32
	eOffKeyStart = 0x10 // [keyStartLen]byte
	eOffDataPtr  = 0x18 // uint64

	elemFlagUsed uint32 = 1 << 0
)

// Avail block field offsets.
const (
	abOffMagic = 0x00 // [4]byte
	abOffSize  = 0x04 // uint32
	abOffCount = 0x08 // uint32
	abOffNext  = 0x10 // uint64
	abOffElems = 0x18 // [size]availElem
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// availElem is one free extent.
type availElem struct {
	size uint64
	adr  uint64
}

func (e availElem) end() uint64 { return e.adr + e.size }

// fileHeader is the in-memory form of block 0.
type fileHeader struct {
	blockSize   uint32
	dirBits     uint32
	dirOffset   uint64
	dirSize     uint64
	bucketSize  uint32
	bucketElems uint32
	nextBlock   uint64
	commitSeq   uint64

	// Header avail table. avail is sorted by size, len(avail) <= availSize.
	availSize uint32
	availNext uint64
	avail     []availElem
}

// headerAvailCapacity is the number of avail elements that fit into block 0.
func headerAvailCapacity(blockSize uint32) uint32 {
	return (blockSize - offAvailTable) / availElemLen
}

// availBlockCapacity is the number of elements in one on-disk avail block.
// Half the header capacity, so a popped block always fits into a header
// table that has been drained to less than half.
func availBlockCapacity(h *fileHeader) uint32 {
	return h.availSize / 2
}

// availBlockSize is the on-disk size of one avail block.
func availBlockSize(h *fileHeader) uint64 {
	return abOffElems + uint64(availBlockCapacity(h))*availElemLen
}

// bucketElemsFor is the number of elements in a bucket of the given size.
func bucketElemsFor(bucketSize uint32) uint32 {
	return (bucketSize - bOffElements) / elementSize
}

// validBlockSize reports whether bs is a supported block size.
func validBlockSize(bs int) bool {
	return bs >= MinBlockSize && bs <= MaxBlockSize && bits.OnesCount(uint(bs)) == 1
}

// newHeader builds the header of a freshly created file: block 0 is the
// header, block 1 the directory, block 2 the first bucket.
func newHeader(blockSize uint32) fileHeader {
	dirSize := uint64(blockSize)
	dirBits := uint32(bits.TrailingZeros64(dirSize / 8))

	return fileHeader{
		blockSize:   blockSize,
		dirBits:     dirBits,
		dirOffset:   uint64(blockSize),
		dirSize:     dirSize,
		bucketSize:  blockSize,
		bucketElems: bucketElemsFor(blockSize),
		nextBlock:   3 * uint64(blockSize),
		commitSeq:   0,
		availSize:   headerAvailCapacity(blockSize),
		availNext:   0,
	}
}

// encodeHeader serializes the header into a block-sized slice. The CRC is
// computed over the whole block with the CRC field zeroed.
func encodeHeader(h *fileHeader) []byte {
	buf := make([]byte, h.blockSize)

	copy(buf[offMagic:], headerMagic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], formatVersion)
	binary.LittleEndian.PutUint32(buf[offBlockSize:], h.blockSize)
	binary.LittleEndian.PutUint32(buf[offHashAlg:], hashAlgXXH32Fold)
	binary.LittleEndian.PutUint32(buf[offFlags:], 0)
	binary.LittleEndian.PutUint32(buf[offDirBits:], h.dirBits)
	binary.LittleEndian.PutUint64(buf[offDirOffset:], h.dirOffset)
	binary.LittleEndian.PutUint64(buf[offDirSize:], h.dirSize)
	binary.LittleEndian.PutUint32(buf[offBucketSize:], h.bucketSize)
	binary.LittleEndian.PutUint32(buf[offBucketElems:], h.bucketElems)
	binary.LittleEndian.PutUint64(buf[offNextBlock:], h.nextBlock)
	binary.LittleEndian.PutUint64(buf[offCommitSeq:], h.commitSeq)
	binary.LittleEndian.PutUint32(buf[offAvailSize:], h.availSize)
	binary.LittleEndian.PutUint32(buf[offAvailCount:], uint32(len(h.avail)))
	binary.LittleEndian.PutUint64(buf[offAvailNext:], h.availNext)

	putAvailElems(buf[offAvailTable:], h.avail)

	binary.LittleEndian.PutUint32(buf[offHeaderCRC:], headerCRC(buf))

	return buf
}

// headerCRC computes the CRC32-C of a header block with the CRC field
// treated as zero.
func headerCRC(buf []byte) uint32 {
	crc := crc32.Update(0, castagnoli, buf[:offHeaderCRC])
	crc = crc32.Update(crc, castagnoli, []byte{0, 0, 0, 0})

	return crc32.Update(crc, castagnoli, buf[offHeaderCRC+4:])
}

// peekBlockSize reads the block size field of a header prefix without
// validating anything else. Returns 0 if buf is too short or the magic
// does not match.
func peekBlockSize(buf []byte) uint32 {
	if len(buf) < offAvailTable || !bytes.Equal(buf[offMagic:offMagic+4], headerMagic[:]) {
		return 0
	}

	return binary.LittleEndian.Uint32(buf[offBlockSize:])
}

// decodeHeader parses and validates a header block.
//
// Format mismatches (magic, version, hash algorithm, block size, flags) are
// reported as [ErrBadFormat]; inconsistent fields as [ErrCorrupt].
func decodeHeader(buf []byte, fileSize int64) (fileHeader, error) {
	if len(buf) < offAvailTable {
		return fileHeader{}, fmt.Errorf("header too short (%d bytes): %w", len(buf), ErrBadFormat)
	}

	if !bytes.Equal(buf[offMagic:offMagic+4], headerMagic[:]) {
		return fileHeader{}, fmt.Errorf("invalid magic %q, expected %q: %w", buf[offMagic:offMagic+4], headerMagic[:], ErrBadFormat)
	}

	if v := binary.LittleEndian.Uint32(buf[offVersion:]); v != formatVersion {
		return fileHeader{}, fmt.Errorf("unsupported version %d, expected %d: %w", v, formatVersion, ErrBadFormat)
	}

	blockSize := binary.LittleEndian.Uint32(buf[offBlockSize:])
	if !validBlockSize(int(blockSize)) {
		return fileHeader{}, fmt.Errorf("unsupported block size %d: %w", blockSize, ErrBadFormat)
	}

	if uint32(len(buf)) != blockSize {
		return fileHeader{}, fmt.Errorf("header buffer %d != block size %d: %w", len(buf), blockSize, ErrBadFormat)
	}

	if alg := binary.LittleEndian.Uint32(buf[offHashAlg:]); alg != hashAlgXXH32Fold {
		return fileHeader{}, fmt.Errorf("unsupported hash algorithm %d: %w", alg, ErrBadFormat)
	}

	if flags := binary.LittleEndian.Uint32(buf[offFlags:]); flags != 0 {
		return fileHeader{}, fmt.Errorf("unknown flags 0x%08x: %w", flags, ErrBadFormat)
	}

	if stored := binary.LittleEndian.Uint32(buf[offHeaderCRC:]); stored != headerCRC(buf) {
		return fileHeader{}, corruptf("header CRC mismatch")
	}

	for _, b := range buf[offReserved:offAvailTable] {
		if b != 0 {
			return fileHeader{}, corruptf("reserved header bytes are non-zero")
		}
	}

	h := fileHeader{
		blockSize:   blockSize,
		dirBits:     binary.LittleEndian.Uint32(buf[offDirBits:]),
		dirOffset:   binary.LittleEndian.Uint64(buf[offDirOffset:]),
		dirSize:     binary.LittleEndian.Uint64(buf[offDirSize:]),
		bucketSize:  binary.LittleEndian.Uint32(buf[offBucketSize:]),
		bucketElems: binary.LittleEndian.Uint32(buf[offBucketElems:]),
		nextBlock:   binary.LittleEndian.Uint64(buf[offNextBlock:]),
		commitSeq:   binary.LittleEndian.Uint64(buf[offCommitSeq:]),
		availSize:   binary.LittleEndian.Uint32(buf[offAvailSize:]),
		availNext:   binary.LittleEndian.Uint64(buf[offAvailNext:]),
	}

	if err := h.validate(fileSize); err != nil {
		return fileHeader{}, err
	}

	count := binary.LittleEndian.Uint32(buf[offAvailCount:])
	if count > h.availSize {
		return fileHeader{}, corruptf("avail count %d exceeds capacity %d", count, h.availSize)
	}

	h.avail = getAvailElems(buf[offAvailTable:], count)

	if err := validateAvailTable(h.avail, &h); err != nil {
		return fileHeader{}, fmt.Errorf("header avail table: %w", err)
	}

	return h, nil
}

// validate checks the structural fields of a decoded header.
func (h *fileHeader) validate(fileSize int64) error {
	if h.bucketSize != h.blockSize {
		return fmt.Errorf("bucket size %d != block size %d: %w", h.bucketSize, h.blockSize, ErrBadFormat)
	}

	if h.bucketElems != bucketElemsFor(h.bucketSize) {
		return fmt.Errorf("bucket elements %d, expected %d: %w", h.bucketElems, bucketElemsFor(h.bucketSize), ErrBadFormat)
	}

	if h.availSize != headerAvailCapacity(h.blockSize) {
		return fmt.Errorf("avail capacity %d, expected %d: %w", h.availSize, headerAvailCapacity(h.blockSize), ErrBadFormat)
	}

	if h.dirBits > maxDirBits {
		return corruptf("directory bits %d exceed %d", h.dirBits, maxDirBits)
	}

	if h.dirSize != uint64(8)<<h.dirBits {
		return corruptf("directory size %d does not match %d bits", h.dirSize, h.dirBits)
	}

	if h.dirOffset < uint64(h.blockSize) || h.dirOffset+h.dirSize > h.nextBlock {
		return corruptf("directory [%d,+%d) outside file", h.dirOffset, h.dirSize)
	}

	if h.nextBlock < 3*uint64(h.blockSize) || h.nextBlock > uint64(maxInt64) {
		return corruptf("next block %d out of range", h.nextBlock)
	}

	if fileSize >= 0 && uint64(fileSize) < h.nextBlock {
		return corruptf("file size %d < next block %d", fileSize, h.nextBlock)
	}

	if h.availNext != 0 && !h.inData(h.availNext, availBlockSize(h)) {
		return corruptf("avail block pointer %d out of range", h.availNext)
	}

	return nil
}

// inData reports whether [adr, adr+size) lies past the header block and
// inside the file.
func (h *fileHeader) inData(adr, size uint64) bool {
	return adr >= uint64(h.blockSize) && adr+size >= adr && adr+size <= h.nextBlock
}

func putAvailElems(buf []byte, elems []availElem) {
	for i, e := range elems {
		off := i * availElemLen
		binary.LittleEndian.PutUint64(buf[off:], e.size)
		binary.LittleEndian.PutUint64(buf[off+8:], e.adr)
	}
}

func getAvailElems(buf []byte, count uint32) []availElem {
	elems := make([]availElem, count)
	for i := range elems {
		off := i * availElemLen
		elems[i] = availElem{
			size: binary.LittleEndian.Uint64(buf[off:]),
			adr:  binary.LittleEndian.Uint64(buf[off+8:]),
		}
	}

	return elems
}

// validateAvailTable checks that a table is sorted by size, that every
// extent is non-empty and inside the file, and that no two extents overlap.
func validateAvailTable(elems []availElem, h *fileHeader) error {
	for i, e := range elems {
		if e.size == 0 {
			return corruptf("avail element %d has zero size", i)
		}

		if !h.inData(e.adr, e.size) {
			return corruptf("avail element %d [%d,+%d) outside file", i, e.adr, e.size)
		}

		if i > 0 && elems[i-1].size > e.size {
			return corruptf("avail table not sorted at %d", i)
		}
	}

	return checkNoOverlap(elems)
}

// checkNoOverlap reports an error if any two extents overlap.
func checkNoOverlap(elems []availElem) error {
	sorted := make([]availElem, len(elems))
	copy(sorted, elems)
	sortByAddr(sorted)

	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].end() > sorted[i].adr {
			return corruptf("extents [%d,+%d) and [%d,+%d) overlap",
				sorted[i-1].adr, sorted[i-1].size, sorted[i].adr, sorted[i].size)
		}
	}

	return nil
}

// bucketElement is one slot of a bucket's open-addressed table.
type bucketElement struct {
	hash     uint32
	used     bool
	keySize  uint32
	dataSize uint32
	keyStart [keyStartLen]byte
	dataPtr  uint64
}

// recordSize is the number of bytes the element's key+value occupy.
func (e *bucketElement) recordSize() uint64 {
	return uint64(e.keySize) + uint64(e.dataSize)
}

// bucket is the in-memory form of one hash bucket.
type bucket struct {
	bits     uint32
	count    uint32
	avail    []availElem
	elements []bucketElement
}

func newBucket(bits, elems uint32) *bucket {
	return &bucket{
		bits:     bits,
		elements: make([]bucketElement, elems),
	}
}

func encodeBucket(b *bucket, size uint32) []byte {
	buf := make([]byte, size)

	binary.LittleEndian.PutUint32(buf[bOffAvCount:], uint32(len(b.avail)))
	binary.LittleEndian.PutUint32(buf[bOffBits:], b.bits)
	binary.LittleEndian.PutUint32(buf[bOffCount:], b.count)
	putAvailElems(buf[bOffAvail:], b.avail)

	for i := range b.elements {
		e := &b.elements[i]
		if !e.used {
			continue
		}

		off := bOffElements + i*elementSize
		binary.LittleEndian.PutUint32(buf[off+eOffHash:], e.hash)
		binary.LittleEndian.PutUint32(buf[off+eOffFlags:], elemFlagUsed)
		binary.LittleEndian.PutUint32(buf[off+eOffKeySize:], e.keySize)
		binary.LittleEndian.PutUint32(buf[off+eOffDataSize:], e.dataSize)
		copy(buf[off+eOffKeyStart:off+eOffKeyStart+keyStartLen], e.keyStart[:])
		binary.LittleEndian.PutUint64(buf[off+eOffDataPtr:], e.dataPtr)
	}

	return buf
}

// decodeBucket parses and validates a bucket read from adr.
func decodeBucket(buf []byte, h *fileHeader) (*bucket, error) {
	avCount := binary.LittleEndian.Uint32(buf[bOffAvCount:])
	if avCount > bucketAvail {
		return nil, corruptf("bucket avail count %d exceeds %d", avCount, bucketAvail)
	}

	b := &bucket{
		bits:     binary.LittleEndian.Uint32(buf[bOffBits:]),
		count:    binary.LittleEndian.Uint32(buf[bOffCount:]),
		avail:    getAvailElems(buf[bOffAvail:], avCount),
		elements: make([]bucketElement, h.bucketElems),
	}

	if b.bits > h.dirBits {
		return nil, corruptf("bucket depth %d exceeds directory bits %d", b.bits, h.dirBits)
	}

	if b.count > h.bucketElems {
		return nil, corruptf("bucket count %d exceeds capacity %d", b.count, h.bucketElems)
	}

	if err := validateAvailTable(b.avail, h); err != nil {
		return nil, fmt.Errorf("bucket avail table: %w", err)
	}

	var used uint32

	for i := range b.elements {
		off := bOffElements + i*elementSize

		flags := binary.LittleEndian.Uint32(buf[off+eOffFlags:])
		if flags&^elemFlagUsed != 0 {
			return nil, corruptf("element %d has unknown flags 0x%x", i, flags)
		}

		if flags&elemFlagUsed == 0 {
			continue
		}

		e := &b.elements[i]
		e.used = true
		e.hash = binary.LittleEndian.Uint32(buf[off+eOffHash:])
		e.keySize = binary.LittleEndian.Uint32(buf[off+eOffKeySize:])
		e.dataSize = binary.LittleEndian.Uint32(buf[off+eOffDataSize:])
		copy(e.keyStart[:], buf[off+eOffKeyStart:off+eOffKeyStart+keyStartLen])
		e.dataPtr = binary.LittleEndian.Uint64(buf[off+eOffDataPtr:])

		if e.keySize == 0 || !h.inData(e.dataPtr, e.recordSize()) {
			return nil, corruptf("element %d record [%d,+%d) invalid", i, e.dataPtr, e.recordSize())
		}

		used++
	}

	if used != b.count {
		return nil, corruptf("bucket count %d != used elements %d", b.count, used)
	}

	return b, nil
}

// availBlock is an overflow page of the header avail table.
type availBlock struct {
	size  uint32
	next  uint64
	elems []availElem
}

func encodeAvailBlock(ab *availBlock, size uint64) []byte {
	buf := make([]byte, size)

	copy(buf[abOffMagic:], availBlockMagic[:])
	binary.LittleEndian.PutUint32(buf[abOffSize:], ab.size)
	binary.LittleEndian.PutUint32(buf[abOffCount:], uint32(len(ab.elems)))
	binary.LittleEndian.PutUint64(buf[abOffNext:], ab.next)
	putAvailElems(buf[abOffElems:], ab.elems)

	return buf
}

// decodeAvailBlock parses and validates an avail block.
func decodeAvailBlock(buf []byte, h *fileHeader) (*availBlock, error) {
	if !bytes.Equal(buf[abOffMagic:abOffMagic+4], availBlockMagic[:]) {
		return nil, corruptf("avail block magic %q", buf[abOffMagic:abOffMagic+4])
	}

	ab := &availBlock{
		size: binary.LittleEndian.Uint32(buf[abOffSize:]),
		next: binary.LittleEndian.Uint64(buf[abOffNext:]),
	}

	if ab.size != availBlockCapacity(h) {
		return nil, corruptf("avail block capacity %d, expected %d", ab.size, availBlockCapacity(h))
	}

	count := binary.LittleEndian.Uint32(buf[abOffCount:])
	if count > ab.size {
		return nil, corruptf("avail block count %d exceeds capacity %d", count, ab.size)
	}

	if ab.next != 0 && !h.inData(ab.next, availBlockSize(h)) {
		return nil, corruptf("avail block next %d out of range", ab.next)
	}

	ab.elems = getAvailElems(buf[abOffElems:], count)

	if err := validateAvailTable(ab.elems, h); err != nil {
		return nil, err
	}

	return ab, nil
}

func encodeDir(dir []uint64) []byte {
	buf := make([]byte, len(dir)*8)
	for i, adr := range dir {
		binary.LittleEndian.PutUint64(buf[i*8:], adr)
	}

	return buf
}

// decodeDir parses the directory and checks every entry with
// [fileHeader.validBucketAdr].
func decodeDir(buf []byte, h *fileHeader) ([]uint64, error) {
	dir := make([]uint64, len(buf)/8)

	for i := range dir {
		adr := binary.LittleEndian.Uint64(buf[i*8:])
		if !h.validBucketAdr(adr) {
			return nil, corruptf("directory entry %d -> %d out of range", i, adr)
		}

		dir[i] = adr
	}

	return dir, nil
}

// validBucketAdr reports whether a bucket at adr lies past the header,
// outside the directory and inside the file.
func (h *fileHeader) validBucketAdr(adr uint64) bool {
	if !h.inData(adr, uint64(h.bucketSize)) {
		return false
	}

	return adr+uint64(h.bucketSize) <= h.dirOffset || adr >= h.dirOffset+h.dirSize
}
