package hashdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"

	"go.uber.org/zap"

	"github.com/calvinalkan/hashdb/pkg/fs"
)

// Snapshot file layout. One file holds the page images of one commit.
//
// The commit marker is written after the rest of the file is durable. A
// file whose marker does not match its header is an interrupted commit and
// is ignored.
const (
	jOffMagic      = 0x00 // [4]byte "HDBJ"
	jOffVersion    = 0x04 // uint32
	jOffSeq        = 0x08 // uint64, commit sequence this snapshot produces
	jOffCount      = 0x10 // uint32, number of entries
	jOffBlockSize  = 0x14 // uint32
	jOffPayloadLen = 0x18 // uint64
	jOffPayloadCRC = 0x20 // uint32
	jHeaderLen     = 0x30 // bytes covered by the marker CRC
	jOffMarkerSeq  = 0x30 // uint64
	jOffMarkerCRC  = 0x38 // uint32
	jOffPayload    = 0x40

	// Entry: offset u64, length u32, pad u32, bytes.
	jEntryHeaderLen = 16

	snapshotVersion = 1
	snapshotPerm    = 0o600
)

var snapshotMagic = [4]byte{'H', 'D', 'B', 'J'}

// commitStage names the points of a failure-atomic commit at which tests can
// interrupt it.
type commitStage int

const (
	// stageSnapshotWritten: snapshot durable, marker not yet written.
	stageSnapshotWritten commitStage = iota + 1

	// stageMarkerWritten: marker durable, data file not yet touched.
	stageMarkerWritten

	// stageApplied: data file updated and synced.
	stageApplied
)

func (s commitStage) String() string {
	switch s {
	case stageSnapshotWritten:
		return "snapshot-written"
	case stageMarkerWritten:
		return "marker-written"
	case stageApplied:
		return "applied"
	default:
		return fmt.Sprintf("commitStage(%d)", int(s))
	}
}

// snapshotRecord is a decoded, committed snapshot file.
type snapshotRecord struct {
	seq       uint64
	blockSize uint32
	writes    []pageWrite
}

// end returns the end offset of the furthest write.
func (r *snapshotRecord) end() int64 {
	var end int64
	for _, w := range r.writes {
		end = max(end, w.end())
	}

	return end
}

// snapshotCommitter stages each commit in one of two alternating snapshot
// files before touching the data file, so a crash leaves either the old or
// the new state recoverable.
type snapshotCommitter struct {
	fsys    fs.FS
	paths   [2]string
	files   [2]fs.File
	next    int
	journal *journalIO
	hook    func(commitStage) error
	log     *zap.Logger
}

func (s *snapshotCommitter) commit(db *DB) error {
	if err := db.writeMeta(); err != nil {
		return err
	}

	writes := s.journal.pending()
	if len(writes) == 0 {
		return nil
	}

	f, err := s.file(s.next)
	if err != nil {
		return err
	}

	head, payload := encodeSnapshot(db.header.commitSeq, db.header.blockSize, writes)

	if err := f.Truncate(0); err != nil {
		return ioErr("snapshot truncate", 0, err)
	}

	if _, err := f.WriteAt(head, 0); err != nil {
		return ioErr("snapshot write", 0, err)
	}

	if _, err := f.WriteAt(payload, jOffPayload); err != nil {
		return ioErr("snapshot write", jOffPayload, err)
	}

	if err := f.Sync(); err != nil {
		return ioErr("snapshot fsync", 0, err)
	}

	if err := s.runHook(stageSnapshotWritten); err != nil {
		return err
	}

	if _, err := f.WriteAt(encodeMarker(head), jOffMarkerSeq); err != nil {
		return ioErr("snapshot marker write", jOffMarkerSeq, err)
	}

	if err := f.Sync(); err != nil {
		return ioErr("snapshot fsync", jOffMarkerSeq, err)
	}

	if err := s.runHook(stageMarkerWritten); err != nil {
		return err
	}

	if err := s.journal.apply(); err != nil {
		return err
	}

	if err := s.journal.base.Sync(); err != nil {
		return err
	}

	if err := s.runHook(stageApplied); err != nil {
		return err
	}

	s.next ^= 1

	return nil
}

func (s *snapshotCommitter) runHook(stage commitStage) error {
	if s.hook == nil {
		return nil
	}

	if err := s.hook(stage); err != nil {
		return fmt.Errorf("commit interrupted at %s: %w", stage, err)
	}

	return nil
}

// file opens snapshot slot i on first use.
func (s *snapshotCommitter) file(i int) (fs.File, error) {
	if s.files[i] != nil {
		return s.files[i], nil
	}

	f, err := s.fsys.OpenFile(s.paths[i], os.O_RDWR|os.O_CREATE, snapshotPerm)
	if err != nil {
		return nil, ioErr("snapshot open", 0, err)
	}

	s.files[i] = f

	return f, nil
}

// close closes the snapshot files. After a clean close the data file is
// current, so the files are removed; otherwise they are kept for recovery.
func (s *snapshotCommitter) close(clean bool) error {
	var errs []error

	for i, f := range s.files {
		if f != nil {
			if err := f.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing snapshot %s: %w", s.paths[i], err))
			}

			s.files[i] = nil
		}
	}

	if clean {
		errs = append(errs, removeSnapshots(s.fsys, s.paths))
	}

	s.journal.reset()

	return errors.Join(errs...)
}

// removeSnapshots deletes both snapshot files, ignoring missing ones.
func removeSnapshots(fsys fs.FS, paths [2]string) error {
	var errs []error

	for _, p := range paths {
		if err := fsys.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing snapshot %s: %w", p, err))
		}
	}

	return errors.Join(errs...)
}

// encodeSnapshot returns the snapshot file head (with a zero marker) and the
// payload.
func encodeSnapshot(seq uint64, blockSize uint32, writes []pageWrite) ([]byte, []byte) {
	size := 0
	for _, w := range writes {
		size += jEntryHeaderLen + len(w.data)
	}

	payload := make([]byte, 0, size)

	var entry [jEntryHeaderLen]byte

	for _, w := range writes {
		binary.LittleEndian.PutUint64(entry[0:], uint64(w.off))
		binary.LittleEndian.PutUint32(entry[8:], uint32(len(w.data)))
		payload = append(payload, entry[:]...)
		payload = append(payload, w.data...)
	}

	head := make([]byte, jOffPayload)
	copy(head[jOffMagic:], snapshotMagic[:])
	binary.LittleEndian.PutUint32(head[jOffVersion:], snapshotVersion)
	binary.LittleEndian.PutUint64(head[jOffSeq:], seq)
	binary.LittleEndian.PutUint32(head[jOffCount:], uint32(len(writes)))
	binary.LittleEndian.PutUint32(head[jOffBlockSize:], blockSize)
	binary.LittleEndian.PutUint64(head[jOffPayloadLen:], uint64(len(payload)))
	binary.LittleEndian.PutUint32(head[jOffPayloadCRC:], crc32.Checksum(payload, castagnoli))

	return head, payload
}

// encodeMarker returns the commit marker for a snapshot head.
func encodeMarker(head []byte) []byte {
	marker := make([]byte, jOffPayload-jOffMarkerSeq)
	copy(marker, head[jOffSeq:jOffSeq+8])
	binary.LittleEndian.PutUint32(marker[jOffMarkerCRC-jOffMarkerSeq:], crc32.Checksum(head[:jHeaderLen], castagnoli))

	return marker
}

// decodeSnapshot parses a snapshot file. It returns nil when the file is not
// a committed snapshot.
func decodeSnapshot(buf []byte) *snapshotRecord {
	if len(buf) < jOffPayload || !bytes.Equal(buf[jOffMagic:jOffMagic+4], snapshotMagic[:]) {
		return nil
	}

	if binary.LittleEndian.Uint32(buf[jOffVersion:]) != snapshotVersion {
		return nil
	}

	if !bytes.Equal(buf[jOffMarkerSeq:jOffPayload], encodeMarker(buf)) {
		return nil
	}

	rec := &snapshotRecord{
		seq:       binary.LittleEndian.Uint64(buf[jOffSeq:]),
		blockSize: binary.LittleEndian.Uint32(buf[jOffBlockSize:]),
	}

	if !validBlockSize(int(rec.blockSize)) {
		return nil
	}

	payloadLen := binary.LittleEndian.Uint64(buf[jOffPayloadLen:])
	if payloadLen != uint64(len(buf)-jOffPayload) {
		return nil
	}

	payload := buf[jOffPayload:]
	if crc32.Checksum(payload, castagnoli) != binary.LittleEndian.Uint32(buf[jOffPayloadCRC:]) {
		return nil
	}

	count := binary.LittleEndian.Uint32(buf[jOffCount:])
	rec.writes = make([]pageWrite, 0, count)

	for range count {
		if len(payload) < jEntryHeaderLen {
			return nil
		}

		off := binary.LittleEndian.Uint64(payload[0:])
		n := uint64(binary.LittleEndian.Uint32(payload[8:]))
		payload = payload[jEntryHeaderLen:]

		if off > uint64(maxInt64) || n > uint64(len(payload)) {
			return nil
		}

		rec.writes = append(rec.writes, pageWrite{off: int64(off), data: payload[:n:n]})
		payload = payload[n:]
	}

	if len(payload) != 0 {
		return nil
	}

	return rec
}

// readSnapshot loads and decodes the snapshot file at path. A missing or
// uncommitted file yields nil without error.
func readSnapshot(fsys fs.FS, path string) (*snapshotRecord, error) {
	f, err := fsys.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat snapshot %s: %w", path, err)
	}

	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}

	return decodeSnapshot(buf), nil
}

// latestSnapshot returns the committed snapshot with the highest sequence
// and its slot, or (nil, -1).
func latestSnapshot(fsys fs.FS, paths [2]string) (*snapshotRecord, int, error) {
	var (
		best *snapshotRecord
		slot = -1
	)

	for i, p := range paths {
		rec, err := readSnapshot(fsys, p)
		if err != nil {
			return nil, -1, err
		}

		if rec != nil && (best == nil || rec.seq > best.seq) {
			best, slot = rec, i
		}
	}

	return best, slot, nil
}

// rollForward writes a committed snapshot into the data file and syncs it.
func rollForward(base storage, rec *snapshotRecord) error {
	if err := base.Extend(rec.end()); err != nil {
		return err
	}

	for _, w := range rec.writes {
		if err := writeFull(base, w.data, uint64(w.off)); err != nil {
			return err
		}
	}

	return base.Sync()
}
