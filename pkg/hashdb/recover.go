package hashdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"
)

// RecoveryReport is the result of [Recover].
type RecoveryReport struct {
	// Buckets is the number of distinct bucket offsets in the directory.
	Buckets int

	// DamagedBuckets were out of range or failed validation and were
	// skipped whole.
	DamagedBuckets int

	// Recovered is the number of records copied.
	Recovered int

	// BadRecords could not be read or did not match their element.
	BadRecords int

	// Duplicates are keys seen in more than one bucket; the first copy wins.
	Duplicates int
}

// Recover rebuilds the database at path from whatever is still readable.
//
// The header must be intact (after replaying a committed snapshot, if any).
// Every directory entry that points at a bucket which passes validation
// contributes the records whose key matches its element; everything else is
// counted and skipped. The result is written to a new file that atomically
// replaces the original.
//
// Recover is never invoked implicitly: [Open] reports damage as
// [ErrCorrupt] and leaves the file alone.
func Recover(path string, opts Options) (RecoveryReport, error) {
	var report RecoveryReport

	opts, err := opts.withDefaults(path)
	if err != nil {
		return report, err
	}

	src := &DB{
		path: path,
		mode: ModeWriter,
		opts: opts,
		log:  opts.Logger.With(zap.String("db", path)),
		hash: opts.hash,
	}
	defer func() { _ = src.release(false) }()

	if !opts.DisableLocking {
		src.lock, err = acquireLock(opts.FS, path, ModeWriter)
		if err != nil {
			return report, err
		}
	}

	src.file, err = opts.FS.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return report, fmt.Errorf("open %s: %w", path, err)
	}

	d, err := newDirectIO(src.file)
	if err != nil {
		return report, err
	}

	src.base, src.st = d, d

	rec, _, err := latestSnapshot(opts.FS, opts.SnapshotPaths)
	if err != nil {
		return report, err
	}

	h, err := readHeader(d)
	if rec != nil && (err != nil || rec.seq > h.commitSeq) {
		if err := rollForward(d, rec); err != nil {
			return report, err
		}

		h, err = readHeader(d)
	}

	if err != nil {
		return report, fmt.Errorf("header is unreadable, nothing to recover from: %w", err)
	}

	src.header = h

	dirBuf := make([]byte, h.dirSize)
	if err := readFull(d, dirBuf, h.dirOffset); err != nil {
		return report, err
	}

	tmpOpts := opts
	tmpOpts.BlockSize = int(h.blockSize)
	tmpOpts.FailureAtomic = false
	tmpOpts.SnapshotPaths = [2]string{path + ".recover.snap0", path + ".recover.snap1"}
	tmpOpts.commitHook = nil

	dst, err := Open(path+".recover", ModeNewDB, tmpOpts)
	if err != nil {
		return report, err
	}

	if err := src.salvage(dst, dirBuf, &report); err != nil {
		return report, errors.Join(err, dst.discard())
	}

	if err := dst.setCommitSeq(h.commitSeq); err != nil {
		return report, errors.Join(err, dst.discard())
	}

	dstPath := dst.path
	if err := dst.Close(); err != nil {
		return report, errors.Join(err, opts.FS.Remove(dstPath))
	}

	if err := atomic.ReplaceFile(dstPath, path); err != nil {
		return report, errors.Join(fmt.Errorf("replacing %s: %w", path, err), opts.FS.Remove(dstPath))
	}

	if err := removeSnapshots(opts.FS, opts.SnapshotPaths); err != nil {
		return report, err
	}

	src.log.Info("recovered database",
		zap.Int("records", report.Recovered),
		zap.Int("damaged_buckets", report.DamagedBuckets),
		zap.Int("bad_records", report.BadRecords),
	)

	return report, nil
}

// salvage copies every verifiable record reachable from the raw directory
// into dst.
func (db *DB) salvage(dst *DB, dirBuf []byte, report *RecoveryReport) error {
	seen := make(map[uint64]bool)

	for i := 0; i+8 <= len(dirBuf); i += 8 {
		adr := binary.LittleEndian.Uint64(dirBuf[i:])
		if seen[adr] {
			continue
		}

		seen[adr] = true
		report.Buckets++

		if !db.header.validBucketAdr(adr) {
			report.DamagedBuckets++
			continue
		}

		b, err := db.readBucket(adr)
		if err != nil {
			if KindOf(err) == KindIO {
				return err
			}

			report.DamagedBuckets++

			continue
		}

		for s := range b.elements {
			e := &b.elements[s]
			if !e.used {
				continue
			}

			key, value, err := db.readElem(e)
			if err != nil || db.hash(key) != e.hash {
				report.BadRecords++
				continue
			}

			switch err := dst.Store(key, value, Insert); {
			case err == nil:
				report.Recovered++
			case errors.Is(err, ErrKeyExists):
				report.Duplicates++
			default:
				return err
			}
		}
	}

	return nil
}
