package hashdb

import (
	"errors"
	"fmt"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"
)

// Reorganize rewrites the database into a compact file and atomically
// replaces the original with it. Afterwards the handle uses the new file.
//
// The copy is built next to the database as path+".reorg" under its own
// lock, which it keeps across the rename, so the database stays locked
// throughout.
func (db *DB) Reorganize() error {
	if err := db.beginUpdate(); err != nil {
		return err
	}

	oldSize := db.header.nextBlock

	// Until the rename the database file is untouched, so failures leave
	// the handle usable.
	defer func() { db.state = stateIdle }()

	tmp, err := db.compactCopy(db.path + ".reorg")
	if err != nil {
		return err
	}

	if err := atomic.ReplaceFile(tmp.path, db.path); err != nil {
		return errors.Join(fmt.Errorf("replacing %s: %w", db.path, err), tmp.discard())
	}

	err = db.adopt(tmp)

	db.log.Info("reorganized database",
		zap.Uint64("old_size", oldSize),
		zap.Uint64("new_size", db.header.nextBlock),
	)

	return err
}

// compactCopy copies every record into a new database at path. The copy
// continues the commit sequence of db and is synced before it is returned.
func (db *DB) compactCopy(path string) (*DB, error) {
	opts := db.opts
	opts.BlockSize = int(db.header.blockSize)
	opts.FailureAtomic = false
	opts.Sync = false
	opts.SnapshotPaths = [2]string{path + ".snap0", path + ".snap1"}
	opts.commitHook = nil

	tmp, err := Open(path, ModeNewDB, opts)
	if err != nil {
		return nil, err
	}

	err = db.walk(func(_ *bucket, e *bucketElement) (bool, error) {
		key, value, err := db.readElem(e)
		if err != nil {
			return false, err
		}

		return true, tmp.Store(key, value, Insert)
	})
	if err == nil {
		err = tmp.setCommitSeq(db.header.commitSeq)
	}

	if err == nil {
		err = tmp.base.Sync()
	}

	if err != nil {
		return nil, errors.Join(err, tmp.discard())
	}

	return tmp, nil
}

// setCommitSeq commits the header with seq as the previous sequence.
func (db *DB) setCommitSeq(seq uint64) error {
	if err := db.beginUpdate(); err != nil {
		return err
	}

	db.header.commitSeq = seq
	db.markHeaderDirty()

	return db.endUpdate(nil)
}

// discard closes a temporary database and removes its file.
func (db *DB) discard() error {
	err := db.Close()
	if rmErr := db.opts.FS.Remove(db.path); rmErr != nil {
		err = errors.Join(err, rmErr)
	}

	return err
}

// adopt takes over the file, lock and state of tmp, which now lives at
// db.path, and releases the handle's previous file and lock.
func (db *DB) adopt(tmp *DB) error {
	var errs []error

	if db.commit != nil {
		errs = append(errs, db.commit.close(true))
	}

	errs = append(errs, db.base.Close())

	if err := db.file.Close(); err != nil {
		errs = append(errs, err)
	}

	if db.lock != nil {
		errs = append(errs, db.lock.Close())
	}

	db.file, db.lock, db.base, db.st, db.backend = tmp.file, tmp.lock, tmp.base, tmp.base, tmp.backend
	db.header = tmp.header
	db.dir = tmp.dir
	db.cache.clear()
	db.changed, db.dirChanged, db.headerChanged = false, false, false

	tmp.file, tmp.lock, tmp.base, tmp.st, tmp.commit = nil, nil, nil, nil, nil
	tmp.closed = true

	errs = append(errs, db.setCommitter(-1))

	return errors.Join(errs...)
}
