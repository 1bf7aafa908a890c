package hashdb

import (
	"fmt"

	"go.uber.org/zap"
)

// updateState tracks a handle through one mutating call.
type updateState int

const (
	stateIdle updateState = iota
	stateInProgress
	stateCommitting
	stateFailed
)

func (s updateState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateInProgress:
		return "in-progress"
	case stateCommitting:
		return "committing"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("updateState(%d)", int(s))
	}
}

// committer persists everything a mutating call changed.
type committer interface {
	// commit writes dirty buckets, the directory if it changed and the header.
	commit(db *DB) error

	// close releases resources. clean is false when the handle failed.
	close(clean bool) error
}

// usable returns the error every call on a closed or failed handle gets.
func (db *DB) usable() error {
	if db.closed {
		return ErrClosed
	}

	if db.failed != nil {
		return db.failed
	}

	return nil
}

// beginUpdate moves an idle writer to InProgress.
func (db *DB) beginUpdate() error {
	if err := db.usable(); err != nil {
		return err
	}

	if db.mode == ModeReader {
		return ErrReadOnly
	}

	if db.state != stateIdle {
		return fmt.Errorf("update already %s: %w", db.state, ErrInvalidInput)
	}

	db.state = stateInProgress
	db.changed = false

	return nil
}

// endUpdate finishes the current call and commits whatever it changed.
// Logical errors, and resource errors raised before anything changed, leave
// the handle usable; every other error fails it. Returns opErr or the
// failure.
func (db *DB) endUpdate(opErr error) error {
	if opErr != nil {
		kind := KindOf(opErr)
		if kind != KindLogical && (kind != KindResource || db.changed) {
			return db.fatal(opErr)
		}
	}

	if !db.changed {
		db.state = stateIdle
		return opErr
	}

	db.state = stateCommitting

	if err := db.commit.commit(db); err != nil {
		return db.fatal(err)
	}

	db.changed = false
	db.dirChanged = false
	db.headerChanged = false
	db.state = stateIdle
	db.stats.commits++

	return opErr
}

// fatal marks the handle unusable. Every later call returns the same error.
func (db *DB) fatal(err error) error {
	if db.failed != nil {
		return db.failed
	}

	db.state = stateFailed
	db.failed = &failedError{cause: err}

	db.log.Error("database handle failed",
		zap.String("path", db.path),
		zap.Stringer("kind", KindOf(err)),
		zap.Error(err),
	)

	return db.failed
}

// readFailed fails the handle on anything but a logical error: a lookup can
// only hit those on a damaged file or a broken device.
func (db *DB) readFailed(err error) error {
	if err == nil || KindOf(err) == KindLogical {
		return err
	}

	return db.fatal(err)
}

func (db *DB) markDirty(ce *cacheElem) {
	ce.dirty = true
	db.changed = true
}

func (db *DB) markHeaderDirty() {
	db.headerChanged = true
	db.changed = true
}

// writeMeta writes the dirty buckets, the directory when it changed and the
// header with the next commit sequence, in that order.
func (db *DB) writeMeta() error {
	if err := db.cache.flush(); err != nil {
		return err
	}

	if db.dirChanged {
		if err := writeFull(db.st, encodeDir(db.dir), db.header.dirOffset); err != nil {
			return err
		}
	}

	db.header.commitSeq++

	return writeFull(db.st, encodeHeader(&db.header), 0)
}

// plainCommitter writes straight to the file. A crash mid-commit can leave
// a mix of old and new state.
type plainCommitter struct {
	sync bool
}

func (p *plainCommitter) commit(db *DB) error {
	if err := db.writeMeta(); err != nil {
		return err
	}

	if p.sync {
		return db.st.Sync()
	}

	return nil
}

func (p *plainCommitter) close(bool) error { return nil }
