package hashdb

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/hashdb/pkg/fs"
)

// acquireLock takes the advisory lock for mode on the database file itself:
// shared for readers, exclusive for everything else. It never waits.
//
// Contention is reported as [ErrLocked].
func acquireLock(fsys fs.FS, path string, mode Mode) (*fs.Lock, error) {
	locker := fs.NewLocker(fsys)

	var (
		lk  *fs.Lock
		err error
	)

	if mode == ModeReader {
		lk, err = locker.TryRLock(path)
	} else {
		lk, err = locker.TryLock(path)
	}

	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}

		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return lk, nil
}
