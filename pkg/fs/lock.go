package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned when a lock is held elsewhere in a conflicting
// mode.
var ErrWouldBlock = errors.New("lock would block")

// errReplaced means the path was renamed over between open and flock.
var errReplaced = errors.New("file replaced while locking")

// Locker hands out non-blocking flock(2) locks on files.
//
// flock applies to an open file description, so two handles that open the
// same database separately conflict even inside one process. A lock is only
// handed out once the locked descriptor is verified to still be the file at
// path: a database replaced by rename (reorganize, recover) must not be
// guarded by a lock on the unlinked inode.
//
// Unix only.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker returns a Locker that opens files through fsys.
func NewLocker(fsys FS) *Locker {
	return &Locker{fs: fsys, flock: unix.Flock}
}

// Lock is a held lock. Release it with [Lock.Close].
type Lock struct {
	mu     sync.Mutex
	file   File
	shared bool
	flock  func(fd int, how int) error
}

// Shared reports whether this is a reader lock.
func (lk *Lock) Shared() bool { return lk.shared }

// Close unlocks and closes the descriptor. Calling it again is a no-op.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	var errs []error

	if err := flockNoEINTR(lk.flock, int(lk.file.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}

	if err := lk.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close lock fd: %w", err))
	}

	lk.file = nil

	return errors.Join(errs...)
}

// TryLock takes an exclusive lock on path, creating the file (and its
// parent directories) if needed. Any other holder yields [ErrWouldBlock].
func (l *Locker) TryLock(path string) (*Lock, error) {
	return l.try(path, false)
}

// TryRLock takes a shared lock on path. Only an exclusive holder yields
// [ErrWouldBlock]. The file is opened read-only, so read-only files can be
// shared-locked.
func (l *Locker) TryRLock(path string) (*Lock, error) {
	return l.try(path, true)
}

// replaceAttempts bounds how often a lock is retried when the path keeps
// being swapped underneath it.
const replaceAttempts = 8

func (l *Locker) try(path string, shared bool) (*Lock, error) {
	how, flag := unix.LOCK_EX, os.O_RDWR
	if shared {
		how, flag = unix.LOCK_SH, os.O_RDONLY
	}

	for range replaceAttempts {
		f, err := l.open(path, flag)
		if err != nil {
			return nil, fmt.Errorf("open lock file: %w", err)
		}

		err = l.lockFile(f, path, how)
		if err == nil {
			return &Lock{file: f, shared: shared, flock: l.flock}, nil
		}

		_ = f.Close()

		if !errors.Is(err, errReplaced) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%s: %w: %w", path, ErrWouldBlock, errReplaced)
}

// lockFile flocks f and checks it is still the file at path. On failure f
// is left unlocked but open.
func (l *Locker) lockFile(f File, path string, how int) error {
	fd := int(f.Fd())

	err := flockNoEINTR(l.flock, fd, how|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}

	if err != nil {
		return fmt.Errorf("flock: %w", err)
	}

	same, err := l.stillAtPath(f, path)
	if err == nil && same {
		return nil
	}

	_ = flockNoEINTR(l.flock, fd, unix.LOCK_UN)

	switch {
	case err == nil, errors.Is(err, os.ErrNotExist):
		return errReplaced
	default:
		return fmt.Errorf("stat %s: %w", path, err)
	}
}

func (l *Locker) stillAtPath(f File, path string) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, err
	}

	current, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	return os.SameFile(held, current), nil
}

func (l *Locker) open(path string, flag int) (File, error) {
	f, err := l.fs.OpenFile(path, flag|os.O_CREATE, 0o600)
	if !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, flag|os.O_CREATE, 0o600)
}

// flockNoEINTR calls flock until it is not interrupted, giving up after a
// fixed number of attempts.
func flockNoEINTR(flock func(fd int, how int) error, fd int, how int) error {
	var err error

	for range 10000 {
		err = flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
