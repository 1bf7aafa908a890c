package hashdb

import (
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/calvinalkan/hashdb/pkg/fs"
)

// storage is the byte-stream layer every structure above it reads and
// writes through.
//
// Offsets are absolute file positions; there is no shared cursor, so the
// seek of a read/write/seek contract is the offset argument. Reads and writes
// must stay inside [0, Size()). Extend grows the file and zero-fills the new
// bytes. Implementations never retry a failed call.
type storage interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	Extend(size int64) error
	Truncate(size int64) error
	Sync() error
	Close() error
}

// IOBackend selects the storage implementation used by a handle.
type IOBackend int

const (
	// IOMmap maps the file into memory and grows the mapping as the file
	// grows. Falls back to [IODirect] when the file cannot be mapped.
	IOMmap IOBackend = iota

	// IODirect uses positioned read and write system calls.
	IODirect
)

func (b IOBackend) String() string {
	switch b {
	case IOMmap:
		return "mmap"
	case IODirect:
		return "direct"
	default:
		return fmt.Sprintf("IOBackend(%d)", int(b))
	}
}

// directIO implements storage with pread/pwrite on an open file.
type directIO struct {
	f    fs.File
	size int64
}

func newDirectIO(f fs.File) (*directIO, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, ioErr("stat", 0, err)
	}

	return &directIO{f: f, size: info.Size()}, nil
}

func (d *directIO) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p), d.size); err != nil {
		return 0, err
	}

	return d.f.ReadAt(p, off)
}

func (d *directIO) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p), d.size); err != nil {
		return 0, err
	}

	return d.f.WriteAt(p, off)
}

func (d *directIO) Size() int64 { return d.size }

func (d *directIO) Extend(size int64) error {
	if size <= d.size {
		return nil
	}

	if err := d.f.Truncate(size); err != nil {
		return extendErr(size, err)
	}

	d.size = size

	return nil
}

func (d *directIO) Truncate(size int64) error {
	if err := d.f.Truncate(size); err != nil {
		return ioErr("truncate", size, err)
	}

	d.size = size

	return nil
}

func (d *directIO) Sync() error {
	if err := d.f.Sync(); err != nil {
		return ioErr("fsync", 0, err)
	}

	return nil
}

// Close is a no-op; the file itself is owned by the handle.
func (d *directIO) Close() error { return nil }

// checkRange rejects accesses that fall outside the logical file size.
// Both backends share it so they fail identically.
func checkRange(off int64, n int, size int64) error {
	if off < 0 || int64(n) > size-off {
		if off >= size {
			return io.EOF
		}

		return io.ErrUnexpectedEOF
	}

	return nil
}

// extendErr maps a failed grow to [ErrNoSpace] when the filesystem is out of
// room or the size exceeds the file size limit.
func extendErr(size int64, err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EFBIG) {
		return fmt.Errorf("extend to %d bytes: %w (%w)", size, ErrNoSpace, err)
	}

	return ioErr("extend", size, err)
}
