package hashdb

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/hashdb/pkg/fs"
)

// pageSize is the system page size, used for aligning mappings and msync
// ranges.
var pageSize = unix.Getpagesize()

// minMapSize is the smallest mapping created, so small files do not remap on
// every extend.
const minMapSize = 1 << 20

// mmapIO implements storage over a shared file mapping.
//
// The mapping may be longer than the file. Accesses are bounded by the
// logical size, which always equals the file size, so pages past EOF are
// never touched. When Extend passes the mapped length the file is remapped
// at double the size.
type mmapIO struct {
	f        fs.File
	data     []byte
	size     int64
	writable bool
}

func newMmapIO(f fs.File, writable bool) (*mmapIO, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, ioErr("stat", 0, err)
	}

	m := &mmapIO{f: f, size: info.Size(), writable: writable}

	if err := m.remap(m.size); err != nil {
		return nil, err
	}

	return m, nil
}

// remap replaces the mapping with one covering at least want bytes.
func (m *mmapIO) remap(want int64) error {
	length := max(int64(minMapSize), int64(len(m.data)))
	for length < want {
		length *= 2
	}

	length = (length + int64(pageSize) - 1) / int64(pageSize) * int64(pageSize)
	if length > int64(maxInt) {
		return ioErr("mmap", want, fmt.Errorf("mapping length %d exceeds address space", length))
	}

	prot := unix.PROT_READ
	if m.writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(int(m.f.Fd()), 0, int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return ioErr("mmap", 0, err)
	}

	if m.data != nil {
		_ = unix.Munmap(m.data)
	}

	m.data = data

	return nil
}

func (m *mmapIO) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p), m.size); err != nil {
		return 0, err
	}

	return copy(p, m.data[off:]), nil
}

func (m *mmapIO) WriteAt(p []byte, off int64) (int, error) {
	if !m.writable {
		return 0, ioErr("write", off, ErrReadOnly)
	}

	if err := checkRange(off, len(p), m.size); err != nil {
		return 0, err
	}

	return copy(m.data[off:], p), nil
}

func (m *mmapIO) Size() int64 { return m.size }

func (m *mmapIO) Extend(size int64) error {
	if size <= m.size {
		return nil
	}

	if err := m.f.Truncate(size); err != nil {
		return extendErr(size, err)
	}

	if size > int64(len(m.data)) {
		if err := m.remap(size); err != nil {
			return err
		}
	}

	m.size = size

	return nil
}

func (m *mmapIO) Truncate(size int64) error {
	if err := m.f.Truncate(size); err != nil {
		return ioErr("truncate", size, err)
	}

	m.size = size

	return nil
}

// Sync flushes dirty pages with msync and then fsyncs the file so size
// changes are durable too.
func (m *mmapIO) Sync() error {
	if m.writable && m.size > 0 {
		length := (m.size + int64(pageSize) - 1) / int64(pageSize) * int64(pageSize)
		length = min(length, int64(len(m.data)))

		if err := unix.Msync(m.data[:length], unix.MS_SYNC); err != nil {
			return ioErr("msync", 0, err)
		}
	}

	if err := m.f.Sync(); err != nil {
		return ioErr("fsync", 0, err)
	}

	return nil
}

func (m *mmapIO) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil

	if err != nil {
		return ioErr("munmap", 0, err)
	}

	return nil
}

const maxInt = int(^uint(0) >> 1)
