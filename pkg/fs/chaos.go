package fs

import (
	"errors"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// ChaosOp identifies an operation [Chaos] can fail.
type ChaosOp string

// Operations understood by [ChaosConfig] rates and [Chaos.FailAt].
const (
	ChaosOpOpen     ChaosOp = "open"
	ChaosOpRemove   ChaosOp = "remove"
	ChaosOpStat     ChaosOp = "stat"
	ChaosOpReadAt   ChaosOp = "file.readat"
	ChaosOpWriteAt  ChaosOp = "file.writeat"
	ChaosOpSync     ChaosOp = "file.sync"
	ChaosOpTruncate ChaosOp = "file.truncate"
)

// ChaosConfig controls random fault injection.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
//
// The zero value disables random faults; [Chaos.FailAt] still works.
type ChaosConfig struct {
	// OpenFailRate controls how often FS.Open and FS.OpenFile fail.
	// Returns EACCES, EIO, EMFILE or ENFILE.
	OpenFailRate float64

	// ReadFailRate controls how often File.Read and File.ReadAt fail with EIO
	// before reading anything.
	ReadFailRate float64

	// WriteFailRate controls how often File.Write and File.WriteAt fail
	// entirely. Returns EIO, ENOSPC, EDQUOT or EROFS.
	WriteFailRate float64

	// PartialWriteRate controls how often File.WriteAt writes a prefix and
	// then fails. Returns n > 0 with an errno as WriteFailRate.
	PartialWriteRate float64

	// SyncFailRate controls how often File.Sync fails. Returns EIO, ENOSPC,
	// EDQUOT or EROFS.
	SyncFailRate float64

	// TruncateFailRate controls how often File.Truncate fails. Returns EIO,
	// ENOSPC, EFBIG or EROFS.
	TruncateFailRate float64

	// RemoveFailRate controls how often FS.Remove fails. Returns EACCES,
	// EPERM, EBUSY, EIO or EROFS.
	RemoveFailRate float64

	// StatFailRate controls how often FS.Stat and FS.Exists fail. Returns
	// EACCES or EIO.
	StatFailRate float64
}

// ChaosMode controls how [Chaos] behaves.
type ChaosMode uint8

const (
	// ChaosModeActive injects faults. This is the default for a new [Chaos].
	ChaosModeActive ChaosMode = iota

	// ChaosModeNoOp passes every operation directly to the underlying FS.
	// Armed failpoints still fire.
	ChaosModeNoOp
)

// ChaosStats contains counts of injected faults.
type ChaosStats struct {
	OpenFails     int64
	ReadFails     int64
	WriteFails    int64
	PartialWrites int64
	SyncFails     int64
	TruncateFails int64
	RemoveFails   int64
	StatFails     int64
}

// chaosError marks an error as intentionally injected by [Chaos].
//
// It wraps the underlying error so errors.Is/As continue to work.
type chaosError struct {
	Err error
}

func (e *chaosError) Error() string {
	return "chaos: " + e.Err.Error()
}

func (e *chaosError) Unwrap() error {
	return e.Err
}

// IsChaosErr reports whether err (or any wrapped error) was injected by [Chaos].
func IsChaosErr(err error) bool {
	var injected *chaosError

	return errors.As(err, &injected)
}

// failpoint fails the after-th matching operation, once.
type failpoint struct {
	op    ChaosOp
	path  string
	after int64
	errno syscall.Errno
	seen  int64
}

// Chaos wraps an [FS] and injects failures for testing.
//
// Injected errors are [*fs.PathError] values with a real [syscall.Errno], so
// [errors.Is] against errnos behaves like a real OS error, and [IsChaosErr]
// tells them apart. Chaos never injects ENOENT or EINTR.
//
// Random faults follow [ChaosConfig]. Deterministic faults are armed with
// [Chaos.FailAt].
type Chaos struct {
	fs     FS
	rng    *rand.Rand
	config ChaosConfig
	mode   atomic.Uint32

	mu         sync.Mutex // guards rng and failpoints
	failpoints []*failpoint

	openFails     atomic.Int64
	readFails     atomic.Int64
	writeFails    atomic.Int64
	partialWrites atomic.Int64
	syncFails     atomic.Int64
	truncateFails atomic.Int64
	removeFails   atomic.Int64
	statFails     atomic.Int64
}

// NewChaos creates a new [Chaos] filesystem wrapping underlying.
// The seed controls random fault injection for reproducibility.
// Panics if underlying is nil.
func NewChaos(underlying FS, seed int64, config ChaosConfig) *Chaos {
	if underlying == nil {
		panic("underlying fs is nil")
	}

	return &Chaos{
		fs:     underlying,
		rng:    rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>32|1)),
		config: config,
	}
}

// SetMode switches between injecting and passing through.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// FailAt arms a one-shot failure: the after-th op (1-indexed) on path,
// counted from now, fails with errno. An empty path matches every path.
func (c *Chaos) FailAt(op ChaosOp, path string, after int, errno syscall.Errno) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failpoints = append(c.failpoints, &failpoint{op: op, path: path, after: int64(after), errno: errno})
}

// Stats returns the number of faults injected so far.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		OpenFails:     c.openFails.Load(),
		ReadFails:     c.readFails.Load(),
		WriteFails:    c.writeFails.Load(),
		PartialWrites: c.partialWrites.Load(),
		SyncFails:     c.syncFails.Load(),
		TruncateFails: c.truncateFails.Load(),
		RemoveFails:   c.removeFails.Load(),
		StatFails:     c.statFails.Load(),
	}
}

// Open opens a file for reading with fault injection.
func (c *Chaos) Open(path string) (File, error) {
	return c.openWithChaos(path, func() (File, error) { return c.fs.Open(path) })
}

// OpenFile opens a file with fault injection.
func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return c.openWithChaos(path, func() (File, error) { return c.fs.OpenFile(path, flag, perm) })
}

// MkdirAll passes through; directory creation is not a fault target.
func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	return c.fs.MkdirAll(path, perm)
}

// Stat returns file info with fault injection.
func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	if err := c.inject(ChaosOpStat, path, c.config.StatFailRate, &c.statFails, statErrnos); err != nil {
		return nil, err
	}

	return c.fs.Stat(path)
}

// Exists checks existence with the same fault injection as Stat.
func (c *Chaos) Exists(path string) (bool, error) {
	if err := c.inject(ChaosOpStat, path, c.config.StatFailRate, &c.statFails, statErrnos); err != nil {
		return false, err
	}

	return c.fs.Exists(path)
}

// Remove deletes a file with fault injection.
func (c *Chaos) Remove(path string) error {
	if err := c.inject(ChaosOpRemove, path, c.config.RemoveFailRate, &c.removeFails, removeErrnos); err != nil {
		return err
	}

	return c.fs.Remove(path)
}

func (c *Chaos) openWithChaos(path string, openFn func() (File, error)) (File, error) {
	if err := c.inject(ChaosOpOpen, path, c.config.OpenFailRate, &c.openFails, openErrnos); err != nil {
		return nil, err
	}

	f, err := openFn()
	if err != nil {
		return nil, err
	}

	return &chaosFile{f: f, chaos: c, path: path}, nil
}

// Errnos per operation. EACCES and ENOENT are never injected after open.
var (
	openErrnos     = []syscall.Errno{syscall.EACCES, syscall.EIO, syscall.EMFILE, syscall.ENFILE}
	readErrnos     = []syscall.Errno{syscall.EIO}
	writeErrnos    = []syscall.Errno{syscall.EIO, syscall.ENOSPC, syscall.EDQUOT, syscall.EROFS}
	truncateErrnos = []syscall.Errno{syscall.EIO, syscall.ENOSPC, syscall.EFBIG, syscall.EROFS}
	removeErrnos   = []syscall.Errno{syscall.EACCES, syscall.EPERM, syscall.EBUSY, syscall.EIO, syscall.EROFS}
	statErrnos     = []syscall.Errno{syscall.EACCES, syscall.EIO}
)

// inject returns an injected error when an armed failpoint fires or, in
// active mode, with probability rate.
func (c *Chaos) inject(op ChaosOp, path string, rate float64, counter *atomic.Int64, errnos []syscall.Errno) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, fp := range c.failpoints {
		if fp.op != op || (fp.path != "" && fp.path != path) {
			continue
		}

		fp.seen++
		if fp.seen == fp.after {
			c.failpoints = append(c.failpoints[:i], c.failpoints[i+1:]...)
			counter.Add(1)

			return pathError(string(op), path, fp.errno)
		}
	}

	if !c.rollLocked(rate) {
		return nil
	}

	counter.Add(1)

	return pathError(string(op), path, errnos[c.rng.IntN(len(errnos))])
}

// roll reports true with probability rate in active mode.
func (c *Chaos) roll(rate float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rollLocked(rate)
}

func (c *Chaos) rollLocked(rate float64) bool {
	return ChaosMode(c.mode.Load()) == ChaosModeActive && rate > 0 && c.rng.Float64() < rate
}

func (c *Chaos) randIntn(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.IntN(n)
}

// pathError creates an injected [*fs.PathError]. It is wrapped in
// [chaosError] so [IsChaosErr] can identify it.
func pathError(op, path string, errno syscall.Errno) error {
	return &chaosError{Err: &fs.PathError{Op: op, Path: path, Err: errno}}
}

// chaosFile wraps a [File] and injects faults on reads, writes, syncs and
// truncates.
type chaosFile struct {
	f     File
	chaos *Chaos
	path  string
}

var _ File = (*chaosFile)(nil)

func (cf *chaosFile) Read(buf []byte) (int, error) {
	if err := cf.chaos.inject(ChaosOpReadAt, cf.path, cf.chaos.config.ReadFailRate, &cf.chaos.readFails, readErrnos); err != nil {
		return 0, err
	}

	return cf.f.Read(buf)
}

func (cf *chaosFile) ReadAt(buf []byte, off int64) (int, error) {
	if err := cf.chaos.inject(ChaosOpReadAt, cf.path, cf.chaos.config.ReadFailRate, &cf.chaos.readFails, readErrnos); err != nil {
		return 0, err
	}

	return cf.f.ReadAt(buf, off)
}

func (cf *chaosFile) Write(data []byte) (int, error) {
	if err := cf.chaos.inject(ChaosOpWriteAt, cf.path, cf.chaos.config.WriteFailRate, &cf.chaos.writeFails, writeErrnos); err != nil {
		return 0, err
	}

	return cf.f.Write(data)
}

// WriteAt may fail outright or, for PartialWriteRate, write a prefix of data
// before failing.
func (cf *chaosFile) WriteAt(data []byte, off int64) (int, error) {
	if err := cf.chaos.inject(ChaosOpWriteAt, cf.path, cf.chaos.config.WriteFailRate, &cf.chaos.writeFails, writeErrnos); err != nil {
		return 0, err
	}

	if len(data) > 1 && cf.chaos.roll(cf.chaos.config.PartialWriteRate) {
		cf.chaos.partialWrites.Add(1)
		cutoff := cf.chaos.randIntn(len(data)-1) + 1

		n, err := cf.f.WriteAt(data[:cutoff], off)
		if err != nil {
			return n, err
		}

		return n, pathError("write", cf.path, writeErrnos[cf.chaos.randIntn(len(writeErrnos))])
	}

	return cf.f.WriteAt(data, off)
}

func (cf *chaosFile) Sync() error {
	if err := cf.chaos.inject(ChaosOpSync, cf.path, cf.chaos.config.SyncFailRate, &cf.chaos.syncFails, writeErrnos); err != nil {
		return err
	}

	return cf.f.Sync()
}

func (cf *chaosFile) Truncate(size int64) error {
	if err := cf.chaos.inject(ChaosOpTruncate, cf.path, cf.chaos.config.TruncateFailRate, &cf.chaos.truncateFails, truncateErrnos); err != nil {
		return err
	}

	return cf.f.Truncate(size)
}

func (cf *chaosFile) Close() error { return cf.f.Close() }

func (cf *chaosFile) Seek(offset int64, whence int) (int64, error) {
	return cf.f.Seek(offset, whence)
}

func (cf *chaosFile) Fd() uintptr { return cf.f.Fd() }

func (cf *chaosFile) Stat() (os.FileInfo, error) { return cf.f.Stat() }

var (
	_ FS        = (*Chaos)(nil)
	_ io.Writer = (*chaosFile)(nil)
)
