package hashdb

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/calvinalkan/hashdb/pkg/fs"
)

// Mode selects how [Open] treats the file and which lock it takes.
type Mode int

const (
	// ModeReader opens an existing file read-only under a shared lock.
	ModeReader Mode = iota

	// ModeWriter opens an existing file for writing under an exclusive lock.
	ModeWriter

	// ModeWrCreat opens a file for writing, creating it if it is missing or
	// empty.
	ModeWrCreat

	// ModeNewDB creates a new, empty database, discarding any existing file.
	ModeNewDB
)

func (m Mode) String() string {
	switch m {
	case ModeReader:
		return "reader"
	case ModeWriter:
		return "writer"
	case ModeWrCreat:
		return "wrcreat"
	case ModeNewDB:
		return "newdb"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Options configures [Open] and [Create]. The zero value is usable.
type Options struct {
	// BlockSize is the block size of a new file: a power of two in
	// [MinBlockSize, MaxBlockSize]. Zero means [DefaultBlockSize]. Existing
	// files keep the block size they were created with.
	BlockSize int

	// CacheSize is the number of buckets kept in memory. Zero means
	// [DefaultCacheSize]; otherwise it must be at least 2.
	CacheSize int

	// IO selects the storage backend. Default is [IOMmap].
	IO IOBackend

	// FailureAtomic stages every commit in a snapshot file before the data
	// file is touched. A crash at any point leaves either the state before
	// or the state after the interrupted call.
	FailureAtomic bool

	// Sync fsyncs the data file after every commit. Implied by
	// FailureAtomic.
	Sync bool

	// CentralFree sends every freed extent to the header table instead of
	// the avail table of the bucket being modified.
	CentralFree bool

	// DisableCoalesce stops the allocator from merging adjacent free
	// extents.
	DisableCoalesce bool

	// DisableLocking skips the advisory lock. The caller MUST provide
	// equivalent external synchronization.
	DisableLocking bool

	// FS is the filesystem used for the data, lock and snapshot files.
	// Default is [fs.NewReal].
	FS fs.FS

	// Logger receives debug events (splits, directory doubling, avail
	// blocks, snapshot replay) and an error when a handle fails. Default is
	// a no-op logger.
	Logger *zap.Logger

	// SnapshotPaths are the two snapshot files used by FailureAtomic.
	// Default is path+".snap0" and path+".snap1".
	SnapshotPaths [2]string

	hash       HashFunc
	commitHook func(commitStage) error
}

func (o Options) withDefaults(path string) (Options, error) {
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}

	if !validBlockSize(o.BlockSize) {
		return o, fmt.Errorf("block size %d must be a power of two in [%d, %d]: %w",
			o.BlockSize, MinBlockSize, MaxBlockSize, ErrInvalidInput)
	}

	if o.CacheSize == 0 {
		o.CacheSize = DefaultCacheSize
	}

	if o.CacheSize < minCacheSize {
		return o, fmt.Errorf("cache size %d must be >= %d: %w", o.CacheSize, minCacheSize, ErrInvalidInput)
	}

	switch o.IO {
	case IOMmap, IODirect:
	default:
		return o, fmt.Errorf("unknown IO backend %d: %w", int(o.IO), ErrInvalidInput)
	}

	if o.FS == nil {
		o.FS = fs.NewReal()
	}

	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	if o.SnapshotPaths[0] == "" {
		o.SnapshotPaths[0] = path + ".snap0"
	}

	if o.SnapshotPaths[1] == "" {
		o.SnapshotPaths[1] = path + ".snap1"
	}

	if o.SnapshotPaths[0] == o.SnapshotPaths[1] || o.SnapshotPaths[0] == path || o.SnapshotPaths[1] == path {
		return o, fmt.Errorf("snapshot paths must differ from each other and from the database: %w", ErrInvalidInput)
	}

	if o.hash == nil {
		o.hash = defaultHash
	}

	return o, nil
}

// DB is an open database handle.
//
// A DB is not safe for concurrent use. Cross-process access is coordinated
// by the advisory lock taken in [Open]: one writer or many readers.
type DB struct {
	path string
	mode Mode
	opts Options
	log  *zap.Logger
	hash HashFunc

	file    fs.File
	lock    *fs.Lock
	base    storage // data file backend
	st      storage // what the engine reads and writes: base or a journal overlay
	backend IOBackend

	header fileHeader
	dir    []uint64
	cache  *bucketCache
	commit committer

	state         updateState
	changed       bool
	dirChanged    bool
	headerChanged bool
	failed        error
	closed        bool

	stats counters
}

type counters struct {
	commits      uint64
	splits       uint64
	dirDoublings uint64
	availPushes  uint64
	availPops    uint64
}

// Create creates a new database at path, replacing any existing file. It is
// Open with [ModeNewDB].
func Create(path string, opts Options) (*DB, error) {
	return Open(path, ModeNewDB, opts)
}

// Open opens the database at path.
//
// Possible errors:
//   - [ErrInvalidInput]: invalid mode or options
//   - [ErrLocked]: another handle holds a conflicting lock
//   - [ErrBadFormat]: not a hashdb file, or an unsupported version, block
//     size or hash algorithm
//   - [ErrCorrupt]: the header or directory fails validation
//   - [os.ErrNotExist]: the file is missing in ModeReader or ModeWriter
//   - [*IOError]: reading or writing the file failed
func Open(path string, mode Mode, opts Options) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	if mode < ModeReader || mode > ModeNewDB {
		return nil, fmt.Errorf("unknown mode %d: %w", int(mode), ErrInvalidInput)
	}

	opts, err := opts.withDefaults(path)
	if err != nil {
		return nil, err
	}

	db := &DB{
		path: path,
		mode: mode,
		opts: opts,
		log:  opts.Logger.With(zap.String("db", path)),
		hash: opts.hash,
	}

	if err := db.open(); err != nil {
		_ = db.release(false)
		return nil, err
	}

	db.log.Debug("opened database",
		zap.Stringer("mode", mode),
		zap.Stringer("io", db.backend),
		zap.Uint32("block_size", db.header.blockSize),
		zap.Uint32("dir_bits", db.header.dirBits),
		zap.Bool("failure_atomic", opts.FailureAtomic),
	)

	return db, nil
}

func (db *DB) open() error {
	fsys := db.opts.FS

	if db.mode == ModeReader || db.mode == ModeWriter {
		exists, err := fsys.Exists(db.path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", db.path, err)
		}

		if !exists {
			return fmt.Errorf("open %s: %w", db.path, os.ErrNotExist)
		}
	}

	if !db.opts.DisableLocking {
		lk, err := acquireLock(fsys, db.path, db.mode)
		if err != nil {
			return err
		}

		db.lock = lk
	}

	flag := os.O_RDWR | os.O_CREATE
	if db.mode == ModeReader {
		flag = os.O_RDONLY
	}

	f, err := fsys.OpenFile(db.path, flag, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", db.path, err)
	}

	db.file = f

	if err := db.openStorage(); err != nil {
		return err
	}

	create := db.mode == ModeNewDB || (db.mode == ModeWrCreat && db.base.Size() == 0)
	if create {
		if err := db.initialize(); err != nil {
			return err
		}
	} else if err := db.load(); err != nil {
		return err
	}

	db.cache = newBucketCache(db, db.opts.CacheSize)

	return nil
}

// openStorage sets up the data file backend, falling back to direct I/O
// when the file cannot be mapped.
func (db *DB) openStorage() error {
	writable := db.mode != ModeReader

	if db.opts.IO == IOMmap {
		m, err := newMmapIO(db.file, writable)
		if err == nil {
			db.base, db.st, db.backend = m, m, IOMmap
			return nil
		}

		db.log.Warn("mmap failed, using direct I/O", zap.Error(err))
	}

	d, err := newDirectIO(db.file)
	if err != nil {
		return err
	}

	db.base, db.st, db.backend = d, d, IODirect

	return nil
}

// initialize writes an empty database: header, a directory block whose
// entries all point at one empty bucket, and that bucket. The header is
// written last and the file synced.
func (db *DB) initialize() error {
	if err := removeSnapshots(db.opts.FS, db.opts.SnapshotPaths); err != nil {
		return err
	}

	if err := db.base.Truncate(0); err != nil {
		return err
	}

	bs := uint32(db.opts.BlockSize)
	h := newHeader(bs)

	if err := db.base.Extend(int64(h.nextBlock)); err != nil {
		return err
	}

	bucketAdr := 2 * uint64(bs)

	dir := make([]uint64, h.dirSize/8)
	for i := range dir {
		dir[i] = bucketAdr
	}

	if err := writeFull(db.base, encodeBucket(newBucket(0, h.bucketElems), h.bucketSize), bucketAdr); err != nil {
		return err
	}

	if err := writeFull(db.base, encodeDir(dir), h.dirOffset); err != nil {
		return err
	}

	if err := writeFull(db.base, encodeHeader(&h), 0); err != nil {
		return err
	}

	if err := db.base.Sync(); err != nil {
		return err
	}

	db.header = h
	db.dir = dir

	return db.setCommitter(-1)
}

// load reads the header and directory of an existing file, first replaying
// a committed snapshot newer than the header.
func (db *DB) load() error {
	rec, slot, err := latestSnapshot(db.opts.FS, db.opts.SnapshotPaths)
	if err != nil {
		return err
	}

	h, headerErr := readHeader(db.base)

	if rec != nil && (headerErr != nil || rec.seq > h.commitSeq) {
		if err := db.replay(rec); err != nil {
			return err
		}

		h, headerErr = readHeader(db.st)
	}

	if headerErr != nil {
		return headerErr
	}

	if db.mode != ModeReader && db.base.Size() > int64(h.nextBlock) {
		// Space extended by a commit that never completed.
		if err := db.base.Truncate(int64(h.nextBlock)); err != nil {
			return err
		}
	}

	buf := make([]byte, h.dirSize)
	if err := readFull(db.st, buf, h.dirOffset); err != nil {
		return err
	}

	dir, err := decodeDir(buf, &h)
	if err != nil {
		return err
	}

	db.header = h
	db.dir = dir

	return db.setCommitter(slot)
}

// replay applies a committed snapshot: writers roll the data file forward,
// readers overlay it in memory.
func (db *DB) replay(rec *snapshotRecord) error {
	if db.mode == ModeReader {
		j := newJournalIO(db.base)
		j.writes = rec.writes
		db.st = j

		db.log.Info("overlaying committed snapshot", zap.Uint64("seq", rec.seq), zap.Int("writes", len(rec.writes)))

		return nil
	}

	if err := rollForward(db.base, rec); err != nil {
		return err
	}

	db.log.Info("rolled forward committed snapshot", zap.Uint64("seq", rec.seq), zap.Int("writes", len(rec.writes)))

	return nil
}

// setCommitter picks the commit strategy. lastSlot is the snapshot slot that
// holds the newest snapshot, or -1.
func (db *DB) setCommitter(lastSlot int) error {
	if db.mode == ModeReader || !db.opts.FailureAtomic {
		db.commit = &plainCommitter{sync: db.opts.Sync}

		if db.mode != ModeReader && lastSlot >= 0 {
			// The data file is current; stale snapshots must not be replayed
			// over a later non-atomic commit.
			return removeSnapshots(db.opts.FS, db.opts.SnapshotPaths)
		}

		return nil
	}

	j := newJournalIO(db.base)
	db.st = j

	next := 0
	if lastSlot >= 0 {
		next = lastSlot ^ 1
	}

	db.commit = &snapshotCommitter{
		fsys:    db.opts.FS,
		paths:   db.opts.SnapshotPaths,
		next:    next,
		journal: j,
		hook:    db.opts.commitHook,
		log:     db.log,
	}

	return nil
}

// readHeader reads and validates block 0.
func readHeader(s storage) (fileHeader, error) {
	size := s.Size()
	if size < offAvailTable {
		return fileHeader{}, fmt.Errorf("file too small (%d bytes): %w", size, ErrBadFormat)
	}

	prefix := make([]byte, offAvailTable)
	if err := readFull(s, prefix, 0); err != nil {
		return fileHeader{}, err
	}

	bs := peekBlockSize(prefix)
	if !validBlockSize(int(bs)) {
		return decodeHeader(prefix, size)
	}

	if int64(bs) > size {
		return fileHeader{}, corruptf("file size %d smaller than block size %d", size, bs)
	}

	buf := make([]byte, bs)
	if err := readFull(s, buf, 0); err != nil {
		return fileHeader{}, err
	}

	return decodeHeader(buf, size)
}

// Close releases the handle. A writer syncs the data file first. Close on a
// failed handle releases the lock without writing anything.
//
// Close is idempotent.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}

	clean := db.failed == nil

	var errs []error

	if clean && db.mode != ModeReader {
		if db.changed {
			errs = append(errs, db.commit.commit(db))
		}

		if err := db.base.Sync(); err != nil {
			errs = append(errs, err)
			clean = false
		}
	}

	errs = append(errs, db.release(clean && errors.Join(errs...) == nil))
	db.closed = true

	db.log.Debug("closed database", zap.Bool("clean", clean))

	return errors.Join(errs...)
}

// release closes everything the handle holds, lock last.
func (db *DB) release(clean bool) error {
	var errs []error

	if db.commit != nil {
		errs = append(errs, db.commit.close(clean))
	}

	if db.base != nil {
		errs = append(errs, db.base.Close())
	}

	if db.file != nil {
		if err := db.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", db.path, err))
		}
	}

	if db.lock != nil {
		if err := db.lock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("releasing lock: %w", err))
		}
	}

	db.commit, db.base, db.st, db.file, db.lock = nil, nil, nil, nil, nil

	return errors.Join(errs...)
}

// Sync forces the data file to disk. It is a no-op for readers.
func (db *DB) Sync() error {
	if err := db.usable(); err != nil {
		return err
	}

	if db.mode == ModeReader {
		return nil
	}

	if err := db.base.Sync(); err != nil {
		return db.fatal(err)
	}

	return nil
}

// Path returns the file path the handle was opened with.
func (db *DB) Path() string { return db.path }

// Mode returns the mode the handle was opened with.
func (db *DB) Mode() Mode { return db.mode }

// Stats describes a handle's file geometry and activity counters.
type Stats struct {
	BlockSize     int
	DirBits       int
	DirEntries    int
	FileSize      int64
	CommitSeq     uint64
	HeaderAvail   int
	AvailBlocks   bool
	IO            IOBackend
	FailureAtomic bool

	Commits      uint64
	Splits       uint64
	DirDoublings uint64
	AvailPushes  uint64
	AvailPops    uint64

	CacheSize      int
	CacheHits      uint64
	CacheMisses    uint64
	CacheEvictions uint64
}

// Stats returns a snapshot of the handle's counters.
func (db *DB) Stats() (Stats, error) {
	if err := db.usable(); err != nil {
		return Stats{}, err
	}

	return Stats{
		BlockSize:      int(db.header.blockSize),
		DirBits:        int(db.header.dirBits),
		DirEntries:     len(db.dir),
		FileSize:       int64(db.header.nextBlock),
		CommitSeq:      db.header.commitSeq,
		HeaderAvail:    len(db.header.avail),
		AvailBlocks:    db.header.availNext != 0,
		IO:             db.backend,
		FailureAtomic:  db.opts.FailureAtomic && db.mode != ModeReader,
		Commits:        db.stats.commits,
		Splits:         db.stats.splits,
		DirDoublings:   db.stats.dirDoublings,
		AvailPushes:    db.stats.availPushes,
		AvailPops:      db.stats.availPops,
		CacheSize:      len(db.cache.slots),
		CacheHits:      db.cache.hits,
		CacheMisses:    db.cache.misses,
		CacheEvictions: db.cache.evictions,
	}, nil
}
