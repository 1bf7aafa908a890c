// Package hashdb is an embedded, single-file key/value store built on
// extensible hashing.
//
// A directory of bucket offsets maps the low bits of a key's hash to a
// bucket. A full bucket splits in two on the next hash bit, and the
// directory doubles when a bucket already uses every directory bit. Freed
// file regions are recycled by an allocator whose free lists live in the
// buckets, the file header and chained avail blocks.
//
// # Basic Usage
//
//	db, err := hashdb.Open("/tmp/my.db", hashdb.ModeWrCreat, hashdb.Options{})
//	if err != nil {
//	    // ErrLocked: another process holds the database
//	}
//	defer db.Close()
//
//	err = db.Store([]byte("key"), []byte("value"), hashdb.Replace)
//	value, err := db.Fetch([]byte("key"))
//	err = db.Delete([]byte("key"))
//
// # Concurrency
//
// A [DB] is not safe for concurrent use. Processes coordinate through an
// advisory lock on the database file: one writer, or any number of readers.
// Readers see the state committed when they opened the file.
//
// # Durability
//
// Every mutating call commits before it returns. By default a commit writes
// straight into the file, and a crash in the middle of one can leave a mix
// of old and new state. With [Options.FailureAtomic] each commit is first
// written to one of two snapshot files and only then applied, so after a
// crash the file opens in either the state before or the state after the
// interrupted call.
//
// # Error Handling
//
// [KindOf] classifies errors:
//
// Logical errors ([ErrNotFound], [ErrKeyExists], [ErrLocked], ...) are
// expected outcomes and leave the handle usable.
//
// I/O, format and other fatal errors inside a mutating call mark the handle
// failed: every later call returns an error wrapping [ErrFailed] and the
// original cause. Close it and reopen. [Recover] rebuilds a damaged file
// from whatever is still readable.
package hashdb
