package hashdb

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by hashdb operations.
//
// Callers should use [errors.Is] to check error types, and [KindOf] to
// decide how severe a failure is:
//
//	if errors.Is(err, hashdb.ErrNotFound) {
//	    // key absent
//	}
var (
	// ErrNotFound indicates the key is not present.
	ErrNotFound = errors.New("hashdb: key not found")

	// ErrKeyExists indicates [Insert] was used for a key that is already stored.
	ErrKeyExists = errors.New("hashdb: key already exists")

	// ErrLocked indicates another handle holds a conflicting advisory lock.
	//
	// Recovery: retry later, or open read-only.
	ErrLocked = errors.New("hashdb: database is locked")

	// ErrReadOnly indicates a mutating call on a handle opened with [ModeReader].
	ErrReadOnly = errors.New("hashdb: database opened read-only")

	// ErrInvalidInput indicates invalid arguments or options.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("hashdb: invalid input")

	// ErrClosed indicates the handle has already been closed.
	ErrClosed = errors.New("hashdb: closed")

	// ErrBadFormat indicates the file is not a hashdb file, or was created
	// with a format version, block size or hash algorithm this engine does
	// not support.
	ErrBadFormat = errors.New("hashdb: bad file format")

	// ErrCorrupt indicates a structural inconsistency: a header checksum
	// mismatch, a directory entry outside the file, a malformed bucket or an
	// avail table that fails validation.
	//
	// Recovery: [Recover] copies every readable record into a new file.
	ErrCorrupt = errors.New("hashdb: file is corrupt")

	// ErrHashExhausted indicates a bucket could not be split because the
	// colliding keys share every hash bit the directory can address.
	ErrHashExhausted = errors.New("hashdb: hash space exhausted")

	// ErrNoSpace indicates the allocator cannot extend the file.
	ErrNoSpace = errors.New("hashdb: no space")

	// ErrFailed indicates the handle hit a fatal error and is unusable.
	//
	// The returned error wraps the original cause. The file is only as
	// good as the last successful commit; close the handle and reopen.
	ErrFailed = errors.New("hashdb: handle failed")
)

// ErrorKind classifies errors by how the caller should react.
type ErrorKind int

const (
	// KindNone is the kind of a nil error.
	KindNone ErrorKind = iota

	// KindLogical errors are recoverable by the caller and leave the handle usable.
	KindLogical

	// KindIO errors come from the underlying read, write, extend or sync and
	// are fatal to the current call.
	KindIO

	// KindFormat errors mean the file is not usable as-is.
	KindFormat

	// KindResource errors mean the operation cannot be completed within the
	// limits of the hash space or the filesystem.
	KindResource

	// KindUnknown is anything not produced by hashdb.
	KindUnknown
)

// String returns a short human-readable name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindLogical:
		return "logical"
	case KindIO:
		return "i/o"
	case KindFormat:
		return "format"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind leave a handle unusable when they
// occur inside a mutating call.
func (k ErrorKind) Fatal() bool {
	return k == KindIO || k == KindFormat || k == KindResource || k == KindUnknown
}

// KindOf returns the [ErrorKind] of err.
//
// For errors wrapping [ErrFailed], the kind of the original cause is returned.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return KindIO
	}

	switch {
	case errors.Is(err, ErrBadFormat), errors.Is(err, ErrCorrupt):
		return KindFormat
	case errors.Is(err, ErrHashExhausted), errors.Is(err, ErrNoSpace):
		return KindResource
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrKeyExists),
		errors.Is(err, ErrLocked),
		errors.Is(err, ErrReadOnly),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrClosed):
		return KindLogical
	default:
		return KindUnknown
	}
}

// IOError records a failed read, write, extend or sync on the database file.
type IOError struct {
	Op     string
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("hashdb: %s at offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioErr(op string, off int64, err error) error {
	return &IOError{Op: op, Offset: off, Err: err}
}

// corruptf wraps a formatted description with [ErrCorrupt].
func corruptf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrCorrupt)
}

// failedError marks a handle as unusable while keeping the cause reachable
// through errors.Is / errors.As.
type failedError struct {
	cause error
}

func (e *failedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrFailed, e.cause)
}

func (e *failedError) Unwrap() []error { return []error{ErrFailed, e.cause} }
