package hashdb

// Export internal hooks for testing.
// This file is only compiled during tests.

// CommitStage names a point inside a failure-atomic commit.
type CommitStage = commitStage

const (
	StageSnapshotWritten = stageSnapshotWritten
	StageMarkerWritten   = stageMarkerWritten
	StageApplied         = stageApplied
)

// WithHashFunc returns opts with the key hash replaced by fn.
func WithHashFunc(opts Options, fn func(key []byte) uint32) Options {
	opts.hash = fn
	return opts
}

// WithCommitHook returns opts with fn called at every stage of a
// failure-atomic commit. A non-nil error aborts the commit there, which
// leaves the files exactly as a crash at that point would.
func WithCommitHook(opts Options, fn func(CommitStage) error) Options {
	opts.commitHook = fn
	return opts
}

// BucketElemsForTesting returns the number of elements per bucket.
func BucketElemsForTesting(db *DB) int {
	return int(db.header.bucketElems)
}

// StateForTesting returns the update state name.
func StateForTesting(db *DB) string {
	return db.state.String()
}
