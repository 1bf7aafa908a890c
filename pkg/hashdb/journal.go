package hashdb

// pageWrite is one pending write held by a journalIO.
type pageWrite struct {
	off  int64
	data []byte
}

func (w pageWrite) end() int64 { return w.off + int64(len(w.data)) }

// journalIO layers pending writes over a base storage.
//
// Writes are kept in memory in the order they were issued; reads go to the
// base and then apply every overlapping pending write in that order, so a
// reader always sees the newest bytes. Size changes go straight to the base:
// new space is zero and unreferenced until a commit publishes it.
type journalIO struct {
	base   storage
	writes []pageWrite
}

func newJournalIO(base storage) *journalIO {
	return &journalIO{base: base}
}

func (j *journalIO) ReadAt(p []byte, off int64) (int, error) {
	n, err := j.base.ReadAt(p, off)
	if err != nil {
		return n, err
	}

	end := off + int64(len(p))

	for _, w := range j.writes {
		if w.off >= end || w.end() <= off {
			continue
		}

		lo := max(w.off, off)
		hi := min(w.end(), end)
		copy(p[lo-off:hi-off], w.data[lo-w.off:hi-w.off])
	}

	return n, nil
}

func (j *journalIO) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p), j.base.Size()); err != nil {
		return 0, err
	}

	data := make([]byte, len(p))
	copy(data, p)

	end := off + int64(len(p))

	// Replace an earlier write of exactly the same range if nothing issued
	// after it overlaps; buckets and the header are rewritten many times per
	// commit.
	for i := len(j.writes) - 1; i >= 0; i-- {
		w := j.writes[i]
		if w.off == off && w.end() == end {
			j.writes[i].data = data
			return len(p), nil
		}

		if w.off < end && w.end() > off {
			break
		}
	}

	j.writes = append(j.writes, pageWrite{off: off, data: data})

	return len(p), nil
}

func (j *journalIO) Size() int64             { return j.base.Size() }
func (j *journalIO) Extend(size int64) error { return j.base.Extend(size) }

func (j *journalIO) Truncate(size int64) error { return j.base.Truncate(size) }

// Sync syncs the base only; pending writes become durable through the
// snapshot file, not here.
func (j *journalIO) Sync() error { return j.base.Sync() }

func (j *journalIO) Close() error { return j.base.Close() }

// pending returns the writes not yet applied to the base.
func (j *journalIO) pending() []pageWrite { return j.writes }

// apply writes every pending write to the base in order and clears them.
func (j *journalIO) apply() error {
	for _, w := range j.writes {
		if err := writeFull(j.base, w.data, uint64(w.off)); err != nil {
			return err
		}
	}

	j.writes = nil

	return nil
}

// reset drops every pending write.
func (j *journalIO) reset() { j.writes = nil }
