package hashdb

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/hashdb/pkg/fs"
)

func snapshotBytes(seq uint64, writes []pageWrite) []byte {
	head, payload := encodeSnapshot(seq, 512, writes)
	copy(head[jOffMarkerSeq:], encodeMarker(head))

	return append(head, payload...)
}

func Test_DecodeSnapshot_Returns_Writes_When_Marker_Is_Valid(t *testing.T) {
	t.Parallel()

	writes := []pageWrite{
		{off: 0, data: []byte("header")},
		{off: 4096, data: []byte{}},
		{off: 1024, data: []byte("bucket bytes")},
	}

	rec := decodeSnapshot(snapshotBytes(7, writes))
	require.NotNil(t, rec, "committed snapshot rejected")

	if got, want := rec.seq, uint64(7); got != want {
		t.Fatalf("seq=%d, want %d", got, want)
	}

	if diff := cmp.Diff(writes, rec.writes, cmp.AllowUnexported(pageWrite{})); diff != "" {
		t.Fatalf("writes mismatch (-want +got):\n%s", diff)
	}

	if got, want := rec.end(), int64(4096); got != want {
		t.Fatalf("end=%d, want %d", got, want)
	}
}

func Test_DecodeSnapshot_Returns_Nil_When_Snapshot_Is_Not_Committed(t *testing.T) {
	t.Parallel()

	writes := []pageWrite{{off: 512, data: []byte("payload")}}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{name: "missing marker", mutate: func(b []byte) []byte {
			clear(b[jOffMarkerSeq:jOffPayload])
			return b
		}},
		{name: "torn payload", mutate: func(b []byte) []byte {
			b[len(b)-1] ^= 0xFF
			return b
		}},
		{name: "truncated", mutate: func(b []byte) []byte { return b[:len(b)-3] }},
		{name: "header changed after marker", mutate: func(b []byte) []byte {
			b[jOffSeq]++
			return b
		}},
		{name: "too short", mutate: func(b []byte) []byte { return b[:jOffPayload-1] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if rec := decodeSnapshot(tt.mutate(snapshotBytes(3, writes))); rec != nil {
				t.Fatalf("decodeSnapshot accepted %s snapshot", tt.name)
			}
		})
	}
}

func Test_LatestSnapshot_Picks_Highest_Committed_Sequence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	paths := [2]string{filepath.Join(dir, "a.snap0"), filepath.Join(dir, "a.snap1")}
	fsys := fs.NewReal()

	rec, slot, err := latestSnapshot(fsys, paths)
	require.NoError(t, err)

	if rec != nil || slot != -1 {
		t.Fatalf("no files: rec=%v slot=%d, want nil and -1", rec, slot)
	}

	require.NoError(t, writeTestFile(paths[0], snapshotBytes(9, nil)))
	require.NoError(t, writeTestFile(paths[1], snapshotBytes(8, nil)))

	rec, slot, err = latestSnapshot(fsys, paths)
	require.NoError(t, err)

	if rec == nil || rec.seq != 9 || slot != 0 {
		t.Fatalf("got rec=%v slot=%d, want seq 9 in slot 0", rec, slot)
	}

	require.NoError(t, removeSnapshots(fsys, paths))
	require.NoError(t, removeSnapshots(fsys, paths), "removing missing snapshots")
}

func Test_RollForward_Extends_Base_And_Applies_Writes(t *testing.T) {
	t.Parallel()

	base := newMemStorage(8)
	rec := &snapshotRecord{seq: 1, blockSize: 512, writes: []pageWrite{
		{off: 2, data: []byte("ab")},
		{off: 10, data: []byte("cd")},
	}}

	require.NoError(t, rollForward(base, rec))

	if got, want := string(base.data), "\x00\x00ab\x00\x00\x00\x00\x00\x00cd"; got != want {
		t.Fatalf("base=%q, want %q", got, want)
	}
}
