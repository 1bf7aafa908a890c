package hashdb_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/hashdb/pkg/hashdb"
)

func Test_Reorganize_Shrinks_File_And_Keeps_Contents_When_Most_Records_Deleted(t *testing.T) {
	t.Parallel()

	for _, atomic := range []bool{false, true} {
		t.Run(fmt.Sprintf("failure-atomic=%v", atomic), func(t *testing.T) {
			t.Parallel()

			path := testPath(t)
			opts := hashdb.Options{BlockSize: 512, FailureAtomic: atomic}
			db := openDB(t, path, hashdb.ModeNewDB, opts)

			want := make(map[string]string)

			for i := range 300 {
				k := fmt.Sprintf("key-%d", i)
				v := strings.Repeat("v", 200)
				mustStore(t, db, k, v)

				if i%10 == 0 {
					want[k] = v
				} else {
					mustDelete(t, db, k)
				}
			}

			before := stats(t, db)

			require.NoError(t, db.Reorganize())

			after := stats(t, db)
			if after.FileSize >= before.FileSize {
				t.Fatalf("FileSize=%d after Reorganize, want < %d", after.FileSize, before.FileSize)
			}

			assert.Greater(t, after.CommitSeq, before.CommitSeq, "commit sequence continues")
			assert.Equal(t, "idle", hashdb.StateForTesting(db))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, after.FileSize, info.Size())

			requireContents(t, db, want)
			requireConsistent(t, db)

			// The database stays locked and the handle writable.
			_, err = hashdb.Open(path, hashdb.ModeReader, hashdb.Options{})
			require.ErrorIs(t, err, hashdb.ErrLocked)

			mustStore(t, db, "after", "reorg")
			want["after"] = "reorg"

			_, err = os.Stat(path + ".reorg")
			require.ErrorIs(t, err, os.ErrNotExist)

			require.NoError(t, db.Close())

			requireContents(t, openDB(t, path, hashdb.ModeReader, hashdb.Options{}), want)
		})
	}
}

func Test_Open_Returns_ErrCorrupt_And_Recover_Restores_Records_When_Directory_Entry_Damaged(t *testing.T) {
	t.Parallel()

	path := testPath(t)
	db := openDB(t, path, hashdb.ModeNewDB, hashdb.Options{BlockSize: 512})
	want := populate(t, db, 20)
	require.Equal(t, 6, stats(t, db).DirBits)
	require.NoError(t, db.Close())

	// Entry 0 of the directory, which starts at block 1.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)

	var bad [8]byte
	binary.LittleEndian.PutUint64(bad[:], 1<<40)

	_, err = f.WriteAt(bad[:], 512)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = hashdb.Open(path, hashdb.ModeReader, hashdb.Options{})
	require.ErrorIs(t, err, hashdb.ErrCorrupt)
	assert.Equal(t, hashdb.KindFormat, hashdb.KindOf(err))

	report, err := hashdb.Recover(path, hashdb.Options{})
	require.NoError(t, err)

	assert.Equal(t, len(want), report.Recovered)
	assert.Equal(t, 1, report.DamagedBuckets)
	assert.Zero(t, report.BadRecords)
	assert.Zero(t, report.Duplicates)

	recovered := openDB(t, path, hashdb.ModeWriter, hashdb.Options{})
	requireContents(t, recovered, want)
	requireConsistent(t, recovered)

	_, err = os.Stat(path + ".recover")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func Test_Recover_Skips_Record_When_Its_Bytes_No_Longer_Match_Its_Hash(t *testing.T) {
	t.Parallel()

	path := testPath(t)
	db := openDB(t, path, hashdb.ModeNewDB, hashdb.Options{BlockSize: 512})
	mustStore(t, db, "victim", "value")
	require.NoError(t, db.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	i := bytes.Index(data, []byte("victimvalue"))
	require.Positive(t, i, "record bytes")

	data[i] = 'V'
	require.NoError(t, os.WriteFile(path, data, 0o600))

	db = openDB(t, path, hashdb.ModeWriter, hashdb.Options{})
	mustStore(t, db, "healthy", "ok")

	report, err := db.Check()
	require.ErrorIs(t, err, hashdb.ErrCorrupt)
	require.False(t, report.OK())
	require.NoError(t, db.Close())

	rr, err := hashdb.Recover(path, hashdb.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rr.BadRecords)
	assert.Equal(t, 1, rr.Recovered)

	requireContents(t, openDB(t, path, hashdb.ModeReader, hashdb.Options{}), map[string]string{"healthy": "ok"})
}

func Test_Recover_Returns_ErrLocked_When_Database_Open(t *testing.T) {
	t.Parallel()

	path := testPath(t)
	openDB(t, path, hashdb.ModeNewDB, hashdb.Options{})

	_, err := hashdb.Recover(path, hashdb.Options{})
	require.ErrorIs(t, err, hashdb.ErrLocked)
}

func Test_Dump_Load_Round_Trips_Contents_When_Loaded_Into_New_Database(t *testing.T) {
	t.Parallel()

	src := openDB(t, testPath(t), hashdb.ModeNewDB, hashdb.Options{BlockSize: 1024})

	want := map[string]string{
		"empty":      "",
		"binary\x00": "\x00\x01\xff",
		"spaces":     "a b c\n",
	}

	for i := range 200 {
		want[fmt.Sprintf("key-%d", i)] = strings.Repeat("z", i)
	}

	for k, v := range want {
		mustStore(t, src, k, v)
	}

	var buf bytes.Buffer

	n, err := src.Dump(&buf)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.True(t, strings.HasPrefix(buf.String(), "# hashdb dump v1\n"))

	dst := openDB(t, testPath(t), hashdb.ModeNewDB, hashdb.Options{})

	loaded, err := dst.Load(bytes.NewReader(buf.Bytes()), hashdb.Insert)
	require.NoError(t, err)
	assert.Equal(t, len(want), loaded)

	requireContents(t, dst, want)

	// Loading again with Insert stops at the first existing key.
	_, err = dst.Load(bytes.NewReader(buf.Bytes()), hashdb.Insert)
	require.ErrorIs(t, err, hashdb.ErrKeyExists)

	_, err = dst.Load(bytes.NewReader(buf.Bytes()), hashdb.Replace)
	require.NoError(t, err)
}

func Test_Load_Returns_ErrInvalidInput_When_Dump_Malformed(t *testing.T) {
	t.Parallel()

	src := openDB(t, testPath(t), hashdb.ModeNewDB, hashdb.Options{})
	populate(t, src, 10)

	var buf bytes.Buffer

	_, err := src.Dump(&buf)
	require.NoError(t, err)

	full := buf.String()
	trailer := strings.LastIndex(full, "#:count=")

	tests := map[string]string{
		"truncated":     full[:trailer],
		"no header":     strings.SplitN(full, "\n", 2)[1],
		"wrong count":   full[:trailer] + "#:count=11\n",
		"bad base64":    "# hashdb dump v1\n!!! AAAA\n#:count=1\n",
		"missing value": "# hashdb dump v1\nAAAA\n#:count=1\n",
		"empty input":   "",
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dst := openDB(t, testPath(t), hashdb.ModeNewDB, hashdb.Options{})

			_, err := dst.Load(strings.NewReader(input), hashdb.Insert)
			if !errors.Is(err, hashdb.ErrInvalidInput) {
				t.Fatalf("Load: err=%v, want %v", err, hashdb.ErrInvalidInput)
			}

			mustStore(t, dst, "still", "usable")
		})
	}
}

func Test_Check_Reports_Geometry_When_Database_Healthy(t *testing.T) {
	t.Parallel()

	db := openDB(t, testPath(t), hashdb.ModeNewDB, hashdb.Options{BlockSize: 512})
	populate(t, db, 50)

	report := requireConsistent(t, db)

	assert.True(t, report.OK())
	assert.Equal(t, 512, report.BlockSize)
	assert.Equal(t, 50, report.Records)
	assert.Equal(t, report.FileSize, report.NextBlock)
	assert.Positive(t, report.Buckets)
	assert.Empty(t, report.Problems)
}
