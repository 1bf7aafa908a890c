package hashdb_test

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/hashdb/pkg/hashdb"
)

func Test_Fetch_Returns_Stored_Bytes_When_Database_Reopened_Read_Only(t *testing.T) {
	t.Parallel()

	path := testPath(t)

	db, err := hashdb.Create(path, hashdb.Options{BlockSize: 512})
	require.NoError(t, err)

	mustStore(t, db, "ABCD", "ABCD")
	require.NoError(t, db.Close())

	reader := openDB(t, path, hashdb.ModeReader, hashdb.Options{})

	value, err := reader.Fetch([]byte("ABCD"))
	require.NoError(t, err)

	if !bytes.Equal(value, []byte{0x41, 0x42, 0x43, 0x44}) {
		t.Fatalf("Fetch(ABCD)=%x, want 41424344", value)
	}

	requireNotFound(t, reader, "ZZZZ")

	if got, want := stats(t, reader).BlockSize, 512; got != want {
		t.Fatalf("BlockSize=%d, want %d", got, want)
	}
}

func Test_Fetch_Returns_Exact_Bytes_When_Values_Are_Empty_Or_Block_Sized(t *testing.T) {
	t.Parallel()

	path := testPath(t)
	db := openDB(t, path, hashdb.ModeNewDB, hashdb.Options{BlockSize: 512})

	values := map[string][]byte{
		"empty":       {},
		"one":         {0},
		"block":       bytes.Repeat([]byte{0xAB}, 512),
		"three":       bytes.Repeat([]byte("xyz"), 512),
		"binary\x00k": {0, 1, 2, 0xFF, 0},
	}

	for k, v := range values {
		require.NoError(t, db.Store([]byte(k), v, hashdb.Insert))
	}

	check := func(db *hashdb.DB) {
		for k, want := range values {
			got, err := db.Fetch([]byte(k))
			require.NoError(t, err, "Fetch(%q)", k)

			if !bytes.Equal(got, want) {
				t.Fatalf("Fetch(%q): got %d bytes, want %d", k, len(got), len(want))
			}
		}
	}

	check(db)
	requireConsistent(t, db)

	require.NoError(t, db.Close())

	check(openDB(t, path, hashdb.ModeReader, hashdb.Options{}))
}

func Test_Fetch_Returns_Copy_When_Caller_Modifies_Result(t *testing.T) {
	t.Parallel()

	db := openDB(t, testPath(t), hashdb.ModeNewDB, hashdb.Options{})
	mustStore(t, db, "k", "value")

	v, err := db.Fetch([]byte("k"))
	require.NoError(t, err)

	v[0] = 'X'

	if got := mustFetch(t, db, "k"); got != "value" {
		t.Fatalf("Fetch after caller modified result=%q, want %q", got, "value")
	}
}

func Test_Store_Insert_Returns_ErrKeyExists_And_Keeps_Value_When_Key_Present(t *testing.T) {
	t.Parallel()

	db := openDB(t, testPath(t), hashdb.ModeNewDB, hashdb.Options{})
	mustStore(t, db, "k", "first")

	err := db.Store([]byte("k"), []byte("second"), hashdb.Insert)
	if !errors.Is(err, hashdb.ErrKeyExists) {
		t.Fatalf("Store(Insert): err=%v, want %v", err, hashdb.ErrKeyExists)
	}

	if got := mustFetch(t, db, "k"); got != "first" {
		t.Fatalf("Fetch=%q, want %q", got, "first")
	}

	mustStore(t, db, "k", "second")

	if got := mustFetch(t, db, "k"); got != "second" {
		t.Fatalf("Fetch after Replace=%q, want %q", got, "second")
	}
}

func Test_Store_Replace_Keeps_File_Consistent_When_Value_Shrinks_And_Grows(t *testing.T) {
	t.Parallel()

	db := openDB(t, testPath(t), hashdb.ModeNewDB, hashdb.Options{BlockSize: 512})

	for _, n := range []int{10, 400, 3, 0, 2000, 17} {
		mustStore(t, db, "k", strings.Repeat("v", n))

		if got := mustFetch(t, db, "k"); len(got) != n {
			t.Fatalf("after storing %d bytes Fetch returned %d", n, len(got))
		}

		if r := requireConsistent(t, db); r.Records != 1 {
			t.Fatalf("Records=%d, want 1", r.Records)
		}
	}
}

func Test_Delete_Returns_ErrNotFound_And_Leaves_File_Unchanged_When_Key_Missing(t *testing.T) {
	t.Parallel()

	for _, atomic := range []bool{false, true} {
		path := testPath(t)
		db := openDB(t, path, hashdb.ModeNewDB, hashdb.Options{BlockSize: 512, FailureAtomic: atomic})

		for i := range 40 {
			mustStore(t, db, "key-"+strings.Repeat("x", i), "value")
		}

		mustDelete(t, db, "key-")

		before, err := os.ReadFile(path)
		require.NoError(t, err)

		seq := stats(t, db).CommitSeq

		err = db.Delete([]byte("missing"))
		if !errors.Is(err, hashdb.ErrNotFound) {
			t.Fatalf("Delete(missing): err=%v, want %v", err, hashdb.ErrNotFound)
		}

		after, err := os.ReadFile(path)
		require.NoError(t, err)

		if !bytes.Equal(before, after) {
			t.Fatalf("failure-atomic=%v: file changed by Delete of a missing key", atomic)
		}

		if got := stats(t, db).CommitSeq; got != seq {
			t.Fatalf("CommitSeq=%d after no-op delete, want %d", got, seq)
		}

		mustStore(t, db, "still", "usable")
	}
}

func Test_Delete_Removes_Key_When_Present(t *testing.T) {
	t.Parallel()

	db := openDB(t, testPath(t), hashdb.ModeNewDB, hashdb.Options{})
	mustStore(t, db, "a", "1")
	mustStore(t, db, "b", "2")

	mustDelete(t, db, "a")

	requireNotFound(t, db, "a")
	requireContents(t, db, map[string]string{"b": "2"})

	ok, err := db.Exists([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Operations_Return_ErrInvalidInput_And_Keep_Handle_Usable_When_Key_Empty(t *testing.T) {
	t.Parallel()

	db := openDB(t, testPath(t), hashdb.ModeNewDB, hashdb.Options{})

	for name, err := range map[string]error{
		"Store":  db.Store(nil, []byte("v"), hashdb.Replace),
		"Delete": db.Delete([]byte{}),
		"Fetch": func() error {
			_, err := db.Fetch(nil)
			return err
		}(),
	} {
		if !errors.Is(err, hashdb.ErrInvalidInput) {
			t.Errorf("%s(empty key): err=%v, want %v", name, err, hashdb.ErrInvalidInput)
		}
	}

	mustStore(t, db, "k", "v")
}

func Test_Reader_Returns_ErrReadOnly_When_Mutating(t *testing.T) {
	t.Parallel()

	path := testPath(t)
	w := openDB(t, path, hashdb.ModeNewDB, hashdb.Options{})
	mustStore(t, w, "k", "v")
	require.NoError(t, w.Close())

	r := openDB(t, path, hashdb.ModeReader, hashdb.Options{})

	if err := r.Store([]byte("k"), []byte("x"), hashdb.Replace); !errors.Is(err, hashdb.ErrReadOnly) {
		t.Fatalf("Store: err=%v, want %v", err, hashdb.ErrReadOnly)
	}

	if err := r.Delete([]byte("k")); !errors.Is(err, hashdb.ErrReadOnly) {
		t.Fatalf("Delete: err=%v, want %v", err, hashdb.ErrReadOnly)
	}

	if err := r.Reorganize(); !errors.Is(err, hashdb.ErrReadOnly) {
		t.Fatalf("Reorganize: err=%v, want %v", err, hashdb.ErrReadOnly)
	}

	if got := mustFetch(t, r, "k"); got != "v" {
		t.Fatalf("Fetch=%q, want %q", got, "v")
	}
}

func Test_Open_Returns_ErrLocked_When_Lock_Conflicts(t *testing.T) {
	t.Parallel()

	path := testPath(t)
	w := openDB(t, path, hashdb.ModeNewDB, hashdb.Options{})

	for _, mode := range []hashdb.Mode{hashdb.ModeReader, hashdb.ModeWriter, hashdb.ModeWrCreat, hashdb.ModeNewDB} {
		_, err := hashdb.Open(path, mode, hashdb.Options{})
		if !errors.Is(err, hashdb.ErrLocked) {
			t.Fatalf("Open(%s) while writer holds lock: err=%v, want %v", mode, err, hashdb.ErrLocked)
		}
	}

	require.NoError(t, w.Close())

	r1 := openDB(t, path, hashdb.ModeReader, hashdb.Options{})
	openDB(t, path, hashdb.ModeReader, hashdb.Options{})

	if _, err := hashdb.Open(path, hashdb.ModeWriter, hashdb.Options{}); !errors.Is(err, hashdb.ErrLocked) {
		t.Fatalf("Open(writer) while readers hold lock: err=%v, want %v", err, hashdb.ErrLocked)
	}

	_, err := r1.Count()
	require.NoError(t, err)
}

func Test_Open_Returns_ErrNotExist_When_File_Missing_For_Reader_And_Writer(t *testing.T) {
	t.Parallel()

	path := testPath(t)

	for _, mode := range []hashdb.Mode{hashdb.ModeReader, hashdb.ModeWriter} {
		if _, err := hashdb.Open(path, mode, hashdb.Options{}); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("Open(%s): err=%v, want %v", mode, err, os.ErrNotExist)
		}
	}

	db := openDB(t, path, hashdb.ModeWrCreat, hashdb.Options{})
	mustStore(t, db, "k", "v")
}

func Test_Open_Returns_ErrBadFormat_When_File_Is_Not_A_Database(t *testing.T) {
	t.Parallel()

	path := testPath(t)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not a database\n"), 400), 0o600))

	for _, mode := range []hashdb.Mode{hashdb.ModeReader, hashdb.ModeWriter, hashdb.ModeWrCreat} {
		if _, err := hashdb.Open(path, mode, hashdb.Options{}); !errors.Is(err, hashdb.ErrBadFormat) {
			t.Fatalf("Open(%s): err=%v, want %v", mode, err, hashdb.ErrBadFormat)
		}
	}

	if hashdb.KindOf(hashdb.ErrBadFormat) != hashdb.KindFormat {
		t.Fatal("ErrBadFormat is not a format error")
	}
}

func Test_Open_Returns_ErrInvalidInput_When_Options_Invalid(t *testing.T) {
	t.Parallel()

	path := testPath(t)

	for name, opts := range map[string]hashdb.Options{
		"block size not power of two": {BlockSize: 1000},
		"block size too small":        {BlockSize: 256},
		"cache too small":             {CacheSize: 1},
		"unknown backend":             {IO: hashdb.IOBackend(9)},
		"snapshot path is database":   {SnapshotPaths: [2]string{path, ""}},
	} {
		if _, err := hashdb.Open(path, hashdb.ModeNewDB, opts); !errors.Is(err, hashdb.ErrInvalidInput) {
			t.Errorf("%s: err=%v, want %v", name, err, hashdb.ErrInvalidInput)
		}
	}
}

func Test_Open_Keeps_Block_Size_Of_Existing_File_When_Options_Differ(t *testing.T) {
	t.Parallel()

	path := testPath(t)
	db := openDB(t, path, hashdb.ModeNewDB, hashdb.Options{BlockSize: 1024})
	mustStore(t, db, "k", "v")
	require.NoError(t, db.Close())

	db = openDB(t, path, hashdb.ModeWrCreat, hashdb.Options{BlockSize: 8192})

	if got, want := stats(t, db).BlockSize, 1024; got != want {
		t.Fatalf("BlockSize=%d, want %d", got, want)
	}

	requireContents(t, db, map[string]string{"k": "v"})
}

func Test_ModeNewDB_Discards_Existing_Contents(t *testing.T) {
	t.Parallel()

	path := testPath(t)
	db := openDB(t, path, hashdb.ModeNewDB, hashdb.Options{})
	mustStore(t, db, "k", "v")
	require.NoError(t, db.Close())

	db = openDB(t, path, hashdb.ModeNewDB, hashdb.Options{})

	n, err := db.Count()
	require.NoError(t, err)

	if n != 0 {
		t.Fatalf("Count=%d after ModeNewDB, want 0", n)
	}
}

func Test_Closed_Handle_Returns_ErrClosed_When_Used(t *testing.T) {
	t.Parallel()

	db, err := hashdb.Open(testPath(t), hashdb.ModeNewDB, hashdb.Options{})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "second Close")

	if _, err := db.Fetch([]byte("k")); !errors.Is(err, hashdb.ErrClosed) {
		t.Fatalf("Fetch: err=%v, want %v", err, hashdb.ErrClosed)
	}

	if err := db.Store([]byte("k"), nil, hashdb.Replace); !errors.Is(err, hashdb.ErrClosed) {
		t.Fatalf("Store: err=%v, want %v", err, hashdb.ErrClosed)
	}

	if err := db.Sync(); !errors.Is(err, hashdb.ErrClosed) {
		t.Fatalf("Sync: err=%v, want %v", err, hashdb.ErrClosed)
	}
}

func Test_Backends_Produce_Identical_Files_When_Given_Same_Operations(t *testing.T) {
	t.Parallel()

	files := make(map[hashdb.IOBackend][]byte)

	for _, backend := range []hashdb.IOBackend{hashdb.IOMmap, hashdb.IODirect} {
		path := testPath(t)
		db := openDB(t, path, hashdb.ModeNewDB, hashdb.Options{BlockSize: 512, IO: backend, CacheSize: 3})

		if got := stats(t, db).IO; got != backend {
			t.Fatalf("IO=%s, want %s", got, backend)
		}

		for i := range 300 {
			mustStore(t, db, "key-"+strings.Repeat("k", i%7)+string(rune('a'+i%26))+strings.Repeat("!", i/26), strings.Repeat("v", i%90))
		}

		for i := 0; i < 300; i += 3 {
			_ = db.Delete([]byte("key-" + strings.Repeat("k", i%7) + string(rune('a'+i%26)) + strings.Repeat("!", i/26)))
		}

		requireConsistent(t, db)
		require.NoError(t, db.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)

		files[backend] = data
	}

	if !bytes.Equal(files[hashdb.IOMmap], files[hashdb.IODirect]) {
		t.Fatalf("mmap and direct files differ (%d vs %d bytes)", len(files[hashdb.IOMmap]), len(files[hashdb.IODirect]))
	}
}
