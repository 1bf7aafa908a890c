package hashdb_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/hashdb/pkg/hashdb"
)

func testPath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "test.hdb")
}

// openDB opens path and closes the handle when the test ends.
func openDB(t *testing.T, path string, mode hashdb.Mode, opts hashdb.Options) *hashdb.DB {
	t.Helper()

	db, err := hashdb.Open(path, mode, opts)
	if err != nil {
		t.Fatalf("Open(%s, %s): %v", path, mode, err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func mustStore(t *testing.T, db *hashdb.DB, key, value string) {
	t.Helper()

	if err := db.Store([]byte(key), []byte(value), hashdb.Replace); err != nil {
		t.Fatalf("Store(%q): %v", key, err)
	}
}

func mustDelete(t *testing.T, db *hashdb.DB, key string) {
	t.Helper()

	if err := db.Delete([]byte(key)); err != nil {
		t.Fatalf("Delete(%q): %v", key, err)
	}
}

func mustFetch(t *testing.T, db *hashdb.DB, key string) string {
	t.Helper()

	value, err := db.Fetch([]byte(key))
	if err != nil {
		t.Fatalf("Fetch(%q): %v", key, err)
	}

	return string(value)
}

func requireNotFound(t *testing.T, db *hashdb.DB, key string) {
	t.Helper()

	_, err := db.Fetch([]byte(key))
	if !errors.Is(err, hashdb.ErrNotFound) {
		t.Fatalf("Fetch(%q): err=%v, want %v", key, err, hashdb.ErrNotFound)
	}
}

// contents returns every record via Iterate.
func contents(t *testing.T, db *hashdb.DB) map[string]string {
	t.Helper()

	got := make(map[string]string)

	err := db.Iterate(func(key, value []byte) bool {
		if _, dup := got[string(key)]; dup {
			t.Errorf("Iterate visited %q twice", key)
		}

		got[string(key)] = string(value)

		return true
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}

	return got
}

func requireContents(t *testing.T, db *hashdb.DB, want map[string]string) {
	t.Helper()

	if diff := cmp.Diff(want, contents(t, db)); diff != "" {
		t.Fatalf("contents mismatch (-want +got):\n%s", diff)
	}

	for k, v := range want {
		if got := mustFetch(t, db, k); got != v {
			t.Fatalf("Fetch(%q)=%q, want %q", k, got, v)
		}
	}
}

// requireConsistent runs Check and verifies the byte accounting.
func requireConsistent(t *testing.T, db *hashdb.DB) hashdb.CheckReport {
	t.Helper()

	report, err := db.Check()
	if err != nil {
		t.Fatalf("Check: %v\nproblems: %v", err, report.Problems)
	}

	if sum := report.MetaBytes + report.LiveBytes + report.FreeBytes; sum != report.FileSize {
		t.Fatalf("meta %d + live %d + free %d = %d, file size %d",
			report.MetaBytes, report.LiveBytes, report.FreeBytes, sum, report.FileSize)
	}

	return report
}

func stats(t *testing.T, db *hashdb.DB) hashdb.Stats {
	t.Helper()

	s, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	return s
}

// keyHash parses keys of the form "h<uint32>" into their hash, so tests can
// place keys in chosen buckets.
func keyHash(key []byte) uint32 {
	n, err := strconv.ParseUint(string(key[1:]), 10, 32)
	if err != nil {
		panic(fmt.Sprintf("key %q is not h<uint32>", key))
	}

	return uint32(n)
}

func hashKey(h uint32) string { return "h" + strconv.FormatUint(uint64(h), 10) }
