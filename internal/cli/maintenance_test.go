package cli_test

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/hashdb/internal/cli"
)

// smallBlockCLI returns a CLI whose project config creates 512-byte block
// files, so a handful of keys spans several buckets.
func smallBlockCLI(t *testing.T) *cli.CLI {
	t.Helper()

	c := cli.NewCLI(t)
	c.WriteFile(".hdbtool.json", `{"block_size": 512}`)

	return c
}

func putKeys(t *testing.T, c *cli.CLI, n int) {
	t.Helper()

	var b strings.Builder
	for i := range n {
		fmt.Fprintf(&b, "put key-%03d value-%03d\n", i, i)
	}

	_, stderr, code := c.RunWithInput(b.String(), "shell")
	if code != 0 {
		t.Fatalf("shell: exitCode=%d stderr=%s", code, stderr)
	}
}

// corruptDirectoryEntry points directory entry 0 of a 512-byte block file
// past the end of the file.
func corruptDirectoryEntry(t *testing.T, path string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)

	var bad [8]byte
	binary.LittleEndian.PutUint64(bad[:], 1<<40)

	_, err = f.WriteAt(bad[:], 512)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func Test_Check_Reports_OK_When_File_Consistent(t *testing.T) {
	t.Parallel()

	c := smallBlockCLI(t)
	putKeys(t, c, 50)

	out := c.MustRun("check")
	cli.AssertContains(t, out, c.Path("data.hdb")+": ok (50 records")
}

func Test_Check_Fails_When_Any_File_Corrupt(t *testing.T) {
	t.Parallel()

	c := smallBlockCLI(t)
	c.MustRun("-d", "a.hdb", "put", "k", "v")
	c.MustRun("-d", "b.hdb", "put", "k", "v")
	c.MustRun("-d", "bad.hdb", "put", "k", "v")
	corruptDirectoryEntry(t, c.Path("bad.hdb"))

	stdout, stderr, code := c.Run("check", "a.hdb", "b.hdb", "bad.hdb")
	if code != 1 {
		t.Fatalf("exitCode=%d, want 1\nstdout: %s", code, stdout)
	}

	cli.AssertContains(t, stdout, c.Path("a.hdb")+": ok")
	cli.AssertContains(t, stdout, c.Path("b.hdb")+": ok")
	cli.AssertContains(t, stdout, c.Path("bad.hdb")+": ")
	cli.AssertContains(t, stdout, "file is corrupt")
	cli.AssertContains(t, stderr, "consistency check failed: 1 of 3 files")
}

func Test_Recover_Restores_Records_When_Directory_Damaged(t *testing.T) {
	t.Parallel()

	c := smallBlockCLI(t)
	putKeys(t, c, 20)
	corruptDirectoryEntry(t, c.Path("data.hdb"))

	stderr := c.MustFail("get", "key-000")
	cli.AssertContains(t, stderr, "file is corrupt")

	out := c.MustRun("recover")
	cli.AssertContains(t, out, "Recovered 20 records")
	cli.AssertContains(t, out, "damaged_buckets=1")

	c.MustRun("check")

	if got, want := c.MustRun("get", "key-007"), "value-007"; got != want {
		t.Fatalf("get=%q, want %q", got, want)
	}
}

func Test_Reorg_Shrinks_File_When_Most_Records_Deleted(t *testing.T) {
	t.Parallel()

	c := smallBlockCLI(t)
	putKeys(t, c, 300)

	var del strings.Builder
	for i := range 300 {
		if i%10 != 0 {
			fmt.Fprintf(&del, "del key-%03d\n", i)
		}
	}

	_, stderr, code := c.RunWithInput(del.String(), "shell")
	if code != 0 {
		t.Fatalf("shell: exitCode=%d stderr=%s", code, stderr)
	}

	before, err := os.Stat(c.Path("data.hdb"))
	require.NoError(t, err)

	out := c.MustRun("reorg")
	cli.AssertContains(t, out, "Reorganized "+c.Path("data.hdb"))

	after, err := os.Stat(c.Path("data.hdb"))
	require.NoError(t, err)
	require.Less(t, after.Size(), before.Size())

	if got, want := c.MustRun("count"), "30"; got != want {
		t.Fatalf("count=%q, want %q", got, want)
	}

	if got, want := c.MustRun("get", "key-290"), "value-290"; got != want {
		t.Fatalf("get=%q, want %q", got, want)
	}

	c.MustRun("check")
}

func Test_Stat_Prints_Geometry_When_Database_Exists(t *testing.T) {
	t.Parallel()

	c := smallBlockCLI(t)
	putKeys(t, c, 3)

	out := c.MustRun("stat")
	cli.AssertContains(t, out, "path="+c.Path("data.hdb"))
	cli.AssertContains(t, out, "records=3")
	cli.AssertContains(t, out, "block_size=512")
	cli.AssertContains(t, out, "dir_entries=64")
	cli.AssertContains(t, out, "io=mmap")
}
