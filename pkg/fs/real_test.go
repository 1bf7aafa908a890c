package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func Test_RealFS_Exists_Returns_False_When_Path_Does_Not_Exist(t *testing.T) {
	fs := NewReal()
	dir := t.TempDir()

	exists, err := fs.Exists(filepath.Join(dir, "does-not-exist.db"))

	if got, want := err, error(nil); !errors.Is(got, want) {
		t.Fatalf("err=%v, want=%v", got, want)
	}

	if got, want := exists, false; got != want {
		t.Fatalf("exists=%v, want=%v", got, want)
	}
}

func Test_RealFS_Exists_Returns_True_When_Path_Is_A_File(t *testing.T) {
	fs := NewReal()
	path := filepath.Join(t.TempDir(), "exists.db")

	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	exists, err := fs.Exists(path)
	if err != nil {
		t.Fatalf("err=%v, want=nil", err)
	}

	if got, want := exists, true; got != want {
		t.Fatalf("exists=%v, want=%v", got, want)
	}
}

func Test_RealFS_File_Positioned_IO_Does_Not_Move_Offset(t *testing.T) {
	fs := NewReal()
	path := filepath.Join(t.TempDir(), "pos.db")

	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	if err := f.Truncate(16); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	if _, err := f.WriteAt([]byte("abcd"), 8); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, 8); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if got, want := string(buf), "abcd"; got != want {
		t.Fatalf("ReadAt=%q, want=%q", got, want)
	}

	pos, err := f.Seek(0, 1)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}

	if pos != 0 {
		t.Fatalf("offset=%d after positioned I/O, want 0", pos)
	}
}

func Test_RealFS_Remove_Returns_ErrNotExist_When_Missing(t *testing.T) {
	fs := NewReal()

	err := fs.Remove(filepath.Join(t.TempDir(), "missing.snap0"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err=%v, want %v", err, os.ErrNotExist)
	}
}
