package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// implementations runs fn against both filesystems, rooted at a fresh dir.
func implementations(t *testing.T, fn func(t *testing.T, fsys FileSystem, root string)) {
	t.Run("os", func(t *testing.T) { fn(t, OSFileSystem{}, t.TempDir()) })
	t.Run("memory", func(t *testing.T) {
		mfs := NewMemoryFileSystem()
		if err := mfs.MkdirAll("/data", 0o755); err != nil {
			t.Fatal(err)
		}
		fn(t, mfs, "/data")
	})
}

func TestFileSystem_WriteAndRead(t *testing.T) {
	implementations(t, func(t *testing.T, fsys FileSystem, root string) {
		name := filepath.Join(root, "test.txt")
		if err := fsys.WriteFile(name, []byte("hello, world"), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		data, err := fsys.ReadFile(name)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if string(data) != "hello, world" {
			t.Errorf("expected %q, got %q", "hello, world", data)
		}
		if !fsys.Exists(name) {
			t.Error("expected file to exist")
		}
	})
}

func TestFileSystem_AppendAndTruncate(t *testing.T) {
	implementations(t, func(t *testing.T, fsys FileSystem, root string) {
		name := filepath.Join(root, "chunk.csv.part")
		for _, part := range []string{"header\n", "row1\n", "row2\n"} {
			n, err := fsys.AppendFile(name, []byte(part))
			if err != nil {
				t.Fatalf("AppendFile failed: %v", err)
			}
			if n != len(part) {
				t.Errorf("AppendFile wrote %d bytes, want %d", n, len(part))
			}
		}

		data, err := fsys.ReadFile(name)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if len(data) != len("header\nrow1\nrow2\n") {
			t.Errorf("size = %d", len(data))
		}

		if err := fsys.Truncate(name, int64(len("header\nrow1\n"))); err != nil {
			t.Fatalf("Truncate failed: %v", err)
		}
		data, _ = fsys.ReadFile(name)
		if string(data) != "header\nrow1\n" {
			t.Errorf("after truncate got %q", data)
		}
	})
}

func TestFileSystem_Rename(t *testing.T) {
	implementations(t, func(t *testing.T, fsys FileSystem, root string) {
		oldName := filepath.Join(root, "a.part")
		newName := filepath.Join(root, "a.csv")
		if err := fsys.WriteFile(oldName, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := fsys.WriteFile(newName, []byte("stale"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := fsys.Rename(oldName, newName); err != nil {
			t.Fatalf("Rename failed: %v", err)
		}
		if fsys.Exists(oldName) {
			t.Error("old name should be gone")
		}
		data, _ := fsys.ReadFile(newName)
		if string(data) != "x" {
			t.Errorf("renamed file holds %q, want %q", data, "x")
		}

		err := fsys.Rename(filepath.Join(root, "missing"), newName)
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Rename of missing file: got %v, want ErrNotExist", err)
		}
	})
}

func TestFileSystem_CreateAndRemove(t *testing.T) {
	implementations(t, func(t *testing.T, fsys FileSystem, root string) {
		name := filepath.Join(root, "session.csv")
		w, err := fsys.Create(name)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if _, err := w.Write([]byte("combined")); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		data, _ := fsys.ReadFile(name)
		if string(data) != "combined" {
			t.Errorf("got %q", data)
		}

		if err := fsys.Remove(name); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if err := fsys.Remove(name); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("second Remove: got %v, want ErrNotExist", err)
		}
	})
}

func TestFileSystem_RemoveAll(t *testing.T) {
	implementations(t, func(t *testing.T, fsys FileSystem, root string) {
		dir := filepath.Join(root, "mission", "session_1")
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := fsys.WriteFile(filepath.Join(dir, "manifest.json"), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := fsys.RemoveAll(filepath.Join(root, "mission")); err != nil {
			t.Fatalf("RemoveAll failed: %v", err)
		}
		if fsys.Exists(dir) || fsys.Exists(filepath.Join(dir, "manifest.json")) {
			t.Error("expected directory tree to be removed")
		}
		if !fsys.Exists(root) {
			t.Error("root should survive")
		}
	})
}

func TestMemoryFileSystem_MkdirAllParents(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.MkdirAll("/a/b/c", 0o755)

	for _, dir := range []string{"/a", "/a/b", "/a/b/c"} {
		if !mfs.Exists(dir) {
			t.Errorf("%s should exist", dir)
		}
	}
}

func TestMemoryFileSystem_RemoveNonEmptyDir(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.MkdirAll("/d", 0o755)
	mfs.WriteFile("/d/f", []byte("x"), 0o644)

	if err := mfs.Remove("/d"); err == nil {
		t.Error("expected error removing non-empty directory")
	}
	mfs.Remove("/d/f")
	if err := mfs.Remove("/d"); err != nil {
		t.Errorf("Remove of empty dir failed: %v", err)
	}
}

func TestMemoryFileSystem_DataIsolation(t *testing.T) {
	mfs := NewMemoryFileSystem()
	original := []byte("original")
	mfs.WriteFile("/f", original, 0o644)
	original[0] = 'X'

	data, _ := mfs.ReadFile("/f")
	if string(data) != "original" {
		t.Errorf("stored data was aliased: %q", data)
	}
	data[0] = 'Y'
	again, _ := mfs.ReadFile("/f")
	if string(again) != "original" {
		t.Errorf("returned data was aliased: %q", again)
	}
}

func TestMemoryFileSystem_Files(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.WriteFile("/s/chunk_00000.csv", nil, 0o644)
	mfs.WriteFile("/s/manifest.json", nil, 0o644)
	mfs.WriteFile("/other/x", nil, 0o644)

	got := mfs.Files("/s")
	sort.Strings(got)
	want := []string{"/s/chunk_00000.csv", "/s/manifest.json"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Files() = %v, want %v", got, want)
	}
}

func TestFaultyFileSystem(t *testing.T) {
	mfs := NewMemoryFileSystem()
	ffs := NewFaultyFileSystem(mfs)
	ffs.PartialAppend = 3
	ffs.Fail("append", ".part", 1)

	n, err := ffs.AppendFile("/c.part", []byte("abcdef"))
	if !errors.Is(err, ErrInjected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if n != 3 {
		t.Errorf("partial append wrote %d bytes, want 3", n)
	}

	// the fault is exhausted
	if _, err := ffs.AppendFile("/c.part", []byte("gh")); err != nil {
		t.Errorf("second append failed: %v", err)
	}
	data, _ := mfs.ReadFile("/c.part")
	if string(data) != "abcgh" {
		t.Errorf("got %q", data)
	}

	ffs.Fail("rename", "c.part", -1)
	for i := 0; i < 3; i++ {
		if err := ffs.Rename("/c.part", "/c.csv"); !errors.Is(err, ErrInjected) {
			t.Fatalf("rename %d: expected injected error, got %v", i, err)
		}
	}
	if err := ffs.Rename("/other", "/x"); errors.Is(err, ErrInjected) {
		t.Error("non-matching path should not trip the fault")
	}
	ffs.Clear()
	if err := ffs.Rename("/c.part", "/c.csv"); err != nil {
		t.Errorf("rename after Clear failed: %v", err)
	}
}
