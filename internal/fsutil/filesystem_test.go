package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
)

func TestFileSystems_WriteAtomicAndRead(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		fsys FileSystem
		root string
	}{
		{"os", OSFileSystem{}, dir},
		{"memory", NewMemoryFileSystem(), "/session"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := filepath.Join(tc.root, "heart_rate")
			if err := tc.fsys.MkdirAll(sub, 0755); err != nil {
				t.Fatalf("MkdirAll: %v", err)
			}
			name := filepath.Join(sub, "manifest.json")
			if err := WriteFileAtomic(tc.fsys, name, []byte(`{"a":1}`), 0644); err != nil {
				t.Fatalf("WriteFileAtomic: %v", err)
			}
			if tc.fsys.Exists(name + ".tmp") {
				t.Error("temporary file left behind")
			}
			got, err := tc.fsys.ReadFile(name)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if string(got) != `{"a":1}` {
				t.Errorf("got %q", got)
			}
			info, err := tc.fsys.Stat(sub)
			if err != nil || !info.IsDir() {
				t.Errorf("Stat(%s) = %v, %v; want directory", sub, info, err)
			}
		})
	}
}

func TestMemoryFileSystem_WriteRequiresParent(t *testing.T) {
	m := NewMemoryFileSystem()
	err := m.WriteFile("/missing/file.txt", []byte("x"), 0644)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("got %v, want ErrNotExist", err)
	}
}

func TestMemoryFileSystem_FailWrites(t *testing.T) {
	m := NewMemoryFileSystem()
	m.FailWrites = ".tmp"
	_ = m.MkdirAll("/s", 0755)

	err := WriteFileAtomic(m, "/s/out.json", []byte("{}"), 0644)
	if !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("got %v, want ErrPermission", err)
	}
	if m.Exists("/s/out.json") {
		t.Error("destination should not exist after failed write")
	}
}

func TestMemoryFileSystem_RemoveNonEmptyDir(t *testing.T) {
	m := NewMemoryFileSystem()
	_ = m.MkdirAll("/s/sub", 0755)
	_ = m.WriteFile("/s/sub/a", []byte("a"), 0644)

	if err := m.Remove("/s/sub"); err == nil {
		t.Error("expected error removing non-empty directory")
	}
	if err := m.Remove("/s/sub/a"); err != nil {
		t.Fatalf("Remove file: %v", err)
	}
	if err := m.Remove("/s/sub"); err != nil {
		t.Fatalf("Remove dir: %v", err)
	}
	if m.Exists("/s/sub") {
		t.Error("directory still exists")
	}
	if err := m.Remove("/s/sub"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("got %v, want ErrNotExist", err)
	}
}

func TestMemoryFileSystem_RenameMissing(t *testing.T) {
	m := NewMemoryFileSystem()
	if err := m.Rename("/a", "/b"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("got %v, want ErrNotExist", err)
	}
}
