package vfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spf13/afero"
)

func exercise(t *testing.T, v FS) {
	t.Helper()
	if err := v.Mkdir("/workspace"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := v.Mkdir("/workspace"); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("expected ErrExist got %v", err)
	}
	if err := v.Mkdir("/workspace/src"); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}
	if err := v.WriteFile("/workspace/main.cpp", []byte("int main(){}")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := v.WriteFile("/workspace/src/a.h", []byte("#pragma once")); err != nil {
		t.Fatalf("write nested: %v", err)
	}
	b, err := v.ReadFile("/workspace/main.cpp")
	if err != nil || string(b) != "int main(){}" {
		t.Fatalf("read: %q %v", b, err)
	}
	if _, err := v.ReadFile("/workspace/missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist got %v", err)
	}
	l, err := v.Walk("/workspace")
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	wantFiles := []string{"/workspace/main.cpp", "/workspace/src/a.h"}
	if !reflect.DeepEqual(l.Files, wantFiles) {
		t.Fatalf("files = %v; want %v", l.Files, wantFiles)
	}
	if !reflect.DeepEqual(l.Directories, []string{"/workspace/src"}) {
		t.Fatalf("dirs = %v", l.Directories)
	}
}

func TestMemFS(t *testing.T) {
	m := NewMemFS()
	exercise(t, m)
	if m.Root() != "" {
		t.Fatalf("memory tree has host root %q", m.Root())
	}
	all, err := m.Walk("/")
	if err != nil {
		t.Fatalf("walk root: %v", err)
	}
	if len(all.Files) != 2 || len(all.Directories) != 2 {
		t.Fatalf("unexpected root listing %+v", all)
	}
}

func TestOSFS(t *testing.T) {
	dir := t.TempDir()
	o := NewOSFS(dir)
	exercise(t, o)
	if got, want := o.HostPath("workspace/src/a.h"), filepath.Join(dir, "workspace", "src", "a.h"); got != want {
		t.Fatalf("HostPath = %q; want %q", got, want)
	}
	if _, err := os.Stat(o.HostPath("/workspace/main.cpp")); err != nil {
		t.Fatalf("file not on host: %v", err)
	}
}

func TestWalkMissingRoot(t *testing.T) {
	for name, v := range map[string]FS{"mem": NewMemFS(), "os": NewOSFS(t.TempDir())} {
		if _, err := v.Walk("/nope"); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("%s: expected ErrNotExist got %v", name, err)
		}
	}
}

func TestClean(t *testing.T) {
	for in, want := range map[string]string{
		"workspace/a.c":   "/workspace/a.c",
		"/workspace//a.c": "/workspace/a.c",
		"/workspace/../b": "/b",
		"":                "/",
	} {
		if got := Clean(in); got != want {
			t.Fatalf("Clean(%q) = %q; want %q", in, got, want)
		}
	}
}

type lockedFs struct {
	afero.Fs
	locked string
}

func (l lockedFs) Open(name string) (afero.File, error) {
	if name == l.locked {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
	}
	return l.Fs.Open(name)
}

func TestWalkSkipsUnreadableDirectory(t *testing.T) {
	m := NewMemFS()
	for _, d := range []string{"/workspace", "/workspace/locked", "/workspace/src"} {
		if err := m.Mkdir(d); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	for _, f := range []string{"/workspace/a.cpp", "/workspace/locked/b.cpp", "/workspace/src/c.cpp"} {
		if err := m.WriteFile(f, []byte("x")); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
	tree := &Tree{fs: lockedFs{Fs: m.fs, locked: "/workspace/locked"}}
	l, err := tree.Walk("/workspace")
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if want := []string{"/workspace/a.cpp", "/workspace/src/c.cpp"}; !reflect.DeepEqual(l.Files, want) {
		t.Fatalf("files = %v; want %v", l.Files, want)
	}

	tree = &Tree{fs: lockedFs{Fs: m.fs, locked: "/workspace"}}
	if _, err := tree.Walk("/workspace"); !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("expected unreadable root to fail, got %v", err)
	}
}
