// Package vfs models the file tree a sandboxed process exports. Paths are
// absolute and slash separated regardless of host OS.
package vfs

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/gaspardpetit/lspbridge/internal/logx"
)

// FS is the subset of filesystem operations the bridge needs.
type FS interface {
	// Mkdir creates a single directory. It returns an error matching
	// fs.ErrExist when the directory is already present.
	Mkdir(name string) error
	WriteFile(name string, data []byte) error
	ReadFile(name string) ([]byte, error)
	// Walk lists every regular file and directory below root. Entries that
	// cannot be read are skipped; only a missing or unreadable root fails.
	Walk(root string) (Listing, error)
}

// Listing separates files from directories.
type Listing struct {
	Files       []string
	Directories []string
}

// Clean normalizes name into an absolute slash path.
func Clean(name string) string {
	return path.Clean("/" + strings.TrimLeft(name, "/"))
}

// Tree adapts an afero filesystem to FS. It is safe for concurrent use.
type Tree struct {
	fs   afero.Fs
	root string
}

// NewMemFS returns an empty in-memory tree.
func NewMemFS() *Tree {
	return &Tree{fs: afero.NewMemMapFs()}
}

// NewOSFS returns a tree rooted at the host directory dir. The virtual path
// "/workspace/a.c" lives at filepath.Join(dir, "workspace", "a.c").
func NewOSFS(dir string) *Tree {
	return &Tree{fs: afero.NewBasePathFs(afero.NewOsFs(), dir), root: dir}
}

// Root is the host directory backing the tree, empty for memory trees.
func (t *Tree) Root() string { return t.root }

// HostPath converts a virtual path into its location on the host.
func (t *Tree) HostPath(name string) string {
	return filepath.Join(t.root, filepath.FromSlash(Clean(name)))
}

func (t *Tree) Mkdir(name string) error {
	return t.fs.Mkdir(Clean(name), 0o755)
}

func (t *Tree) WriteFile(name string, data []byte) error {
	return afero.WriteFile(t.fs, Clean(name), data, 0o644)
}

func (t *Tree) ReadFile(name string) ([]byte, error) {
	return afero.ReadFile(t.fs, Clean(name))
}

func (t *Tree) Walk(root string) (Listing, error) {
	root = Clean(root)
	var l Listing
	err := afero.Walk(t.fs, root, func(p string, info os.FileInfo, err error) error {
		name := Clean(filepath.ToSlash(p))
		if err != nil {
			if name == root {
				return err
			}
			logx.Log.Warn().Err(err).Str("path", name).Msg("skipping unreadable entry")
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case info.IsDir():
			if name != root {
				l.Directories = append(l.Directories, name)
			}
		case info.Mode().IsRegular():
			l.Files = append(l.Files, name)
		default:
			logx.Log.Debug().Str("path", name).Str("mode", info.Mode().Type().String()).Msg("skipping non-regular file")
		}
		return nil
	})
	if err != nil {
		return Listing{}, err
	}
	sort.Strings(l.Directories)
	sort.Strings(l.Files)
	return l, nil
}
