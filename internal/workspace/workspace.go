// Package workspace writes the initial file tree of a sandboxed process
// before its main entry runs.
package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/lspbridge/internal/vfs"
)

const (
	// DefaultRoot is where the language server expects its workspace.
	DefaultRoot = "/workspace"
	// DefaultPattern selects the default workspace files.
	DefaultPattern = "*.{cpp,c,h,hpp}"
	// VolatileDefaultPattern selects volatile files when UseDefaultGlob is set.
	VolatileDefaultPattern = "**/*.{cpp,c,h,hpp}"
	// VolatileAllPattern is used when a descriptor names no patterns.
	VolatileAllPattern = "**/*"
)

// VolatileInput describes per-session files added to the workspace.
type VolatileInput struct {
	UseDefaultGlob       bool              `json:"useDefaultGlob" yaml:"use_default_glob"`
	Patterns             []string          `json:"patterns,omitempty" yaml:"patterns"`
	Files                map[string]string `json:"files,omitempty" yaml:"files"`
	IgnoreSubDirectories []string          `json:"ignoreSubDirectories,omitempty" yaml:"ignore_sub_directories"`
}

// Sources holds the trees files are copied from. Paths inside each fs.FS are
// relative to the workspace root.
type Sources struct {
	Root     string
	Baseline map[string][]byte
	Default  fs.FS
	Volatile fs.FS
}

// DefaultBaseline is the clangd configuration written into every workspace.
func DefaultBaseline() map[string][]byte {
	return map[string][]byte{
		".clangd": []byte("CompileFlags:\n  Add: [-std=c++20, -Wall]\n"),
	}
}

// LoadSources builds Sources from host directories. Empty directories are
// skipped; an empty baseline directory falls back to DefaultBaseline.
func LoadSources(root, baselineDir, defaultDir, volatileDir string) (Sources, error) {
	src := Sources{Root: root, Baseline: DefaultBaseline()}
	if baselineDir != "" {
		b, err := readTree(os.DirFS(baselineDir))
		if err != nil {
			return Sources{}, err
		}
		src.Baseline = b
	}
	if defaultDir != "" {
		src.Default = os.DirFS(defaultDir)
	}
	if volatileDir != "" {
		src.Volatile = os.DirFS(volatileDir)
	}
	return src, nil
}

func readTree(fsys fs.FS) (map[string][]byte, error) {
	out := map[string][]byte{}
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		out[p] = b
		return nil
	})
	return out, err
}

// Request selects which optional sets are written.
type Request struct {
	LoadWorkspace bool
	Volatile      *VolatileInput
}

// Result reports what a Populate call did.
type Result struct {
	Directories []string
	Written     []string
	Skipped     []string
	Failed      []string
}

type input struct {
	target string
	load   func() ([]byte, error)
}

// Populate writes the baseline, then the default workspace when requested,
// then the volatile input. Write failures are logged and recorded in Result;
// only a failure to create the root directory is returned.
func Populate(v vfs.FS, src Sources, req Request, log zerolog.Logger) (Result, error) {
	root := src.Root
	if root == "" {
		root = DefaultRoot
	}
	root = vfs.Clean(root)
	var res Result

	if err := v.Mkdir(root); err != nil && !errors.Is(err, fs.ErrExist) {
		return res, err
	}
	var baseline []input
	for _, name := range sortedKeys(src.Baseline) {
		data := src.Baseline[name]
		baseline = append(baseline, input{
			target: path.Join(root, name),
			load:   func() ([]byte, error) { return data, nil },
		})
	}
	write(v, baseline, nil, &res, log)

	if req.LoadWorkspace && src.Default != nil {
		in, err := collect(src.Default, root, []string{DefaultPattern})
		if err != nil {
			log.Error().Err(err).Msg("default workspace selection failed")
		}
		write(v, in, nil, &res, log)
	}

	if vol := req.Volatile; vol != nil {
		var in []input
		if src.Volatile != nil {
			patterns := vol.Patterns
			if vol.UseDefaultGlob {
				patterns = []string{VolatileDefaultPattern}
			} else if len(patterns) == 0 {
				patterns = []string{VolatileAllPattern}
			}
			var err error
			in, err = collect(src.Volatile, root, patterns)
			if err != nil {
				log.Error().Err(err).Msg("volatile selection failed")
			}
		}
		for _, name := range sortedKeys(vol.Files) {
			data := []byte(vol.Files[name])
			in = append(in, input{
				target: path.Join(root, name),
				load:   func() ([]byte, error) { return data, nil },
			})
		}
		write(v, in, vol.IgnoreSubDirectories, &res, log)
	}
	return res, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// collect returns every file of fsys matching one of patterns, in walk order.
func collect(fsys fs.FS, root string, patterns []string) ([]input, error) {
	var in []input
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !matchAny(patterns, p) {
			return nil
		}
		in = append(in, input{
			target: path.Join(root, p),
			load:   func() ([]byte, error) { return fs.ReadFile(fsys, p) },
		})
		return nil
	})
	return in, err
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// excludedBy returns the first fragment contained in dir, if any.
func excludedBy(dir string, ignore []string) (string, bool) {
	for _, frag := range ignore {
		if frag != "" && strings.Contains(dir, frag) {
			return frag, true
		}
	}
	return "", false
}

// write creates the ancestors of every kept target once, in first-seen
// order, then writes the files.
func write(v vfs.FS, in []input, ignore []string, res *Result, log zerolog.Logger) {
	var (
		dirs []string
		seen = map[string]bool{}
		kept []input
	)
	for _, f := range in {
		f.target = vfs.Clean(f.target)
		dir := path.Dir(f.target)
		if frag, ok := excludedBy(dir, ignore); ok {
			log.Debug().Str("file", f.target).Str("ignore", frag).Msg("skipping excluded file")
			res.Skipped = append(res.Skipped, f.target)
			continue
		}
		for _, a := range ancestors(dir) {
			if !seen[a] {
				seen[a] = true
				dirs = append(dirs, a)
			}
		}
		kept = append(kept, f)
	}

	for _, d := range dirs {
		err := v.Mkdir(d)
		switch {
		case err == nil:
			res.Directories = append(res.Directories, d)
		case errors.Is(err, fs.ErrExist):
			log.Debug().Str("dir", d).Msg("directory already exists")
		default:
			log.Error().Err(err).Str("dir", d).Msg("create directory failed")
		}
	}

	for _, f := range kept {
		data, err := f.load()
		if err == nil {
			err = v.WriteFile(f.target, data)
		}
		if err != nil {
			log.Error().Err(err).Str("file", f.target).Msg("write file failed")
			res.Failed = append(res.Failed, f.target)
			continue
		}
		res.Written = append(res.Written, f.target)
	}
}

// ancestors lists dir and its parents from the top down, excluding "/".
func ancestors(dir string) []string {
	if dir == "/" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(dir, "/"), "/")
	out := make([]string, 0, len(parts))
	cur := ""
	for _, p := range parts {
		cur += "/" + p
		out = append(out, cur)
	}
	return out
}
