package manifest

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"

	"ldrop/internal/logging"
	"ldrop/internal/metrics"
	"ldrop/internal/protocol"
)

// maxLinkHops bounds symlink chains, as the kernel does with ELOOP.
const maxLinkHops = 40

// Builder accumulates user selections into a Manifest. It is not safe for
// concurrent use.
type Builder struct {
	fs    billy.Filesystem
	log   *zap.Logger
	dirs  []PathEntry
	files []PathEntry
}

// Option configures a Builder.
type Option func(*Builder)

// WithFilesystem replaces the local disk with another billy filesystem.
// Paths given to Add must be absolute within it.
func WithFilesystem(filesystem billy.Filesystem) Option {
	return func(b *Builder) { b.fs = filesystem }
}

// WithLogger sets the logger used for warnings.
func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) { b.log = l }
}

// NewBuilder creates an empty builder reading the local disk.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{}
	for _, opt := range opts {
		opt(b)
	}
	if b.fs == nil {
		b.fs = osfs.New(string(filepath.Separator))
	}
	if b.log == nil {
		b.log = logging.L()
	}
	return b
}

// Add adds a selected path. Problems never abort the call: each one is
// returned as a Warning and the affected entry is left out. A missing path
// leaves the builder untouched.
func (b *Builder) Add(path string) []Warning {
	var warns []Warning
	warn := func(p, target string, err error) {
		w := Warning{Path: p, Target: target, Err: err}
		warns = append(warns, w)
		metrics.RecordManifestWarning(reason(err))
		if w.Notice() {
			b.log.Info("selection redirected", zap.String("path", p), zap.String("target", target))
		} else {
			b.log.Warn("skipping path", zap.String("path", p), zap.Error(err))
		}
	}

	abs := path
	if !filepath.IsAbs(abs) {
		if a, err := filepath.Abs(path); err == nil {
			abs = a
		}
	}
	abs = filepath.Clean(abs)

	info, err := b.fs.Lstat(abs)
	if err != nil {
		warn(path, "", notExist(abs, err))
		return warns
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, tinfo, err := b.resolve(abs)
		if err != nil {
			warn(path, "", err)
			return warns
		}
		warn(path, target, ErrSymlinkRedirect)
		abs, info = target, tinfo
	}

	if info.IsDir() {
		b.addDir(abs, info, warn)
		return warns
	}

	name, err := protocol.CleanRelPath(filepath.Base(abs))
	if err != nil {
		warn(abs, "", err)
		return warns
	}
	entry, err := Validate(b.fs, abs)
	if err != nil {
		warn(abs, "", err)
		return warns
	}
	entry.RelPath = name
	b.files = append(b.files, entry)
	return warns
}

func (b *Builder) addDir(root string, info os.FileInfo, warn func(p, target string, err error)) {
	parent := filepath.Dir(root)
	rel := func(p string) (string, error) {
		r, err := filepath.Rel(parent, p)
		if err != nil {
			return "", err
		}
		return protocol.CleanRelPath(filepath.ToSlash(r))
	}

	rootRel, err := rel(root)
	if err != nil {
		warn(root, "", err)
		return
	}
	b.dirs = append(b.dirs, PathEntry{Kind: Directory, RelPath: rootRel, Source: root, ModTime: info.ModTime()})

	_ = util.Walk(b.fs, root, func(p string, fi os.FileInfo, err error) error {
		if fi == nil {
			warn(p, "", notExist(p, err))
			return nil
		}
		if p == root {
			if err != nil {
				warn(p, "", err)
			}
			return nil
		}

		r, rerr := rel(p)
		if rerr != nil {
			warn(p, "", rerr)
			return nil
		}

		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			target, tinfo, lerr := b.resolve(p)
			if lerr != nil {
				warn(p, "", lerr)
				return nil
			}
			if tinfo.IsDir() {
				warn(p, target, ErrSymlinkDir)
				return nil
			}
			entry, verr := Validate(b.fs, target)
			if verr != nil {
				warn(p, "", verr)
				return nil
			}
			warn(p, target, ErrSymlinkRedirect)
			entry.RelPath = r
			b.files = append(b.files, entry)

		case fi.IsDir():
			// an unreadable directory is still recreated on the peer
			b.dirs = append(b.dirs, PathEntry{Kind: Directory, RelPath: r, Source: p, ModTime: fi.ModTime()})
			if err != nil {
				warn(p, "", err)
			}

		default:
			entry, verr := Validate(b.fs, p)
			if verr != nil {
				warn(p, "", verr)
				return nil
			}
			entry.RelPath = r
			b.files = append(b.files, entry)
		}
		return nil
	})
}

// resolve follows a symlink chain to its final target.
func (b *Builder) resolve(link string) (string, os.FileInfo, error) {
	p := link
	for range maxLinkHops {
		target, err := b.fs.Readlink(p)
		if err != nil {
			return "", nil, notExist(p, err)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(p), target)
		}
		target = filepath.Clean(target)

		info, err := b.fs.Lstat(target)
		if err != nil {
			return "", nil, notExist(target, err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return target, info, nil
		}
		p = target
	}
	return "", nil, ErrSymlinkLoop
}

// Remove drops entries by their position in the flattened ordering, where
// [0, numDirs) are directories and the rest are files. Out-of-range indices
// are ignored.
func (b *Builder) Remove(indices ...int) {
	numDirs := len(b.dirs)
	total := numDirs + len(b.files)

	drop := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i < 0 || i >= total {
			b.log.Debug("remove index out of range", zap.Int("index", i), zap.Int("len", total))
			continue
		}
		drop[i] = true
	}
	if len(drop) == 0 {
		return
	}

	dirs := make([]PathEntry, 0, numDirs)
	for i, d := range b.dirs {
		if !drop[i] {
			dirs = append(dirs, d)
		}
	}
	files := make([]PathEntry, 0, len(b.files))
	for i, f := range b.files {
		if !drop[numDirs+i] {
			files = append(files, f)
		}
	}
	b.dirs, b.files = dirs, files
}

// Manifest returns a snapshot of the current selection.
func (b *Builder) Manifest() Manifest {
	return Manifest{
		Directories: slices.Clone(b.dirs),
		Files:       slices.Clone(b.files),
	}
}

// Len returns the number of entries.
func (b *Builder) Len() int {
	return len(b.dirs) + len(b.files)
}

// Reset clears the selection.
func (b *Builder) Reset() {
	b.dirs, b.files = nil, nil
}

func notExist(path string, err error) error {
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return &ValidationError{Path: path, Err: ErrNotExist, Cause: err}
	}
	return &ValidationError{Path: path, Err: ErrOpen, Cause: err}
}
