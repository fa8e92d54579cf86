package manifest

import (
	"errors"
	"io/fs"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"
)

const defaultMIME = "application/octet-stream"

// Validate checks that path is a regular file that can be opened read-only
// and returns its File entry with Source, Size, ModTime and MIME filled in.
// The caller sets RelPath.
//
// The mode is checked before the open so that a FIFO never blocks.
func Validate(filesystem billy.Filesystem, path string) (PathEntry, error) {
	info, err := filesystem.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return PathEntry{}, &ValidationError{Path: path, Err: ErrNotExist, Cause: err}
		}
		return PathEntry{}, &ValidationError{Path: path, Err: ErrOpen, Cause: err}
	}
	if !info.Mode().IsRegular() {
		return PathEntry{}, &ValidationError{Path: path, Err: ErrNotRegular}
	}

	f, err := filesystem.Open(path)
	if err != nil {
		return PathEntry{}, &ValidationError{Path: path, Err: ErrOpen, Cause: err}
	}
	defer f.Close()

	mime := defaultMIME
	if m, err := mimetype.DetectReader(f); err == nil {
		mime = m.String()
	}

	return PathEntry{
		Kind:    File,
		Source:  path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		MIME:    mime,
	}, nil
}
