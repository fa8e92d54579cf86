// Package manifest builds the ordered list of directories and files a user
// selected for one transfer.
//
// Paths in a manifest are relative to the parent directory of each selected
// path and always use forward slashes, so the receiving side can recreate the
// tree on any platform.
package manifest

import (
	"fmt"
	"time"
)

// Kind tells directories and files apart.
type Kind int

const (
	Directory Kind = iota
	File
)

func (k Kind) String() string {
	if k == Directory {
		return "DIR"
	}
	return "FILE"
}

// PathEntry is a single directory or file record.
type PathEntry struct {
	Kind    Kind
	RelPath string // slash-separated, relative to the selection's parent
	Source  string // absolute path the content is read from
	Size    int64
	ModTime time.Time
	MIME    string
}

func (e PathEntry) String() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.RelPath)
}

// Manifest is an immutable snapshot of a selection. Directories always come
// before files in the flattened ordering used for display and removal.
type Manifest struct {
	Directories []PathEntry
	Files       []PathEntry
}

// Len returns the number of entries in the flattened ordering.
func (m Manifest) Len() int {
	return len(m.Directories) + len(m.Files)
}

// Empty reports whether there is nothing to send.
func (m Manifest) Empty() bool {
	return m.Len() == 0
}

// Entries returns the flattened ordering: directories, then files.
func (m Manifest) Entries() []PathEntry {
	out := make([]PathEntry, 0, m.Len())
	out = append(out, m.Directories...)
	return append(out, m.Files...)
}

// TotalBytes sums the recorded file sizes.
func (m Manifest) TotalBytes() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}
