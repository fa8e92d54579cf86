package protocol

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var ErrUnsafePath = errors.New("protocol: unsafe path")

// CleanRelPath validates a forward-slash path relative to the transfer root
// and returns it in canonical form. Absolute paths, backslashes and any path
// that leaves the root are rejected.
func CleanRelPath(p string) (string, error) {
	if p == "" || strings.ContainsRune(p, '\\') || strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, p)
	}
	if path.IsAbs(p) || (len(p) >= 2 && p[1] == ':') {
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafePath, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q leaves the root", ErrUnsafePath, p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q has a parent component", ErrUnsafePath, p)
		}
	}
	return clean, nil
}
