package manifest

import (
	"errors"
	"fmt"

	"ldrop/internal/protocol"
)

var (
	ErrNotExist   = errors.New("path does not exist")
	ErrOpen       = errors.New("unable to open file")
	ErrNotRegular = errors.New("not a regular file")

	// ErrSymlinkRedirect is informational: the selection was replaced by
	// the link target.
	ErrSymlinkRedirect = errors.New("symlink replaced with its target")
	ErrSymlinkDir      = errors.New("symlink to directory not followed")
	ErrSymlinkLoop     = errors.New("too many levels of symbolic links")
)

// ValidationError reports a path that cannot be part of a manifest.
type ValidationError struct {
	Path  string
	Err   error // ErrNotExist, ErrOpen or ErrNotRegular
	Cause error // underlying filesystem error, if any
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v: %v", e.Path, e.Err, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ValidationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Warning is a non-fatal problem or notice raised while adding a path. The
// entry it names was skipped unless Err is ErrSymlinkRedirect.
type Warning struct {
	Path   string
	Target string // symlink target, for redirect notices
	Err    error
}

func (w Warning) Error() string {
	if w.Target != "" {
		return fmt.Sprintf("%s: %v: %s", w.Path, w.Err, w.Target)
	}
	var verr *ValidationError
	if errors.As(w.Err, &verr) && verr.Path == w.Path {
		return verr.Error()
	}
	return fmt.Sprintf("%s: %v", w.Path, w.Err)
}

func (w Warning) Unwrap() error {
	return w.Err
}

// Notice reports whether the warning is informational only.
func (w Warning) Notice() bool {
	return errors.Is(w.Err, ErrSymlinkRedirect)
}

// reason is the metrics label for a warning.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrNotExist):
		return "not_exist"
	case errors.Is(err, ErrNotRegular):
		return "not_regular"
	case errors.Is(err, ErrOpen):
		return "open"
	case errors.Is(err, ErrSymlinkRedirect):
		return "symlink_redirect"
	case errors.Is(err, ErrSymlinkDir):
		return "symlink_dir"
	case errors.Is(err, ErrSymlinkLoop):
		return "symlink_loop"
	case errors.Is(err, protocol.ErrUnsafePath):
		return "unsafe_path"
	default:
		return "walk"
	}
}
