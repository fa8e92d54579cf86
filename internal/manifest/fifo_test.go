//go:build linux || darwin

package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func TestAdd_SkipsFIFOAndKeepsSiblings(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, unix.Mkfifo(filepath.Join(root, "pipe"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "z.txt"), []byte("z"), 0o644))

	b := NewBuilder(WithLogger(zap.NewNop()))
	warns := b.Add(root)

	require.Len(t, warns, 1)
	assert.True(t, errors.Is(warns[0], ErrNotRegular))
	assert.Equal(t, []string{"root/a.txt", "root/z.txt"}, relPaths(b.Manifest().Files))
}

func TestAdd_FIFOSelectedDirectly(t *testing.T) {
	pipe := filepath.Join(t.TempDir(), "pipe")
	require.NoError(t, unix.Mkfifo(pipe, 0o644))

	b := NewBuilder(WithLogger(zap.NewNop()))
	warns := b.Add(pipe)

	require.Len(t, warns, 1)
	assert.True(t, errors.Is(warns[0], ErrNotRegular))
	assert.Equal(t, 0, b.Len())
}
