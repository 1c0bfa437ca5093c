//go:build unix

package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRejectsNonDirectory(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	_, err := Open(f)
	require.Error(t, err)
}

func TestReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cap, err := Open(dir)
	require.NoError(t, err)
	defer cap.Close()

	f, err := cap.OpenFile("a.txt", FlagRead|FlagWrite|FlagCreat, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
	require.NoError(t, f.Close())
}

// TestSymlinkContainment covers end-to-end scenario 2 of spec.md §8: a
// symlink inside the capability pointing outside it must never be
// followed to read data beyond the subtree.
func TestSymlinkContainment(t *testing.T) {
	outer := t.TempDir()
	secret := filepath.Join(outer, "secret")
	require.NoError(t, os.WriteFile(secret, []byte("do not read"), 0o600))

	root := filepath.Join(outer, "root")
	require.NoError(t, os.Mkdir(root, 0o755))
	require.NoError(t, os.Symlink(filepath.Join("..", "secret"), filepath.Join(root, "link")))

	cap, err := Open(root)
	require.NoError(t, err)
	defer cap.Close()

	_, err = cap.OpenFile("link", FlagRead, 0)
	require.Error(t, err)
}

func TestSymlinkAbsoluteEscapeRejected(t *testing.T) {
	outer := t.TempDir()
	root := filepath.Join(outer, "root")
	require.NoError(t, os.Mkdir(root, 0o755))
	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(root, "link")))

	cap, err := Open(root)
	require.NoError(t, err)
	defer cap.Close()

	_, err = cap.OpenFile("link", FlagRead, 0)
	require.Error(t, err)
}

func TestMkdirRmdir(t *testing.T) {
	dir := t.TempDir()
	cap, err := Open(dir)
	require.NoError(t, err)
	defer cap.Close()

	require.NoError(t, cap.Mkdir("sub", 0o755))
	info, err := cap.Stat("sub")
	require.NoError(t, err)
	assert.True(t, info.IsDir)
	require.NoError(t, cap.Rmdir("sub"))
	_, err = cap.Stat("sub")
	require.Error(t, err)
}

func TestRenameWithinCapability(t *testing.T) {
	dir := t.TempDir()
	cap, err := Open(dir)
	require.NoError(t, err)
	defer cap.Close()

	f, err := cap.OpenFile("old", FlagWrite|FlagCreat, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, cap.Rename("old", "new"))
	_, err = cap.Stat("new")
	require.NoError(t, err)
	_, err = cap.Stat("old")
	require.Error(t, err)
}
