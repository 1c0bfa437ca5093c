package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schlep/schlep/mount"
	"github.com/schlep/schlep/sandbox"
)

func buildVFS(t *testing.T, mounts []*mount.Mount) (*VFS, map[string]string) {
	t.Helper()
	table, err := mount.NewTable(mounts)
	require.NoError(t, err)
	caps := make(map[string]*sandbox.Capability, len(mounts))
	for _, m := range mounts {
		cap, err := sandbox.Open(m.LocalRoot)
		require.NoError(t, err)
		caps[m.VFSRoot] = cap
	}
	return New(table, caps, 0o666, 0o777), nil
}

func tempMount(t *testing.T, vfsRoot string) *mount.Mount {
	t.Helper()
	dir := t.TempDir()
	return &mount.Mount{VFSRoot: vfsRoot, LocalRoot: dir}
}

// TestSyntheticAncestorListing covers end-to-end scenario 1 of spec.md
// §8: mounts /pub and /home/alice, OPENDIR / yields {pub, home} and
// OPENDIR /home yields {alice}.
func TestSyntheticAncestorListing(t *testing.T) {
	pub := tempMount(t, "/pub")
	alice := tempMount(t, "/home/alice")
	v, _ := buildVFS(t, []*mount.Mount{pub, alice})

	root, err := v.Resolve("/", "/")
	require.NoError(t, err)
	require.Equal(t, mount.Synthetic, root.Kind)
	entries, err := v.ListDir(root)
	require.NoError(t, err)
	names := entryNames(entries)
	assert.ElementsMatch(t, []string{"pub", "home"}, names)

	home, err := v.Resolve("/home", "/")
	require.NoError(t, err)
	require.Equal(t, mount.Synthetic, home.Kind)
	entries, err = v.ListDir(home)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice"}, entryNames(entries))
}

func entryNames(entries []sandbox.DirEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestMountedDirectoryListing(t *testing.T) {
	pub := tempMount(t, "/pub")
	require.NoError(t, os.WriteFile(filepath.Join(pub.LocalRoot, "a.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(pub.LocalRoot, "sub"), 0o755))
	v, _ := buildVFS(t, []*mount.Mount{pub})

	r, err := v.Resolve("/pub", "/")
	require.NoError(t, err)
	require.Equal(t, mount.Mounted, r.Kind)
	entries, err := v.ListDir(r)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "sub"}, entryNames(entries))
}

func TestWritesRejectedAtSyntheticPath(t *testing.T) {
	alice := tempMount(t, "/home/alice")
	v, _ := buildVFS(t, []*mount.Mount{alice})

	r, err := v.Resolve("/home", "/")
	require.NoError(t, err)
	require.Equal(t, mount.Synthetic, r.Kind)

	err = v.Mkdir(r)
	require.Error(t, err)

	_, err = v.OpenFile(r, sandbox.FlagWrite|sandbox.FlagCreat, 0o644)
	require.Error(t, err)
}

// TestCrossMountRenameUnsupported covers end-to-end scenario 3 of
// spec.md §8.
func TestCrossMountRenameUnsupported(t *testing.T) {
	pub := tempMount(t, "/pub")
	alice := tempMount(t, "/home/alice")
	require.NoError(t, os.WriteFile(filepath.Join(alice.LocalRoot, "x"), []byte("x"), 0o644))
	v, _ := buildVFS(t, []*mount.Mount{pub, alice})

	oldR, err := v.Resolve("/home/alice/x", "/")
	require.NoError(t, err)
	newR, err := v.Resolve("/pub/x", "/")
	require.NoError(t, err)

	err = v.Rename(oldR, newR)
	require.Error(t, err)

	_, statErr := v.capFor(alice)
	_ = statErr
	_, err = os.Stat(filepath.Join(alice.LocalRoot, "x"))
	assert.NoError(t, err, "original file must remain untouched")
	_, err = os.Stat(filepath.Join(pub.LocalRoot, "x"))
	assert.Error(t, err, "destination must not have been created")
}

func TestSymlinkEscapeRejected(t *testing.T) {
	pub := tempMount(t, "/pub")
	v, _ := buildVFS(t, []*mount.Mount{pub})

	r, err := v.Resolve("/pub/escape", "/")
	require.NoError(t, err)

	err = v.Symlink("../../etc/passwd", r)
	require.Error(t, err)

	err = v.Symlink("/etc/passwd", r)
	require.Error(t, err)
}
