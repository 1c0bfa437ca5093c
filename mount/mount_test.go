package mount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/", "/"},
		{"/a/b", "/a/b"},
		{"/a//b", "/a/b"},
		{"/a/./b", "/a/b"},
		{"/a/b/", "/a/b"},
		{"/a/../b", "/b"},
		{"/a/b/..", "/a"},
		{"/..", ""},      // escapes root: rejected, not clamped
		{"/a/../../b", ""}, // same, one level deeper
		{"", ""},
		{"relative", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, normalize(c.in), "normalize(%q)", c.in)
	}
}

func TestNewTableRejectsOverlap(t *testing.T) {
	_, err := NewTable([]*Mount{
		{VFSRoot: "/a", LocalRoot: "/tmp/a"},
		{VFSRoot: "/a/b", LocalRoot: "/tmp/b"},
	})
	require.Error(t, err)
}

func TestNewTableRejectsDuplicate(t *testing.T) {
	_, err := NewTable([]*Mount{
		{VFSRoot: "/a", LocalRoot: "/tmp/a"},
		{VFSRoot: "/a", LocalRoot: "/tmp/b"},
	})
	require.Error(t, err)
}

func TestNewTableRejectsInvalidRoot(t *testing.T) {
	_, err := NewTable([]*Mount{{VFSRoot: "relative", LocalRoot: "/tmp/a"}})
	require.Error(t, err)
}

// TestResolveLongestPrefix covers spec.md §4.1's requirement that a path
// under two nested-looking roots (only possible when they don't overlay,
// e.g. siblings under a common synthetic ancestor) always picks the most
// specific mount, and that a path under no mount or ancestor is rejected.
func TestResolveLongestPrefix(t *testing.T) {
	table, err := NewTable([]*Mount{
		{VFSRoot: "/home/alice", LocalRoot: "/tmp/alice"},
		{VFSRoot: "/home/bob", LocalRoot: "/tmp/bob"},
		{VFSRoot: "/pub", LocalRoot: "/tmp/pub"},
	})
	require.NoError(t, err)

	r, err := table.Resolve("/home/alice/docs/report.txt", "/")
	require.NoError(t, err)
	require.Equal(t, Mounted, r.Kind)
	assert.Equal(t, "/home/alice", r.Mount.VFSRoot)
	assert.Equal(t, "docs/report.txt", r.RelPath)

	r, err = table.Resolve("/home/alice", "/")
	require.NoError(t, err)
	require.Equal(t, Mounted, r.Kind)
	assert.Equal(t, "", r.RelPath)

	r, err = table.Resolve("/home/bob/x", "/")
	require.NoError(t, err)
	assert.Equal(t, "/home/bob", r.Mount.VFSRoot)

	_, err = table.Resolve("/home/carol", "/")
	require.Error(t, err)
}

// TestResolveSyntheticAncestors covers spec.md §8 scenario 1: every
// ancestor directory of a mount, including root, is listable as a
// synthetic directory even though nothing is actually mounted there.
func TestResolveSyntheticAncestors(t *testing.T) {
	table, err := NewTable([]*Mount{
		{VFSRoot: "/home/alice", LocalRoot: "/tmp/alice"},
		{VFSRoot: "/pub", LocalRoot: "/tmp/pub"},
	})
	require.NoError(t, err)

	for _, p := range []string{"/", "/home"} {
		r, err := table.Resolve(p, "/")
		require.NoError(t, err, p)
		assert.Equal(t, Synthetic, r.Kind, p)
	}

	root := table.ChildrenOf("/")
	assert.ElementsMatch(t, []string{"home", "pub"}, root)
	home := table.ChildrenOf("/home")
	assert.ElementsMatch(t, []string{"alice"}, home)

	// /pub/sub is neither a mount nor an ancestor of one: it is inside the
	// /pub mount, and resolving it is the mount's job, not an ancestor.
	r, err := table.Resolve("/pub/sub", "/")
	require.NoError(t, err)
	assert.Equal(t, Mounted, r.Kind)
}

func TestResolveRelativeToCwd(t *testing.T) {
	table, err := NewTable([]*Mount{{VFSRoot: "/home/alice", LocalRoot: "/tmp/alice"}})
	require.NoError(t, err)

	r, err := table.Resolve("docs", "/home/alice")
	require.NoError(t, err)
	assert.Equal(t, "docs", r.RelPath)
}

func TestResolveRejectsPathEscapingRoot(t *testing.T) {
	table, err := NewTable([]*Mount{{VFSRoot: "/home/alice", LocalRoot: "/tmp/alice"}})
	require.NoError(t, err)

	_, err = table.Resolve("/../etc/passwd", "/")
	require.Error(t, err)
}

func TestMountAt(t *testing.T) {
	table, err := NewTable([]*Mount{{VFSRoot: "/pub", LocalRoot: "/tmp/pub"}})
	require.NoError(t, err)

	m, ok := table.MountAt("/pub")
	require.True(t, ok)
	assert.Equal(t, "/tmp/pub", m.LocalRoot)

	_, ok = table.MountAt("/nope")
	assert.False(t, ok)
}
