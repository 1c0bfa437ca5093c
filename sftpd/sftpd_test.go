package sftpd_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"testing"

	pkgsftp "github.com/pkg/sftp"
	"github.com/stretchr/testify/require"

	"github.com/schlep/schlep/mount"
	"github.com/schlep/schlep/sandbox"
	"github.com/schlep/schlep/session"
	"github.com/schlep/schlep/sftpd"
	"github.com/schlep/schlep/vfs"
)

// pipeChannel adapts a net.Conn to ssh.Channel for tests, so sftpd.Server
// can be driven directly by github.com/pkg/sftp's client over a net.Pipe
// instead of a real SSH connection.
type pipeChannel struct {
	net.Conn
	stderr bytes.Buffer
}

func (p *pipeChannel) CloseWrite() error { return nil }
func (p *pipeChannel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	return false, nil
}
func (p *pipeChannel) Stderr() io.ReadWriter { return &p.stderr }

func buildTestVFS(t *testing.T) *vfs.VFS {
	t.Helper()
	root := t.TempDir()
	table, err := mount.NewTable([]*mount.Mount{{VFSRoot: "/data", LocalRoot: root}})
	require.NoError(t, err)
	rootCap, err := sandbox.Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rootCap.Close() })
	return vfs.New(table, map[string]*sandbox.Capability{"/data": rootCap}, 0o640, 0o750)
}

func startServer(t *testing.T, v *vfs.VFS) *pkgsftp.Client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	srv := sftpd.New(v)
	sess := session.New("alice")
	go srv.Serve(context.Background(), sess, &pipeChannel{Conn: serverConn})

	client, err := pkgsftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestWriteReadRoundTrip(t *testing.T) {
	client := startServer(t, buildTestVFS(t))

	f, err := client.Create("/data/hello.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello schlep"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := client.Open("/data/hello.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(f2)
	require.NoError(t, err)
	require.Equal(t, "hello schlep", string(data))
	require.NoError(t, f2.Close())
}

func TestMkdirAndReadDir(t *testing.T) {
	client := startServer(t, buildTestVFS(t))

	require.NoError(t, client.Mkdir("/data/sub"))
	f, err := client.Create("/data/sub/file.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := client.ReadDir("/data/sub")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "file.txt", entries[0].Name())
}

func TestSyntheticAncestorListing(t *testing.T) {
	root1 := t.TempDir()
	root2 := t.TempDir()
	table, err := mount.NewTable([]*mount.Mount{
		{VFSRoot: "/mnt/a", LocalRoot: root1},
		{VFSRoot: "/mnt/b", LocalRoot: root2},
	})
	require.NoError(t, err)
	capA, err := sandbox.Open(root1)
	require.NoError(t, err)
	capB, err := sandbox.Open(root2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = capA.Close(); _ = capB.Close() })
	v := vfs.New(table, map[string]*sandbox.Capability{"/mnt/a": capA, "/mnt/b": capB}, 0o640, 0o750)

	client := startServer(t, v)

	entries, err := client.ReadDir("/mnt")
	require.NoError(t, err)
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
		require.True(t, e.IsDir())
	}
	require.True(t, names["a"])
	require.True(t, names["b"])
}

func TestRemoveAndRename(t *testing.T) {
	client := startServer(t, buildTestVFS(t))

	f, err := client.Create("/data/a.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, client.Rename("/data/a.txt", "/data/b.txt"))
	_, err = client.Stat("/data/a.txt")
	require.Error(t, err)
	_, err = client.Stat("/data/b.txt")
	require.NoError(t, err)

	require.NoError(t, client.Remove("/data/b.txt"))
	_, err = client.Stat("/data/b.txt")
	require.Error(t, err)
}

func TestSymlinkAndReadlink(t *testing.T) {
	client := startServer(t, buildTestVFS(t))

	f, err := client.Create("/data/target.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, client.Symlink("target.txt", "/data/link.txt"))
	target, err := client.ReadLink("/data/link.txt")
	require.NoError(t, err)
	require.Equal(t, "target.txt", target)
}

func TestSetstatPermissions(t *testing.T) {
	client := startServer(t, buildTestVFS(t))

	f, err := client.Create("/data/perm.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, client.Chmod("/data/perm.txt", 0o600))
	info, err := client.Stat("/data/perm.txt")
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileTruncateViaSetstat(t *testing.T) {
	client := startServer(t, buildTestVFS(t))

	f, err := client.Create("/data/big.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, client.Truncate("/data/big.txt", 4))
	info, err := client.Stat("/data/big.txt")
	require.NoError(t, err)
	require.EqualValues(t, 4, info.Size())
}

// TestWritesRejectedAtSyntheticPath covers spec.md §4.3's rule that
// creates are only legal at mounted paths: an attempt to create a file
// directly under a synthesized ancestor must fail.
func TestWritesRejectedAtSyntheticPath(t *testing.T) {
	root1 := t.TempDir()
	table, err := mount.NewTable([]*mount.Mount{{VFSRoot: "/mnt/a", LocalRoot: root1}})
	require.NoError(t, err)
	capA, err := sandbox.Open(root1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = capA.Close() })
	v := vfs.New(table, map[string]*sandbox.Capability{"/mnt/a": capA}, 0o640, 0o750)

	client := startServer(t, v)

	_, err = client.Create("/mnt/oops.txt")
	require.Error(t, err)
}
