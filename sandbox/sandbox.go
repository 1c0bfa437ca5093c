// Package sandbox wraps an OS directory capability so that every
// path-taking operation is evaluated relative to that capability, with
// symlink traversal confined to the subtree, per spec.md §4.2. It is the
// authoritative guarantor of containment: the mount resolver's lexical
// checks are defense in depth, never the sole guarantee.
package sandbox

import (
	"io"
	"os"
	"time"

	"github.com/schlep/schlep/errs"
)

// FileKind distinguishes a File handle from a Dir handle, mirroring
// spec.md §3's Open handle Kind field.
type FileKind int

const (
	KindFile FileKind = iota
	KindDir
)

// OpenFlags mirrors the SFTP v3 OPEN flag bits from spec.md §6, kept as
// its own type so callers never have to import the wire protocol package
// to open a file.
type OpenFlags uint32

const (
	FlagRead   OpenFlags = 0x1
	FlagWrite  OpenFlags = 0x2
	FlagAppend OpenFlags = 0x4
	FlagCreat  OpenFlags = 0x8
	FlagTrunc  OpenFlags = 0x10
	FlagExcl   OpenFlags = 0x20
)

// FileInfo is the subset of attributes the VFS composer and SFTP engine
// need, independent of host os.FileInfo so synthesized directories can
// satisfy the same shape.
type FileInfo struct {
	Name    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	IsDir   bool
}

// DirEntry is one entry returned by ReadDir.
type DirEntry struct {
	Name string
	Info FileInfo
}

// File is an open file handle inside a capability's subtree.
type File interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Stat() (FileInfo, error)
	Close() error
}

// Dir is an open directory handle inside a capability's subtree.
type Dir interface {
	// ReadDir returns up to n entries (n <= 0 means all remaining). It
	// returns io.EOF once exhausted, matching the batching semantics the
	// SFTP engine needs for READDIR (spec.md §4.8).
	ReadDir(n int) ([]DirEntry, error)
	Close() error
}

// Capability is an OS-level directory handle granting access only to the
// subtree rooted at its local_root, per spec.md §3's Mount definition.
// Every method is evaluated relative to the capability; none may read,
// write, or observe anything outside the subtree even in the presence of
// attacker-controlled symlinks (spec.md §4.2).
type Capability struct {
	root     string
	rootFile *os.File // O_DIRECTORY handle kept open for the process lifetime
}

// Open acquires a directory capability rooted at localRoot. The handle is
// held for the process lifetime per spec.md §9 ("each mount exclusively
// owns its directory capability for the process lifetime").
func Open(localRoot string) (*Capability, error) {
	f, err := os.OpenFile(localRoot, os.O_RDONLY, 0)
	if err != nil {
		return nil, errs.IoFailuref("sandbox.Open", "opening capability root %s: %v", localRoot, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errs.IoFailuref("sandbox.Open", "stat capability root %s: %v", localRoot, err)
	}
	if !info.IsDir() {
		_ = f.Close()
		return nil, errs.InvalidInputf("sandbox.Open", "capability root %s is not a directory", localRoot)
	}
	return &Capability{root: localRoot, rootFile: f}, nil
}

// Close releases the capability's root handle. Only called at process
// exit (spec.md §9: "mount teardown happens only at process exit").
func (c *Capability) Close() error {
	return c.rootFile.Close()
}

// Root returns the host path this capability is rooted at, for logging
// only — never use it to build paths for a second independent open,
// which would defeat the beneath guarantee.
func (c *Capability) Root() string {
	return c.root
}
