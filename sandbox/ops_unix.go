//go:build unix

package sandbox

import (
	"io"
	"os"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/schlep/schlep/errs"
)

func toUnixFlags(flags OpenFlags) int {
	var out int
	switch {
	case flags&FlagRead != 0 && flags&FlagWrite != 0:
		out |= unix.O_RDWR
	case flags&FlagWrite != 0:
		out |= unix.O_WRONLY
	default:
		out |= unix.O_RDONLY
	}
	if flags&FlagAppend != 0 {
		out |= unix.O_APPEND
	}
	if flags&FlagCreat != 0 {
		out |= unix.O_CREAT
	}
	if flags&FlagTrunc != 0 {
		out |= unix.O_TRUNC
	}
	if flags&FlagExcl != 0 {
		out |= unix.O_EXCL
	}
	return out
}

type unixFile struct {
	f *os.File
}

func (u *unixFile) ReadAt(p []byte, off int64) (int, error)  { return u.f.ReadAt(p, off) }
func (u *unixFile) WriteAt(p []byte, off int64) (int, error) { return u.f.WriteAt(p, off) }
func (u *unixFile) Truncate(size int64) error                { return u.f.Truncate(size) }
func (u *unixFile) Sync() error                              { return u.f.Sync() }
func (u *unixFile) Close() error                              { return u.f.Close() }

func (u *unixFile) Stat() (FileInfo, error) {
	fi, err := u.f.Stat()
	if err != nil {
		return FileInfo{}, errs.IoFailuref("sandbox.Stat", "fstat: %v", err)
	}
	return toFileInfo(fi), nil
}

type unixDir struct {
	f       *os.File
	entries []os.DirEntry
	pos     int
	loaded  bool
}

func (d *unixDir) ReadDir(n int) ([]DirEntry, error) {
	if !d.loaded {
		ents, err := d.f.ReadDir(-1)
		if err != nil {
			return nil, errs.IoFailuref("sandbox.ReadDir", "readdir: %v", err)
		}
		sort.Slice(ents, func(i, j int) bool { return ents[i].Name() < ents[j].Name() })
		d.entries = ents
		d.loaded = true
	}
	if d.pos >= len(d.entries) {
		return nil, io.EOF
	}
	end := len(d.entries)
	if n > 0 && d.pos+n < end {
		end = d.pos + n
	}
	out := make([]DirEntry, 0, end-d.pos)
	for _, e := range d.entries[d.pos:end] {
		info, err := e.Info()
		if err != nil {
			continue // vanished between directory read and stat; skip
		}
		out = append(out, DirEntry{Name: e.Name(), Info: toFileInfo(info)})
	}
	d.pos = end
	var err error
	if d.pos >= len(d.entries) {
		err = io.EOF
	}
	return out, err
}

func (d *unixDir) Close() error { return d.f.Close() }

func toFileInfo(fi os.FileInfo) FileInfo {
	return FileInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}
}

// OpenFile opens relPath for reading/writing per flags, confined to the
// capability's subtree.
func (c *Capability) OpenFile(relPath string, flags OpenFlags, mode os.FileMode) (File, error) {
	fd, err := resolveBeneath(c, relPath, toUnixFlags(flags), uint32(mode.Perm()))
	if err != nil {
		if _, ok := err.(symlinkTerminal); ok {
			return nil, errs.InvalidInputf("sandbox.OpenFile", "%s is a symlink", relPath)
		}
		return nil, err
	}
	f := os.NewFile(uintptr(fd), relPath)
	return &unixFile{f: f}, nil
}

// OpenDir opens relPath as a directory stream.
func (c *Capability) OpenDir(relPath string) (Dir, error) {
	fd, err := resolveBeneath(c, relPath, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, err
	}
	return &unixDir{f: os.NewFile(uintptr(fd), relPath)}, nil
}

// Stat follows a terminal symlink (spec.md §4.8: "STAT follows symlinks").
func (c *Capability) Stat(relPath string) (FileInfo, error) {
	fd, err := resolveBeneath(c, relPath, unix.O_RDONLY, 0)
	if err != nil {
		return FileInfo{}, err
	}
	defer unix.Close(fd)
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return FileInfo{}, classifyErrno(err, "Stat", relPath)
	}
	return fileInfoFromStat(relPath, &st), nil
}

// Lstat never follows a terminal symlink.
func (c *Capability) Lstat(relPath string) (FileInfo, error) {
	fd, err := resolveBeneathOpt(c, relPath, unix.O_RDONLY, 0, false)
	if err != nil {
		if _, ok := err.(symlinkTerminal); ok {
			// The walk closes the directory fds it opened before returning,
			// so the link's parent directory is opened again here.
			parent, leaf := c.splitParent(relPath)
			dirFd, perr := resolveBeneath(c, parent, unix.O_RDONLY|unix.O_DIRECTORY, 0)
			if perr != nil {
				return FileInfo{}, perr
			}
			defer unix.Close(dirFd)
			var s unix.Stat_t
			if lerr := unix.Fstatat(dirFd, leaf, &s, unix.AT_SYMLINK_NOFOLLOW); lerr != nil {
				return FileInfo{}, classifyErrno(lerr, "Lstat", relPath)
			}
			return fileInfoFromStat(relPath, &s), nil
		}
		return FileInfo{}, err
	}
	defer unix.Close(fd)
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return FileInfo{}, classifyErrno(err, "Lstat", relPath)
	}
	return fileInfoFromStat(relPath, &st), nil
}

func fileInfoFromStat(relPath string, st *unix.Stat_t) FileInfo {
	name := relPath
	if i := lastSlash(relPath); i >= 0 {
		name = relPath[i+1:]
	}
	return FileInfo{
		Name:    name,
		Size:    st.Size,
		Mode:    os.FileMode(st.Mode & 0o7777),
		ModTime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		IsDir:   st.Mode&unix.S_IFMT == unix.S_IFDIR,
	}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func (c *Capability) splitParent(relPath string) (parent, leaf string) {
	i := lastSlash(relPath)
	if i < 0 {
		return "", relPath
	}
	return relPath[:i], relPath[i+1:]
}

func (c *Capability) withParentDir(relPath string, fn func(dirFd int, leaf string) error) error {
	parent, leaf := c.splitParent(relPath)
	fd, err := resolveBeneath(c, parent, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return fn(fd, leaf)
}

// Mkdir creates relPath as a directory.
func (c *Capability) Mkdir(relPath string, mode os.FileMode) error {
	return c.withParentDir(relPath, func(dirFd int, leaf string) error {
		if err := unix.Mkdirat(dirFd, leaf, uint32(mode.Perm())); err != nil {
			return classifyErrno(err, "Mkdir", relPath)
		}
		return nil
	})
}

// Rmdir removes the empty directory at relPath.
func (c *Capability) Rmdir(relPath string) error {
	return c.withParentDir(relPath, func(dirFd int, leaf string) error {
		if err := unix.Unlinkat(dirFd, leaf, unix.AT_REMOVEDIR); err != nil {
			return classifyErrno(err, "Rmdir", relPath)
		}
		return nil
	})
}

// Remove removes the file (not directory) at relPath.
func (c *Capability) Remove(relPath string) error {
	return c.withParentDir(relPath, func(dirFd int, leaf string) error {
		if err := unix.Unlinkat(dirFd, leaf, 0); err != nil {
			return classifyErrno(err, "Remove", relPath)
		}
		return nil
	})
}

// Rename moves oldRel to newRel, both within this capability. Cross-mount
// rename is rejected one layer up, by the VFS composer (spec.md §4.8).
func (c *Capability) Rename(oldRel, newRel string) error {
	oldParent, oldLeaf := c.splitParent(oldRel)
	newParent, newLeaf := c.splitParent(newRel)
	oldFd, err := resolveBeneath(c, oldParent, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(oldFd)
	newFd, err := resolveBeneath(c, newParent, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(newFd)
	if err := unix.Renameat(oldFd, oldLeaf, newFd, newLeaf); err != nil {
		return classifyErrno(err, "Rename", oldRel)
	}
	return nil
}

// Readlink returns the raw symlink target text at relPath, unvalidated;
// callers (the SFTP engine, via VFS) are responsible for rejecting
// targets that would escape the mount per spec.md §4.8.
func (c *Capability) Readlink(relPath string) (string, error) {
	parent, leaf := c.splitParent(relPath)
	fd, err := resolveBeneath(c, parent, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return "", err
	}
	defer unix.Close(fd)
	target, err := readlinkat(fd, leaf)
	if err != nil {
		return "", classifyErrno(err, "Readlink", relPath)
	}
	return target, nil
}

// Symlink creates relPath as a symlink pointing at target (already
// validated by the caller not to escape the mount).
func (c *Capability) Symlink(target, relPath string) error {
	return c.withParentDir(relPath, func(dirFd int, leaf string) error {
		if err := unix.Symlinkat(target, dirFd, leaf); err != nil {
			return classifyErrno(err, "Symlink", relPath)
		}
		return nil
	})
}

// SetTimes applies atime/mtime to relPath.
func (c *Capability) SetTimes(relPath string, atime, mtime time.Time) error {
	return c.withParentDir(relPath, func(dirFd int, leaf string) error {
		times := [2]unix.Timespec{
			unix.NsecToTimespec(atime.UnixNano()),
			unix.NsecToTimespec(mtime.UnixNano()),
		}
		if err := unix.UtimesNanoAt(dirFd, leaf, times[:], 0); err != nil {
			return classifyErrno(err, "SetTimes", relPath)
		}
		return nil
	})
}

// SetPermissions applies mode to relPath.
func (c *Capability) SetPermissions(relPath string, mode os.FileMode) error {
	return c.withParentDir(relPath, func(dirFd int, leaf string) error {
		if err := unix.Fchmodat(dirFd, leaf, uint32(mode.Perm()), 0); err != nil {
			return classifyErrno(err, "SetPermissions", relPath)
		}
		return nil
	})
}

// Truncate sets relPath's size directly (used by SETSTAT, as distinct
// from FSETSTAT's File.Truncate on an already-open handle).
func (c *Capability) Truncate(relPath string, size int64) error {
	f, err := c.OpenFile(relPath, FlagWrite, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return errs.IoFailuref("sandbox.Truncate", "%s: %v", relPath, err)
	}
	return nil
}
