//go:build unix

package sandbox

import (
	"strings"

	"golang.org/x/sys/unix"

	"github.com/schlep/schlep/errs"
)

// maxSymlinkDepth bounds symlink-following to the same limit the kernel
// itself enforces on Linux (MAXSYMLINKS), so a symlink cycle fails instead
// of spinning forever.
const maxSymlinkDepth = 40

// resolveBeneath opens relPath (slash-separated, no leading slash, no ".."
// components — the mount resolver has already rejected those lexically)
// relative to root's directory fd, resolving each path component and
// every symlink encountered strictly within root's subtree. It never
// calls into the host path-resolution machinery with a path that could
// reference something outside root: every intermediate step holds an
// open directory fd and resolves the next component relative to *that*
// fd with O_NOFOLLOW, so a symlink written after the check can't race
// its way outside (the classic TOCTOU hole of `filepath.Join` + `os.Open`
// on an absolute path).
func resolveBeneath(root *Capability, relPath string, flags int, perm uint32) (int, error) {
	return resolveBeneathOpt(root, relPath, flags, perm, true)
}

// resolveBeneathOpt is resolveBeneath with control over whether a symlink
// as the *final* path component is followed (true, the default — a plain
// OPEN/OPENDIR transparently follows a trailing symlink, same as the host
// OS does for a normal path) or returned as a symlinkTerminal sentinel
// (false — used by Lstat, which must observe the link itself rather than
// its target).
//
// The walk keeps an explicit stack of every directory fd opened below
// root. A literal ".." component, or a ".." introduced by splicing a
// relative symlink target into the remaining path, pops that stack; once
// the stack is empty there is nothing left to pop, and the walk refuses to
// go further, so neither form of ".." can ever reach past the capability
// root the way it would if it were handed to a plain openat(fd, "..", ...)
// (".." is a real directory entry, not a symlink, so O_NOFOLLOW never
// catches it). A relative symlink target is spliced in and resolved from
// the stack position of the directory that contains the link — its actual
// POSIX resolution base — rather than by restarting the whole walk from
// root, which is what makes the stack-empty check meaningful for a link
// sitting directly under root (e.g. "link -> ../secret").
func resolveBeneathOpt(root *Capability, relPath string, flags int, perm uint32, followTerminal bool) (int, error) {
	rootFd := int(root.rootFile.Fd())

	if relPath == "" {
		// Re-derive a fresh fd for the root itself so callers can close it
		// independently of the long-lived capability handle.
		nfd, err := unix.Openat(rootFd, ".", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			return -1, errs.IoFailuref("sandbox.resolveBeneath", "reopen root: %v", err)
		}
		return nfd, nil
	}

	var stack []int // every fd below root currently held open, innermost last
	closeStack := func() {
		for _, fd := range stack {
			_ = unix.Close(fd)
		}
	}

	curFd := rootFd
	queue := strings.Split(relPath, "/")
	symlinkExpansions := 0

	for len(queue) > 0 {
		part := queue[0]
		queue = queue[1:]
		last := len(queue) == 0

		switch part {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				closeStack()
				return -1, errs.PermissionDeniedf("sandbox.resolveBeneath", "path escapes capability root")
			}
			top := len(stack) - 1
			_ = unix.Close(stack[top])
			stack = stack[:top]
			if len(stack) == 0 {
				curFd = rootFd
			} else {
				curFd = stack[len(stack)-1]
			}
			continue
		}

		openFlags := unix.O_NOFOLLOW | unix.O_CLOEXEC
		openPerm := uint32(0)
		if last {
			openFlags |= flags &^ unix.O_NOFOLLOW
			openPerm = perm
		} else {
			openFlags |= unix.O_RDONLY | unix.O_DIRECTORY
		}

		fd, err := unix.Openat(curFd, part, openFlags, openPerm)
		if err != nil {
			if err == unix.ELOOP && last && !followTerminal {
				closeStack()
				return -1, symlinkTerminal{fd: curFd, name: part}
			}
			if err == unix.ELOOP {
				symlinkExpansions++
				if symlinkExpansions > maxSymlinkDepth {
					closeStack()
					return -1, errs.IoFailuref("sandbox.resolveBeneath", "too many levels of symbolic links resolving %q", relPath)
				}
				target, rerr := readlinkat(curFd, part)
				if rerr != nil {
					closeStack()
					return -1, errs.IoFailuref("sandbox.resolveBeneath", "readlink %q: %v", part, rerr)
				}
				if strings.HasPrefix(target, "/") {
					closeStack()
					return -1, errs.PermissionDeniedf("sandbox.resolveBeneath", "absolute symlink target %q escapes capability", target)
				}
				queue = append(strings.Split(target, "/"), queue...)
				continue
			}
			closeStack()
			return -1, classifyErrno(err, "open", part)
		}

		stack = append(stack, fd)
		curFd = fd
	}

	if len(stack) == 0 {
		// Every component resolved back to root itself (e.g. "a/..").
		nfd, err := unix.Openat(rootFd, ".", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			return -1, errs.IoFailuref("sandbox.resolveBeneath", "reopen root: %v", err)
		}
		return nfd, nil
	}

	final := stack[len(stack)-1]
	for _, fd := range stack[:len(stack)-1] {
		_ = unix.Close(fd)
	}
	return final, nil
}

// symlinkTerminal signals that the final path component is a symlink
// encountered while the caller asked for O_NOFOLLOW semantics (Lstat).
type symlinkTerminal struct {
	fd   int
	name string
}

func (e symlinkTerminal) Error() string { return "path terminates in a symlink" }

func readlinkat(dirFd int, name string) (string, error) {
	buf := make([]byte, 1024)
	for {
		n, err := unix.Readlinkat(dirFd, name, buf)
		if err != nil {
			return "", err
		}
		if n < len(buf) {
			return string(buf[:n]), nil
		}
		buf = make([]byte, len(buf)*2)
	}
}

func classifyErrno(err error, op, path string) error {
	switch err {
	case unix.ENOENT:
		return errs.NotFoundf("sandbox."+op, "%s: no such file or directory", path)
	case unix.EACCES, unix.EPERM:
		return errs.PermissionDeniedf("sandbox."+op, "%s: permission denied", path)
	case unix.ENOTDIR:
		return errs.InvalidInputf("sandbox."+op, "%s: not a directory", path)
	case unix.EEXIST:
		return errs.InvalidInputf("sandbox."+op, "%s: already exists", path)
	case unix.EISDIR:
		return errs.InvalidInputf("sandbox."+op, "%s: is a directory", path)
	case unix.EXDEV:
		return errs.Unsupportedf("sandbox."+op, "%s: cross-device operation", path)
	default:
		return errs.IoFailuref("sandbox."+op, "%s: %v", path, err)
	}
}
