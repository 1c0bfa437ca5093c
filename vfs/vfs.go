// Package vfs implements the VFS composer from spec.md §4.3: given the
// mount table it presents a single virtual tree, synthesizing directory
// listings for ancestor paths of mounts that are not themselves mounted and
// delegating everything else to the sandboxed capability of the owning
// mount.
package vfs

import (
	"io"
	"os"
	"sort"
	"time"

	"github.com/schlep/schlep/errs"
	"github.com/schlep/schlep/mount"
	"github.com/schlep/schlep/sandbox"
)

// VFS composes a mount table with the sandboxed capability backing each
// mount. It is read-only after construction, matching the mount table's
// own "lock-free reads" contract (spec.md §5).
type VFS struct {
	Table           *mount.Table
	caps            map[string]*sandbox.Capability // keyed by Mount.VFSRoot
	startTime       time.Time
	defaultDirMode  os.FileMode
	defaultFileMode os.FileMode
}

// New builds a VFS from a mount table and the opened capability for each
// of its mounts. caps must contain an entry for every mount in table.
func New(table *mount.Table, caps map[string]*sandbox.Capability, defaultFileMode, defaultDirMode os.FileMode) *VFS {
	return &VFS{
		Table:           table,
		caps:            caps,
		startTime:       time.Now(),
		defaultFileMode: defaultFileMode,
		defaultDirMode:  defaultDirMode,
	}
}

func (v *VFS) capFor(m *mount.Mount) (*sandbox.Capability, error) {
	c, ok := v.caps[m.VFSRoot]
	if !ok {
		return nil, errs.IoFailuref("vfs", "no capability opened for mount %s", m.VFSRoot)
	}
	return c, nil
}

// Resolve is a thin pass-through to the mount table, kept on VFS so
// callers only need one import.
func (v *VFS) Resolve(clientPath, cwd string) (*mount.Resolved, error) {
	return v.Table.Resolve(clientPath, cwd)
}

// synthDirInfo is the attribute set for a synthesized ancestor directory,
// per spec.md §4.3: "mode = default_dir_mode, size = 0, mtime = process
// start".
func (v *VFS) synthDirInfo(name string) sandbox.FileInfo {
	return sandbox.FileInfo{
		Name:    name,
		Size:    0,
		Mode:    os.ModeDir | v.defaultDirMode,
		ModTime: v.startTime,
		IsDir:   true,
	}
}

// Stat resolves r's attributes. Synthetic ancestors (including "/") get
// the synthesized directory attributes described in spec.md §4.3's
// "STAT on / and ancestors" row.
func (v *VFS) Stat(r *mount.Resolved) (sandbox.FileInfo, error) {
	if r.Kind == mount.Synthetic {
		return v.synthDirInfo(lastComponent(r.VFSPath)), nil
	}
	cap, err := v.capFor(r.Mount)
	if err != nil {
		return sandbox.FileInfo{}, err
	}
	return cap.Stat(r.RelPath)
}

// Lstat is like Stat but never follows a terminal symlink.
func (v *VFS) Lstat(r *mount.Resolved) (sandbox.FileInfo, error) {
	if r.Kind == mount.Synthetic {
		return v.synthDirInfo(lastComponent(r.VFSPath)), nil
	}
	cap, err := v.capFor(r.Mount)
	if err != nil {
		return sandbox.FileInfo{}, err
	}
	return cap.Lstat(r.RelPath)
}

// ListDir computes the directory listing at r per the four cases of
// spec.md §4.3. Case 4 (a vfs_root that is also a strict ancestor of
// another mount) cannot occur here: mount.NewTable rejects overlapping
// roots at construction, so only cases 1-3 are reachable.
func (v *VFS) ListDir(r *mount.Resolved) ([]sandbox.DirEntry, error) {
	if r.Kind == mount.Synthetic {
		children := v.Table.ChildrenOf(r.VFSPath)
		sort.Strings(children)
		out := make([]sandbox.DirEntry, 0, len(children))
		for _, name := range children {
			out = append(out, sandbox.DirEntry{Name: name, Info: v.synthDirInfo(name)})
		}
		return out, nil
	}
	cap, err := v.capFor(r.Mount)
	if err != nil {
		return nil, err
	}
	dir, err := cap.OpenDir(r.RelPath)
	if err != nil {
		return nil, err
	}
	defer dir.Close()
	var out []sandbox.DirEntry
	for {
		batch, derr := dir.ReadDir(256)
		out = append(out, batch...)
		if derr == io.EOF {
			break
		}
		if derr != nil {
			return nil, derr
		}
	}
	return out, nil
}

// OpenFile opens r for I/O. Writes/creates are only legal at mounted
// paths; synthetic paths reject any flags beyond a bare read-only open,
// and even that fails since a synthetic directory has no backing file
// (spec.md §4.3: "Writes, creates, and deletes are only legal at mounted
// paths; they fail with permission-denied at synthetic paths").
func (v *VFS) OpenFile(r *mount.Resolved, flags sandbox.OpenFlags, mode os.FileMode) (sandbox.File, error) {
	if r.Kind == mount.Synthetic {
		return nil, errs.PermissionDeniedf("vfs.OpenFile", "%s is a synthetic ancestor directory", r.VFSPath)
	}
	cap, err := v.capFor(r.Mount)
	if err != nil {
		return nil, err
	}
	if mode == 0 {
		mode = v.defaultFileMode
	}
	return cap.OpenFile(r.RelPath, flags, mode)
}

// OpenDir opens r as a directory stream for mounted paths. Synthetic
// ancestors are listed via ListDir directly rather than a Dir handle,
// since they have no host directory descriptor to stream from; sftpd
// wraps both behind one handle abstraction (session.Handle).
func (v *VFS) OpenDir(r *mount.Resolved) (sandbox.Dir, error) {
	if r.Kind == mount.Synthetic {
		return nil, errs.Unsupportedf("vfs.OpenDir", "synthetic ancestor %s has no directory stream", r.VFSPath)
	}
	cap, err := v.capFor(r.Mount)
	if err != nil {
		return nil, err
	}
	return cap.OpenDir(r.RelPath)
}

func (v *VFS) requireMounted(r *mount.Resolved, op string) (*sandbox.Capability, error) {
	if r.Kind == mount.Synthetic {
		return nil, errs.PermissionDeniedf("vfs."+op, "%s is a synthetic ancestor directory", r.VFSPath)
	}
	return v.capFor(r.Mount)
}

// Mkdir creates r as a directory.
func (v *VFS) Mkdir(r *mount.Resolved) error {
	cap, err := v.requireMounted(r, "Mkdir")
	if err != nil {
		return err
	}
	return cap.Mkdir(r.RelPath, v.defaultDirMode)
}

// Rmdir removes the empty directory at r.
func (v *VFS) Rmdir(r *mount.Resolved) error {
	cap, err := v.requireMounted(r, "Rmdir")
	if err != nil {
		return err
	}
	return cap.Rmdir(r.RelPath)
}

// Remove removes the file at r.
func (v *VFS) Remove(r *mount.Resolved) error {
	cap, err := v.requireMounted(r, "Remove")
	if err != nil {
		return err
	}
	return cap.Remove(r.RelPath)
}

// Rename moves oldR to newR. Cross-mount rename fails with Unsupported
// per spec.md §4.8's RENAME row ("Same-mount only; cross-mount rename
// fails with OP_UNSUPPORTED").
func (v *VFS) Rename(oldR, newR *mount.Resolved) error {
	if oldR.Kind == mount.Synthetic || newR.Kind == mount.Synthetic {
		return errs.PermissionDeniedf("vfs.Rename", "rename involving a synthetic ancestor directory")
	}
	if oldR.Mount.VFSRoot != newR.Mount.VFSRoot {
		return errs.Unsupportedf("vfs.Rename", "cross-mount rename %s -> %s", oldR.VFSPath, newR.VFSPath)
	}
	cap, err := v.capFor(oldR.Mount)
	if err != nil {
		return err
	}
	return cap.Rename(oldR.RelPath, newR.RelPath)
}

// Readlink returns the target text at r. A target that, resolved
// lexically relative to r's containing directory, would leave r's mount
// is rejected with permission-denied.
func (v *VFS) Readlink(r *mount.Resolved) (string, error) {
	cap, err := v.requireMounted(r, "Readlink")
	if err != nil {
		return "", err
	}
	target, err := cap.Readlink(r.RelPath)
	if err != nil {
		return "", err
	}
	if escapesMount(r.RelPath, target) {
		return "", errs.PermissionDeniedf("vfs.Readlink", "symlink target %q escapes mount %s", target, r.Mount.VFSRoot)
	}
	return target, nil
}

// Symlink creates r as a symlink to target. Per spec.md §4.8 ("targets
// containing `..` that escape the mount are rejected"), target is
// rejected if, resolved lexically relative to r's containing directory,
// it would leave r's mount.
func (v *VFS) Symlink(target string, r *mount.Resolved) error {
	cap, err := v.requireMounted(r, "Symlink")
	if err != nil {
		return err
	}
	if escapesMount(r.RelPath, target) {
		return errs.PermissionDeniedf("vfs.Symlink", "symlink target %q escapes mount %s", target, r.Mount.VFSRoot)
	}
	return cap.Symlink(target, r.RelPath)
}

// SetTimes applies atime/mtime to r.
func (v *VFS) SetTimes(r *mount.Resolved, atime, mtime time.Time) error {
	cap, err := v.requireMounted(r, "SetTimes")
	if err != nil {
		return err
	}
	return cap.SetTimes(r.RelPath, atime, mtime)
}

// SetPermissions applies mode to r.
func (v *VFS) SetPermissions(r *mount.Resolved, mode os.FileMode) error {
	cap, err := v.requireMounted(r, "SetPermissions")
	if err != nil {
		return err
	}
	return cap.SetPermissions(r.RelPath, mode)
}

// Truncate sets r's size directly (SETSTAT path; FSETSTAT instead calls
// File.Truncate on an already-open handle).
func (v *VFS) Truncate(r *mount.Resolved, size int64) error {
	cap, err := v.requireMounted(r, "Truncate")
	if err != nil {
		return err
	}
	return cap.Truncate(r.RelPath, size)
}

func lastComponent(vfsPath string) string {
	if vfsPath == "/" {
		return "/"
	}
	for i := len(vfsPath) - 1; i >= 0; i-- {
		if vfsPath[i] == '/' {
			return vfsPath[i+1:]
		}
	}
	return vfsPath
}

// escapesMount reports whether target, interpreted as a (possibly
// relative) symlink text rooted at the directory containing relPath,
// would lexically resolve outside the mount's subtree.
func escapesMount(relPath, target string) bool {
	if target == "" {
		return false
	}
	if target[0] == '/' {
		return true // absolute targets always escape a mount's relative subtree
	}
	dir := ""
	if i := lastSlashIdx(relPath); i >= 0 {
		dir = relPath[:i]
	}
	parts := splitNonEmpty(dir)
	for _, part := range splitNonEmpty(target) {
		switch part {
		case ".":
		case "..":
			if len(parts) == 0 {
				return true
			}
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, part)
		}
	}
	return false
}

func lastSlashIdx(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
