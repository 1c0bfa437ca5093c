// Package mount implements the path & mount resolver described in
// spec.md §4.1: it normalizes client-supplied virtual paths purely
// lexically and maps them onto the mount table built from configuration.
package mount

import (
	"strings"

	"github.com/schlep/schlep/errs"
)

// Mount is an immutable binding of a virtual subtree to a host directory,
// per spec.md §3. The capability itself (the OS directory handle) lives
// in the sandbox package; Mount only carries the addressing half.
type Mount struct {
	VFSRoot   string // normalized, leading slash, no trailing slash except "/"
	LocalRoot string
}

// Kind classifies a resolved path per spec.md §4.1.
type Kind int

const (
	// Synthetic denotes a virtual ancestor directory covered by no mount.
	Synthetic Kind = iota
	// Mounted denotes a path that resolves into a specific mount.
	Mounted
)

// Resolved is the outcome of resolving a client path.
type Resolved struct {
	Kind Kind
	// Mount is set when Kind == Mounted.
	Mount *Mount
	// RelPath is the host-relative path under Mount.LocalRoot, using "/"
	// separators and no leading slash ("" means the mount root itself).
	// Set only when Kind == Mounted.
	RelPath string
	// VFSPath is the normalized absolute virtual path that was resolved.
	VFSPath string
}

// Table is the ordered, read-only mount table. It is safe for concurrent
// use after construction (spec.md §5: "read-only after construction,
// lock-free reads").
type Table struct {
	mounts []*Mount // sorted by VFSRoot length descending, for longest-prefix match
	byRoot map[string]*Mount
	// ancestors maps every synthesized ancestor directory to the set of
	// its immediate child path components that lead toward a mount.
	ancestors map[string]map[string]bool
}

// NewTable builds a Table from mounts, which must already satisfy the
// no-overlap invariant (spec.md §3); callers (config.Validate) are
// expected to have rejected overlapping roots before this is called, but
// NewTable re-checks defensively since it is the authoritative structure
// the resolver and VFS composer depend on.
func NewTable(mounts []*Mount) (*Table, error) {
	t := &Table{
		byRoot:    make(map[string]*Mount, len(mounts)),
		ancestors: make(map[string]map[string]bool),
	}
	for _, m := range mounts {
		root := normalize(m.VFSRoot)
		if root == "" {
			return nil, errs.InvalidInputf("mount.NewTable", "invalid vfs_root %q", m.VFSRoot)
		}
		if _, dup := t.byRoot[root]; dup {
			return nil, errs.InvalidInputf("mount.NewTable", "duplicate vfs_root %q", root)
		}
		norm := &Mount{VFSRoot: root, LocalRoot: m.LocalRoot}
		t.byRoot[root] = norm
		t.mounts = append(t.mounts, norm)
	}
	for a := range t.byRoot {
		for b := range t.byRoot {
			if a == b {
				continue
			}
			if isProperPrefix(a, b) {
				return nil, errs.InvalidInputf("mount.NewTable", "vfs_root %q overlays %q", a, b)
			}
		}
	}
	for root := range t.byRoot {
		t.registerAncestors(root)
	}
	// Sort longest-prefix first so Resolve's scan picks the most specific
	// mount without needing a trie.
	for i := 1; i < len(t.mounts); i++ {
		for j := i; j > 0 && len(t.mounts[j].VFSRoot) > len(t.mounts[j-1].VFSRoot); j-- {
			t.mounts[j], t.mounts[j-1] = t.mounts[j-1], t.mounts[j]
		}
	}
	return t, nil
}

func (t *Table) registerAncestors(root string) {
	if root == "/" {
		return
	}
	parts := strings.Split(strings.TrimPrefix(root, "/"), "/")
	cur := "/"
	for i, part := range parts {
		parent := cur
		if i == len(parts)-1 {
			break // the final component is the mount itself, not a synthetic child
		}
		if parent == "/" {
			cur = "/" + part
		} else {
			cur = parent + "/" + part
		}
		if t.ancestors[parent] == nil {
			t.ancestors[parent] = make(map[string]bool)
		}
		t.ancestors[parent][childComponent(parent, cur)] = true
	}
	// register the immediate parent -> mount-name-component edge too
	parent := root[:strings.LastIndex(root, "/")]
	if parent == "" {
		parent = "/"
	}
	if t.ancestors[parent] == nil {
		t.ancestors[parent] = make(map[string]bool)
	}
	t.ancestors[parent][childComponent(parent, root)] = true
}

func childComponent(parent, child string) string {
	if parent == "/" {
		return strings.TrimPrefix(child, "/")
	}
	rest := strings.TrimPrefix(child, parent+"/")
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// ChildrenOf returns the synthesized child components of the virtual
// ancestor directory at vfsPath, or nil if vfsPath is not a strict
// ancestor of any mount.
func (t *Table) ChildrenOf(vfsPath string) []string {
	set := t.ancestors[vfsPath]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// MountAt returns the mount whose VFSRoot equals vfsPath exactly, if any.
func (t *Table) MountAt(vfsPath string) (*Mount, bool) {
	m, ok := t.byRoot[vfsPath]
	return m, ok
}

// Mounts returns all mounts in the table, in no particular order.
func (t *Table) Mounts() []*Mount {
	out := make([]*Mount, len(t.mounts))
	copy(out, t.mounts)
	return out
}

// Resolve normalizes clientPath purely lexically and maps it onto the
// table, per spec.md §4.1. clientPath is interpreted relative to cwd if
// it does not begin with "/".
func (t *Table) Resolve(clientPath, cwd string) (*Resolved, error) {
	joined := clientPath
	if !strings.HasPrefix(clientPath, "/") {
		if cwd == "" {
			cwd = "/"
		}
		joined = cwd + "/" + clientPath
	}
	norm := normalize(joined)
	if norm == "" {
		return nil, errs.InvalidInputf("mount.Resolve", "cannot normalize path %q", clientPath)
	}

	var best *Mount
	for _, m := range t.mounts { // already sorted longest-prefix first
		if m.VFSRoot == norm || isProperPrefix(m.VFSRoot, norm) {
			best = m
			break
		}
	}
	if best != nil {
		rel := ""
		if norm != best.VFSRoot {
			rel = strings.TrimPrefix(norm, best.VFSRoot+"/")
		}
		return &Resolved{Kind: Mounted, Mount: best, RelPath: rel, VFSPath: norm}, nil
	}

	if norm == "/" || t.ancestors[norm] != nil {
		return &Resolved{Kind: Synthetic, VFSPath: norm}, nil
	}
	return nil, errs.NotFoundf("mount.Resolve", "no mount or synthetic ancestor covers %q", norm)
}

// normalize collapses separators and resolves "." and ".." purely
// lexically, never touching the host filesystem, per spec.md §4.1. It
// returns "" if the result would escape "/" or otherwise cannot be
// represented as an absolute normalized path.
func normalize(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") {
		return ""
	}
	parts := strings.Split(p, "/")
	var stack []string
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return "" // escapes root: reject, don't clamp
			}
			stack = stack[:len(stack)-1]
		default:
			if strings.ContainsRune(part, 0) {
				return ""
			}
			stack = append(stack, part)
		}
	}
	if len(stack) == 0 {
		return "/"
	}
	return "/" + strings.Join(stack, "/")
}

func isProperPrefix(a, b string) bool {
	if a == "/" {
		return b != "/"
	}
	return strings.HasPrefix(b, a+"/")
}
