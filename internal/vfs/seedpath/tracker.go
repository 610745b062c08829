// Package seedpath tracks which paths in the immutable seed directory have
// been renamed or removed by the audit log, so replay can resolve a virtual
// path to the seed path it should still read from (or learn that there is
// none).
package seedpath

import (
	"strings"

	"golang.org/x/exp/slices"
)

// Tracker holds the rename and removal state for one VFS builder instance.
// It is not safe for concurrent use without external synchronization; the
// VFS builder already serializes all mutation under its session lock.
type Tracker struct {
	// renames maps a current (post-rename) vpath to the original seed path
	// that still backs its content.
	renames map[string]string
	// removed is the set of original seed paths that must never be
	// resurrected, because something at that path (or an ancestor of it)
	// was removed.
	removed map[string]struct{}
}

func New() *Tracker {
	return &Tracker{
		renames: make(map[string]string),
		removed: make(map[string]struct{}),
	}
}

// isAncestor reports whether ancestor is a path prefix of p at a path
// boundary (i.e. "/a" is an ancestor of "/a/b" but not of "/ab").
func isAncestor(ancestor, p string) bool {
	if ancestor == "/" {
		return p != "/"
	}
	if !strings.HasPrefix(p, ancestor) {
		return false
	}
	return len(p) == len(ancestor) || p[len(ancestor)] == '/'
}

// Resolve returns the seed path that vpath's content should be read from,
// by choosing the longest rename-prefix match and rewriting the suffix. If
// vpath has never been touched by a rename, it resolves to itself.
func (t *Tracker) Resolve(vpath string) string {
	best := ""
	for renamed := range t.renames {
		if (renamed == vpath || isAncestor(renamed, vpath)) && len(renamed) > len(best) {
			best = renamed
		}
	}
	if best == "" {
		return vpath
	}
	suffix := vpath[len(best):]
	return t.renames[best] + suffix
}

// IsRemoved reports whether the resolved seed path (or an ancestor of it)
// has been removed.
func (t *Tracker) IsRemoved(seedPath string) bool {
	if _, ok := t.removed[seedPath]; ok {
		return true
	}
	for removed := range t.removed {
		if isAncestor(removed, seedPath) {
			return true
		}
	}
	return false
}

// IsRenameSource reports whether seedPath is the original location of a
// rename whose new name differs from seedPath, meaning seedPath must no
// longer appear live under its own name.
func (t *Tracker) IsRenameSource(seedPath string) bool {
	for k, v := range t.renames {
		if v == seedPath && k != seedPath {
			return true
		}
	}
	return false
}

// Rename records that vpath (whatever it currently resolves to) is now
// known as newVpath. Composition is handled by rewriting any existing
// rename entries nested under vpath so multi-hop renames collapse to a
// single entry pointing at the true original seed path.
func (t *Tracker) Rename(vpath, newVpath string) {
	origin := t.Resolve(vpath)

	// Any existing rename entry whose current name lies beneath vpath must
	// be re-rooted under newVpath, preserving its original seed target.
	renamed := make([]string, 0, len(t.renames))
	for k := range t.renames {
		renamed = append(renamed, k)
	}
	slices.Sort(renamed)
	for _, k := range renamed {
		if k == vpath {
			continue
		}
		if isAncestor(vpath, k) {
			suffix := k[len(vpath):]
			target := t.renames[k]
			delete(t.renames, k)
			nk := newVpath + suffix
			if nk == target {
				continue
			}
			t.renames[nk] = target
		}
	}

	delete(t.renames, vpath)
	if newVpath == origin {
		// Renamed back to its own seed path: no tracking needed.
		return
	}
	t.renames[newVpath] = origin
}

// Remove marks vpath's resolved seed path as removed. If vpath is a
// directory, any rename entries whose new name lies beneath it are
// discarded, since that content no longer exists to be referenced.
func (t *Tracker) Remove(vpath string, isDir bool) {
	origin := t.Resolve(vpath)
	t.removed[origin] = struct{}{}
	if !isDir {
		return
	}
	for k := range t.renames {
		if isAncestor(vpath, k) {
			delete(t.renames, k)
		}
	}
}
