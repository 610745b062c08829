package seedpath_test

import (
	"testing"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/vfs/seedpath"
)

func TestResolveUntouchedPathIsIdentity(t *testing.T) {
	tr := seedpath.New()
	if got := tr.Resolve("/a/b"); got != "/a/b" {
		t.Fatalf("Resolve(/a/b) = %q, want /a/b", got)
	}
}

func TestRenameThenResolve(t *testing.T) {
	tr := seedpath.New()
	tr.Rename("/a", "/b")
	if got := tr.Resolve("/b"); got != "/a" {
		t.Fatalf("Resolve(/b) = %q, want /a", got)
	}
	if got := tr.Resolve("/b/child"); got != "/a/child" {
		t.Fatalf("Resolve(/b/child) = %q, want /a/child", got)
	}
}

func TestRenameIsRenameSource(t *testing.T) {
	tr := seedpath.New()
	tr.Rename("/a", "/b")
	if !tr.IsRenameSource("/a") {
		t.Fatal("IsRenameSource(/a) = false after renaming /a -> /b")
	}
	if tr.IsRenameSource("/b") {
		t.Fatal("IsRenameSource(/b) = true, want false (it's the new name, not the source)")
	}
}

func TestMultiHopRenameCollapses(t *testing.T) {
	tr := seedpath.New()
	tr.Rename("/a", "/b")
	tr.Rename("/b", "/c")
	if got := tr.Resolve("/c"); got != "/a" {
		t.Fatalf("Resolve(/c) after /a->/b->/c = %q, want /a", got)
	}
	if tr.IsRenameSource("/b") {
		t.Fatal("IsRenameSource(/b) = true after it was superseded by /b->/c")
	}
}

func TestRenameBackToOriginClearsTracking(t *testing.T) {
	tr := seedpath.New()
	tr.Rename("/a", "/b")
	tr.Rename("/b", "/a")
	if got := tr.Resolve("/a"); got != "/a" {
		t.Fatalf("Resolve(/a) after round-trip rename = %q, want /a", got)
	}
	if tr.IsRenameSource("/a") {
		t.Fatal("IsRenameSource(/a) = true after rename round-tripped back to origin")
	}
}

func TestRemoveMarksSeedPathRemoved(t *testing.T) {
	tr := seedpath.New()
	tr.Remove("/a", false)
	if !tr.IsRemoved("/a") {
		t.Fatal("IsRemoved(/a) = false after Remove(/a)")
	}
	if tr.IsRemoved("/b") {
		t.Fatal("IsRemoved(/b) = true, want false")
	}
}

func TestRemoveDirDiscardsNestedRenames(t *testing.T) {
	tr := seedpath.New()
	tr.Rename("/a/child", "/a/renamed-child")
	tr.Remove("/a", true)
	if !tr.IsRemoved("/a") {
		t.Fatal("IsRemoved(/a) = false after Remove(/a, isDir=true)")
	}
	// The nested rename entry should be gone; Resolve falls back to identity.
	if got := tr.Resolve("/a/renamed-child"); got != "/a/renamed-child" {
		t.Fatalf("Resolve(/a/renamed-child) after removing ancestor /a = %q, want identity", got)
	}
}

func TestRemoveMarksDescendantsRemoved(t *testing.T) {
	tr := seedpath.New()
	tr.Remove("/a", true)
	if !tr.IsRemoved("/a/child") {
		t.Fatal("IsRemoved(/a/child) = false after removing ancestor /a")
	}
}
