package session_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/session"
)

func newFSDir(t *testing.T) string {
	t.Helper()
	fsDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(fsDir, "seed"), 0755); err != nil {
		t.Fatalf("MkdirAll seed: %v", err)
	}
	return fsDir
}

func TestStartRWSessionThenStop(t *testing.T) {
	mgr := session.NewManager(newFSDir(t))

	s, err := mgr.Start(session.ParseArgs(session.RWFile))
	if err != nil {
		t.Fatalf("Start(rw): %v", err)
	}
	if s.Readonly {
		t.Fatal("RW session reports Readonly = true")
	}
	if got := mgr.Get(session.RWSessionName); got != s {
		t.Fatal("Get(rw) did not return the started session")
	}

	if err := mgr.Stop(session.RWSessionName, false); err != nil {
		t.Fatalf("Stop(rw): %v", err)
	}
	if got := mgr.Get(session.RWSessionName); got != nil {
		t.Fatal("Get(rw) after Stop returned a stale session")
	}
}

func TestSecondRWSessionRejected(t *testing.T) {
	mgr := session.NewManager(newFSDir(t))

	if _, err := mgr.Start(session.ParseArgs(session.RWFile)); err != nil {
		t.Fatalf("first Start(rw): %v", err)
	}
	if _, err := mgr.Start(session.ParseArgs(session.RWFile)); err != session.ErrRWAlreadyOpen {
		t.Fatalf("second Start(rw) = %v, want ErrRWAlreadyOpen", err)
	}
}

func TestDuplicateROSessionNameRejected(t *testing.T) {
	mgr := session.NewManager(newFSDir(t))

	args := session.ParseArgs("/::hpfs.ro.snap1")
	if _, err := mgr.Start(args); err != nil {
		t.Fatalf("first Start(ro): %v", err)
	}
	if _, err := mgr.Start(args); err != session.ErrAlreadyOpen {
		t.Fatalf("duplicate Start(ro) = %v, want ErrAlreadyOpen", err)
	}
}

func TestStopWithMismatchedHmapFlagRejected(t *testing.T) {
	mgr := session.NewManager(newFSDir(t))

	if _, err := mgr.Start(session.ParseArgs(session.RWFile)); err != nil {
		t.Fatalf("Start(rw): %v", err)
	}
	if err := mgr.Stop(session.RWSessionName, true); err != session.ErrHmapFlagMismatch {
		t.Fatalf("Stop with mismatched hmap flag = %v, want ErrHmapFlagMismatch", err)
	}
}

func TestStopUnknownSessionNotFound(t *testing.T) {
	mgr := session.NewManager(newFSDir(t))
	if err := mgr.Stop("nope", false); err != session.ErrNotFound {
		t.Fatalf("Stop(unknown) = %v, want ErrNotFound", err)
	}
}

func TestStartWithHmapEnabledWiresQuery(t *testing.T) {
	mgr := session.NewManager(newFSDir(t))

	s, err := mgr.Start(session.ParseArgs(session.RWHmapFile))
	if err != nil {
		t.Fatalf("Start(rw.hmap): %v", err)
	}
	if s.Tree == nil || s.Store == nil || s.Query == nil {
		t.Fatal("hashing-enabled session missing Tree/Store/Query")
	}
}

func TestStopAllClosesEverySession(t *testing.T) {
	mgr := session.NewManager(newFSDir(t))

	if _, err := mgr.Start(session.ParseArgs(session.RWFile)); err != nil {
		t.Fatalf("Start(rw): %v", err)
	}
	if _, err := mgr.Start(session.ParseArgs("/::hpfs.ro.snap1")); err != nil {
		t.Fatalf("Start(ro): %v", err)
	}
	if err := mgr.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if got := mgr.Sessions(); len(got) != 0 {
		t.Fatalf("Sessions() after StopAll = %v, want empty", got)
	}
}

func TestParseArgsRejectsReservedNames(t *testing.T) {
	for _, vpath := range []string{
		"/::hpfs.ro.",
		"/::hpfs.ro.rw",
		"/::hpfs.ro.hmap.",
		"/::hpfs.ro.hmap.rw",
		"/not-reserved",
	} {
		if got := session.ParseArgs(vpath); got.Valid {
			t.Errorf("ParseArgs(%q).Valid = true, want false", vpath)
		}
	}
}
