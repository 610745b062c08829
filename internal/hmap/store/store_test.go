package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/hasher"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/hmap/store"
)

func TestInsertFindRoundTrip(t *testing.T) {
	s := store.New(t.TempDir())

	e := &store.Entry{
		IsFile:      true,
		NodeHash:    hasher.Hash([]byte("node")),
		NameHash:    hasher.Hash([]byte("name")),
		MetaHash:    hasher.Hash([]byte("meta")),
		BlockHashes: []hasher.H32{hasher.Hash([]byte("block0")), hasher.Hash([]byte("block1"))},
	}
	s.Insert("/a/b", e)

	got, ok := s.Find("/a/b")
	if !ok {
		t.Fatal("Find after Insert = not found")
	}
	if got.NodeHash != e.NodeHash || got.NameHash != e.NameHash || got.MetaHash != e.MetaHash {
		t.Fatalf("Find = %+v, want %+v", got, e)
	}
	if len(got.BlockHashes) != 2 {
		t.Fatalf("BlockHashes len = %d, want 2", len(got.BlockHashes))
	}
}

func TestPersistAndReloadFromDisk(t *testing.T) {
	hmapDir := t.TempDir()
	s := store.New(hmapDir)

	e := &store.Entry{
		IsFile:      true,
		NodeHash:    hasher.Hash([]byte("node")),
		NameHash:    hasher.Hash([]byte("name")),
		MetaHash:    hasher.Hash([]byte("meta")),
		BlockHashes: []hasher.H32{hasher.Hash([]byte("block0"))},
	}
	s.Insert("/dir/file.txt", e)
	if err := s.PersistHashMaps(); err != nil {
		t.Fatalf("PersistHashMaps: %v", err)
	}

	cacheFile := filepath.Join(hmapDir, "dir", "file.txt"+store.CacheExt)
	if _, err := os.Stat(cacheFile); err != nil {
		t.Fatalf("expected cache sidecar at %s: %v", cacheFile, err)
	}

	s2 := store.New(hmapDir)
	got, ok := s2.Find("/dir/file.txt")
	if !ok {
		t.Fatal("Find on fresh Store did not load sidecar")
	}
	if diff := cmp.Diff(e, got); diff != "" {
		t.Fatalf("reloaded entry mismatch (-want +got)\n%s", diff)
	}
}

func TestEraseMarksForUnlinkOnPersist(t *testing.T) {
	hmapDir := t.TempDir()
	s := store.New(hmapDir)

	e := &store.Entry{IsFile: true, NodeHash: hasher.Hash([]byte("x"))}
	s.Insert("/f", e)
	if err := s.PersistHashMaps(); err != nil {
		t.Fatalf("PersistHashMaps: %v", err)
	}
	cacheFile := filepath.Join(hmapDir, "f"+store.CacheExt)
	if _, err := os.Stat(cacheFile); err != nil {
		t.Fatalf("expected cache sidecar before erase: %v", err)
	}

	s.Erase("/f")
	if err := s.PersistHashMaps(); err != nil {
		t.Fatalf("PersistHashMaps after erase: %v", err)
	}
	if _, err := os.Stat(cacheFile); !os.IsNotExist(err) {
		t.Fatalf("cache sidecar still present after erase+persist: %v", err)
	}
	if _, ok := s.Find("/f"); ok {
		t.Fatal("Find(/f) after Erase+persist = found, want not found")
	}
}

func TestMoveCacheRenamesSidecar(t *testing.T) {
	hmapDir := t.TempDir()
	s := store.New(hmapDir)

	e := &store.Entry{IsFile: true, NodeHash: hasher.Hash([]byte("x"))}
	s.Insert("/old.txt", e)
	if err := s.PersistHashMaps(); err != nil {
		t.Fatalf("PersistHashMaps: %v", err)
	}

	if err := s.MoveCache("/old.txt", "/new.txt", false); err != nil {
		t.Fatalf("MoveCache: %v", err)
	}

	oldFile := filepath.Join(hmapDir, "old.txt"+store.CacheExt)
	newFile := filepath.Join(hmapDir, "new.txt"+store.CacheExt)
	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Fatalf("old cache file still present: %v", err)
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Fatalf("new cache file missing: %v", err)
	}
	got, ok := s.Find("/new.txt")
	if !ok || got.NodeHash != e.NodeHash {
		t.Fatalf("Find(/new.txt) after MoveCache = %+v, %v", got, ok)
	}
	if _, ok := s.Find("/old.txt"); ok {
		t.Fatal("Find(/old.txt) after MoveCache = found, want not found")
	}
}

func TestClearRemovesEverything(t *testing.T) {
	hmapDir := t.TempDir()
	s := store.New(hmapDir)
	s.Insert("/f", &store.Entry{IsFile: true})
	if err := s.PersistHashMaps(); err != nil {
		t.Fatalf("PersistHashMaps: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := os.Stat(hmapDir); !os.IsNotExist(err) {
		t.Fatalf("hmapDir still present after Clear: %v", err)
	}
	if _, ok := s.Find("/f"); ok {
		t.Fatal("Find(/f) after Clear = found, want not found")
	}
}
