// Package store implements the hash store (spec.md §4.E): per-vpath hash
// entries held in memory, with a dirty set and on-disk .hcache sidecar
// files mirroring the seed directory's structure.
package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/hasher"
)

const CacheExt = ".hcache"

// versionPrefix mirrors the audit log's convention of a small fixed prefix
// ahead of the real payload, so cache files can gain a format revision
// without an on-disk migration.
var versionPrefix = [4]byte{1, 0, 0, 0}

// Entry is one vnode's hash bookkeeping.
type Entry struct {
	IsFile     bool
	NodeHash   hasher.H32
	NameHash   hasher.H32
	MetaHash   hasher.H32
	BlockHashes []hasher.H32
}

// Store holds every loaded Entry in memory, keyed by vpath, and tracks
// which have diverged from their on-disk .hcache sidecar.
type Store struct {
	hmapDir string

	mu      sync.Mutex
	entries map[string]*Entry
	dirty   map[string]bool // true = needs persist, false = needs unlink
}

func New(hmapDir string) *Store {
	return &Store{
		hmapDir: hmapDir,
		entries: make(map[string]*Entry),
		dirty:   make(map[string]bool),
	}
}

func (s *Store) cacheFile(vpath string) string {
	return filepath.Join(s.hmapDir, filepath.FromSlash(vpath)+CacheExt)
}

func (s *Store) cacheDir(vpath string) string {
	return filepath.Join(s.hmapDir, filepath.FromSlash(vpath))
}

// Find returns vpath's entry, loading it from its .hcache sidecar on first
// access if it is not already in memory.
func (s *Store) Find(vpath string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[vpath]; ok {
		return e, true
	}
	e, err := s.readCacheFile(vpath)
	if err != nil {
		return nil, false
	}
	s.entries[vpath] = e
	return e, true
}

// Insert records a new or updated entry for vpath and marks it dirty.
func (s *Store) Insert(vpath string, e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[vpath] = e
	s.dirty[vpath] = true
}

// Erase removes vpath's in-memory entry and marks it for cache-file
// unlinking on the next persist.
func (s *Store) Erase(vpath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, vpath)
	s.dirty[vpath] = false
}

// MoveCache renames both the .hcache file and, for directories, the
// sidecar cache directory, from one vpath to another. It also re-keys the
// in-memory entry for from (if any) to to and drops from's dirty mark;
// entries of from's descendants keep their old in-memory keys.
func (s *Store) MoveCache(from, to string, isDir bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isDir {
		fromDir, toDir := s.cacheDir(from), s.cacheDir(to)
		if _, err := os.Stat(fromDir); err == nil {
			if err := os.MkdirAll(filepath.Dir(toDir), 0o755); err != nil {
				return xerrors.Errorf("hmap/store: mkdir %s: %w", toDir, err)
			}
			if err := os.Rename(fromDir, toDir); err != nil {
				return xerrors.Errorf("hmap/store: rename %s -> %s: %w", fromDir, toDir, err)
			}
		}
	}
	fromFile, toFile := s.cacheFile(from), s.cacheFile(to)
	if _, err := os.Stat(fromFile); err == nil {
		if err := os.MkdirAll(filepath.Dir(toFile), 0o755); err != nil {
			return xerrors.Errorf("hmap/store: mkdir %s: %w", toFile, err)
		}
		if err := os.Rename(fromFile, toFile); err != nil {
			return xerrors.Errorf("hmap/store: rename %s -> %s: %w", fromFile, toFile, err)
		}
	}
	if e, ok := s.entries[from]; ok {
		delete(s.entries, from)
		s.entries[to] = e
	}
	delete(s.dirty, from)
	return nil
}

// PersistHashMaps writes every dirty entry to its .hcache sidecar, and
// unlinks cache files for dirty entries that have since been erased.
func (s *Store) PersistHashMaps() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for vpath, needsWrite := range s.dirty {
		if needsWrite {
			e := s.entries[vpath]
			if err := s.persistOne(vpath, e); err != nil {
				return err
			}
		} else {
			path := s.cacheFile(vpath)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return xerrors.Errorf("hmap/store: unlink %s: %w", path, err)
			}
		}
	}
	s.dirty = make(map[string]bool)
	return nil
}

// persistOne writes one entry's cache file atomically, via renameio, so a
// crash mid-write never leaves a torn cache entry the dirty-set recovery
// logic would otherwise have to detect.
func (s *Store) persistOne(vpath string, e *Entry) error {
	path := s.cacheFile(vpath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xerrors.Errorf("hmap/store: mkdir %s: %w", filepath.Dir(path), err)
	}
	buf := marshalEntry(e)
	t, err := renameio.TempFile("", path)
	if err != nil {
		return xerrors.Errorf("hmap/store: tempfile for %s: %w", path, err)
	}
	defer t.Cleanup()
	if _, err := t.Write(buf); err != nil {
		return xerrors.Errorf("hmap/store: write %s: %w", path, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("hmap/store: replace %s: %w", path, err)
	}
	return nil
}

func marshalEntry(e *Entry) []byte {
	buf := make([]byte, 0, len(versionPrefix)+1+3*hasher.Size+len(e.BlockHashes)*hasher.Size)
	buf = append(buf, versionPrefix[:]...)
	if e.IsFile {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, e.NodeHash[:]...)
	buf = append(buf, e.NameHash[:]...)
	buf = append(buf, e.MetaHash[:]...)
	for _, b := range e.BlockHashes {
		buf = append(buf, b[:]...)
	}
	return buf
}

func (s *Store) readCacheFile(vpath string) (*Entry, error) {
	path := s.cacheFile(vpath)
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return unmarshalEntry(buf)
}

func unmarshalEntry(buf []byte) (*Entry, error) {
	const fixed = 4 + 1 + 3*hasher.Size
	if len(buf) < fixed {
		return nil, xerrors.New("hmap/store: truncated cache file")
	}
	e := &Entry{IsFile: buf[4] != 0}
	off := 5
	copy(e.NodeHash[:], buf[off:off+hasher.Size])
	off += hasher.Size
	copy(e.NameHash[:], buf[off:off+hasher.Size])
	off += hasher.Size
	copy(e.MetaHash[:], buf[off:off+hasher.Size])
	off += hasher.Size

	remaining := len(buf) - off
	if remaining%hasher.Size != 0 {
		return nil, xerrors.New("hmap/store: malformed block hash list")
	}
	n := remaining / hasher.Size
	e.BlockHashes = make([]hasher.H32, n)
	for i := 0; i < n; i++ {
		copy(e.BlockHashes[i][:], buf[off:off+hasher.Size])
		off += hasher.Size
	}
	return e, nil
}

// Clear removes the entire hmap directory tree and empties memory.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.hmapDir); err != nil {
		return xerrors.Errorf("hmap/store: clear %s: %w", s.hmapDir, err)
	}
	s.entries = make(map[string]*Entry)
	s.dirty = make(map[string]bool)
	return nil
}
