// Package session wires the audit log, VFS builder, hash tree and hash
// query together into named sessions (spec.md §4.H), and implements the
// four-step canonical mutation pattern every write-side operation follows:
// append an empty-root-hash record, replay it into the VFS, update the
// hash tree, then patch the record's root_hash field in place.
package session

import (
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/xerrors"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/audit"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/hmap/query"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/hmap/store"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/hmap/tree"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/vfs"
)

// Session is a scoped view over the seed + log: a read-only snapshot or a
// read-write tail-follower. Each session uniquely owns its audit log
// handle, VFS, hash tree and hash query.
type Session struct {
	Name        string
	Readonly    bool
	HmapEnabled bool
	Ino         uint64

	Logger *audit.Logger
	VFS    *vfs.VFS
	Tree   *tree.Tree   // nil unless HmapEnabled
	Store  *store.Store // nil unless HmapEnabled
	Query  *query.Query // nil unless HmapEnabled

	// mu is the per-session exclusive lock over all VFS and hash-tree
	// mutations (spec.md §5): exclusive for writes, shared for reads.
	mu sync.RWMutex
}

var ErrReadOnly = xerrors.New("session: mutation on a read-only session")

func (s *Session) checkWritable() error {
	if s.Readonly {
		return ErrReadOnly
	}
	return nil
}

// appendApply runs the first two steps of the canonical pattern (append,
// then replay into the VFS) and returns the located record so the caller
// can feed it to the hash tree and then patch the root hash.
func (s *Session) appendApply(op audit.Operation, vpath string, payload []byte, blockSegs [][]byte) (*audit.Record, error) {
	off, err := s.Logger.Append(op, vpath, payload, blockSegs)
	if err != nil {
		return nil, err
	}
	rec, err := s.Logger.ReadAt(off)
	if err != nil {
		return nil, err
	}
	blockData, err := s.Logger.ReadBlockData(rec)
	if err != nil {
		return nil, err
	}
	if err := s.VFS.ApplyLogRecord(rec, payload, blockData); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Session) patchRoot(rec *audit.Record) error {
	if !s.HmapEnabled {
		return nil
	}
	return s.Logger.PatchRootHash(rec.Offset, s.Tree.GetRootHash())
}

func (s *Session) Mkdir(vpath string, mode os.FileMode) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := audit.EncodeModePayload(uint32(mode.Perm()))
	rec, err := s.appendApply(audit.Mkdir, vpath, payload, nil)
	if err != nil {
		return err
	}
	if s.HmapEnabled {
		if err := s.Tree.ApplyVnodeCreate(vpath, true, os.ModeDir|mode.Perm()); err != nil {
			return err
		}
	}
	return s.patchRoot(rec)
}

func (s *Session) Create(vpath string, mode os.FileMode) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := audit.EncodeModePayload(uint32(mode.Perm()))
	rec, err := s.appendApply(audit.Create, vpath, payload, nil)
	if err != nil {
		return err
	}
	if s.HmapEnabled {
		if err := s.Tree.ApplyVnodeCreate(vpath, false, mode.Perm()); err != nil {
			return err
		}
	}
	return s.patchRoot(rec)
}

func (s *Session) Chmod(vpath string, mode os.FileMode) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := audit.EncodeModePayload(uint32(mode.Perm()))
	rec, err := s.appendApply(audit.Chmod, vpath, payload, nil)
	if err != nil {
		return err
	}
	if s.HmapEnabled {
		vn, err := s.VFS.GetVnode(vpath)
		if err != nil {
			return err
		}
		if err := s.Tree.ApplyVnodeMetadataUpdate(vpath, vn.Stat.Mode); err != nil {
			return err
		}
	}
	return s.patchRoot(rec)
}

func (s *Session) delete(op audit.Operation, vpath string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.appendApply(op, vpath, nil, nil)
	if err != nil {
		return err
	}
	if s.HmapEnabled {
		if err := s.Tree.ApplyVnodeDelete(vpath); err != nil {
			return err
		}
	}
	return s.patchRoot(rec)
}

func (s *Session) Rmdir(vpath string) error  { return s.delete(audit.Rmdir, vpath) }
func (s *Session) Unlink(vpath string) error { return s.delete(audit.Unlink, vpath) }

func (s *Session) Rename(from, to string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.appendApply(audit.Rename, from, []byte(to), nil)
	if err != nil {
		return err
	}
	if s.HmapEnabled {
		vn, err := s.VFS.GetVnode(to)
		if err != nil {
			return err
		}
		if err := s.Tree.ApplyVnodeRename(from, to, vn.Stat.IsDir()); err != nil {
			return err
		}
	}
	return s.patchRoot(rec)
}

func (s *Session) Write(vpath string, data []byte, offset int64) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	vn, err := s.VFS.GetVnode(vpath)
	if err != nil {
		return err
	}
	blockStart, blockEnd, segs := s.VFS.PopulateBlockBufSegs(vn, data, offset)
	payload := audit.EncodeWritePayload(audit.WritePayload{
		Size:              uint64(len(data)),
		Offset:            uint64(offset),
		MmapBlockSize:     uint64(blockEnd - blockStart),
		MmapBlockOffset:   uint64(blockStart),
		DataOffsetInBlock: uint64(offset - blockStart),
	})
	rec, err := s.appendApply(audit.Write, vpath, payload, segs)
	if err != nil {
		return err
	}
	if s.HmapEnabled {
		if err := s.Tree.ApplyVnodeDataUpdate(vpath, offset, int64(len(data))); err != nil {
			return err
		}
	}
	return s.patchRoot(rec)
}

func (s *Session) Truncate(vpath string, size int64) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	vn, err := s.VFS.GetVnode(vpath)
	if err != nil {
		return err
	}
	oldSize := vn.Stat.Size

	var segs [][]byte
	var blockStart int64
	if size > oldSize {
		// Growing: the newly visible tail is a zero-filled block segment
		// so the composite mmap has real backing for it.
		grown := make([]byte, size-oldSize)
		blockStart, _, segs = s.VFS.PopulateBlockBufSegs(vn, grown, oldSize)
	}
	var total int64
	for _, seg := range segs {
		total += int64(len(seg))
	}
	payload := audit.EncodeTruncatePayload(audit.TruncatePayload{
		Size:            uint64(size),
		MmapBlockSize:   uint64(total),
		MmapBlockOffset: uint64(blockStart),
	})
	rec, err := s.appendApply(audit.Truncate, vpath, payload, segs)
	if err != nil {
		return err
	}
	if s.HmapEnabled {
		// appendApply already replayed this record into the VFS, so vn's
		// Stat.Size now reads as the new size; use oldSize, captured
		// before the append, the way fuse_adapter.cpp's truncate does
		// (current_size before apply_vnode_update).
		updateOffset := oldSize
		if size < updateOffset {
			updateOffset = size
		}
		updateSize := size - oldSize
		if updateSize < 0 {
			updateSize = 0
		}
		if err := s.Tree.ApplyVnodeDataUpdate(vpath, updateOffset, updateSize); err != nil {
			return err
		}
	}
	return s.patchRoot(rec)
}

// Read serves an ordinary (non-hash-query) read against this session's
// VFS under the shared lock.
func (s *Session) Read(vpath string, buf []byte, offset int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vn, err := s.VFS.GetVnode(vpath)
	if err != nil {
		return 0, err
	}
	return s.VFS.Read(vn, buf, offset)
}

func (s *Session) GetVnode(vpath string) (*vfs.Vnode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.VFS.GetVnode(vpath)
}

func (s *Session) GetDirChildren(vpath string) (map[string]*vfs.Vnode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.VFS.GetDirChildren(vpath)
}

// close persists any dirty hash entries, releases the VFS and the audit
// log's session lock (advancing last_checkpoint for a RW session), and
// closes the log file descriptor.
func (s *Session) close() error {
	if s.HmapEnabled && s.Store != nil {
		if err := s.Store.PersistHashMaps(); err != nil {
			return err
		}
	}
	if err := s.VFS.Close(); err != nil {
		return err
	}
	if err := s.Logger.ReleaseSession(!s.Readonly); err != nil {
		return err
	}
	return s.Logger.Close()
}

// seedDir and logPath are the two on-disk locations every session needs,
// both rooted at the filesystem directory F (spec.md §6).
func seedDir(fsDir string) string { return filepath.Join(fsDir, "seed") }
func logPath(fsDir string) string { return filepath.Join(fsDir, "log.hpfs") }
func hmapDir(fsDir string) string { return filepath.Join(fsDir, "hmap") }
