// Package vfs replays the audit log over an immutable seed directory,
// materializing virtual inodes whose file content is presented through a
// composite memory map stitched from the seed file and log-resident data
// blocks. See SPEC_FULL.md §4.D.
package vfs

import (
	"os"
	"sync"

	"golang.org/x/xerrors"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/audit"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/vfs/seedpath"
)

// BlockSize is the mmap/log alignment granularity shared with the audit
// log (distinct from the much larger content-hashing block in
// internal/hmap/tree).
const BlockSize = audit.BlockSize

const RootIno = 1

// VFS maintains, for a single session, the map vpath -> vnode reflecting
// the seed directory as modified by the log up to a scan frontier.
type VFS struct {
	readonly bool
	seedDir  string
	logger   *audit.Logger

	mu             sync.Mutex
	nextIno        uint64
	vnodes         map[string]*Vnode
	seedPaths      *seedpath.Tracker
	lastCheckpoint int64 // captured once at session start for RO sessions
	logScannedUpto int64
}

// New opens a VFS over seedDir, replaying logger's records up to the
// current tail (RW) or the log's last_checkpoint at open time (RO).
func New(readonly bool, seedDir string, logger *audit.Logger) (*VFS, error) {
	v := &VFS{
		readonly:  readonly,
		seedDir:   seedDir,
		logger:    logger,
		nextIno:   2,
		vnodes:    make(map[string]*Vnode),
		seedPaths: seedpath.New(),
	}
	if readonly {
		h, err := logger.Header()
		if err != nil {
			return nil, err
		}
		v.lastCheckpoint = h.LastCheckpoint
	}
	root, err := v.materializeRoot()
	if err != nil {
		return nil, err
	}
	v.vnodes["/"] = root
	if err := v.buildVFSLocked(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *VFS) materializeRoot() (*Vnode, error) {
	st, err := os.Lstat(v.seedDir)
	if err != nil {
		return nil, xerrors.Errorf("vfs: stat seed root: %w", err)
	}
	return &Vnode{
		Ino:  RootIno,
		Stat: Stat{Mode: os.ModeDir | (st.Mode() & os.ModePerm), ModTime: st.ModTime()},
	}, nil
}

func (v *VFS) allocIno() uint64 {
	ino := v.nextIno
	v.nextIno++
	return ino
}

// GetVnode returns vpath's vnode, lazily materializing it from the seed
// directory if it has not been touched by the log yet.
func (v *VFS) GetVnode(vpath string) (*Vnode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.getVnodeLocked(vpath)
}

func (v *VFS) getVnodeLocked(vpath string) (*Vnode, error) {
	if vn, ok := v.vnodes[vpath]; ok {
		return vn, nil
	}
	return v.addVnodeFromSeedLocked(vpath)
}

// addVnodeFromSeedLocked materializes vpath from the seed directory,
// resolving renames/removals first. Returns os.ErrNotExist if the path has
// no live seed backing.
func (v *VFS) addVnodeFromSeedLocked(vpath string) (*Vnode, error) {
	resolved := v.seedPaths.Resolve(vpath)
	if v.seedPaths.IsRemoved(resolved) || v.seedPaths.IsRenameSource(resolved) {
		return nil, os.ErrNotExist
	}
	full := v.seedDir + resolved
	st, err := os.Lstat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, xerrors.Errorf("vfs: stat %s: %w", full, err)
	}

	vn := &Vnode{Ino: v.allocIno()}
	if st.IsDir() {
		vn.Stat = Stat{Mode: os.ModeDir | (st.Mode() & os.ModePerm), ModTime: st.ModTime()}
		v.vnodes[vpath] = vn
		return vn, nil
	}

	f, err := os.OpenFile(full, os.O_RDONLY, 0)
	if err != nil {
		return nil, xerrors.Errorf("vfs: open %s: %w", full, err)
	}
	vn.SeedFD = f
	vn.Stat = Stat{Mode: st.Mode() & os.ModePerm, Size: st.Size(), ModTime: st.ModTime()}
	vn.MaxSize = st.Size()
	vn.DataSegs = []DataSeg{{SourceFD: f.Fd(), Size: st.Size(), SourceOffset: 0, LogicalOffset: 0}}
	if st.Size() > 0 {
		if err := v.updateVnodeMmap(vn); err != nil {
			f.Close()
			return nil, err
		}
	}
	v.vnodes[vpath] = vn
	return vn, nil
}

// addVnode inserts a freshly created vnode (MKDIR/CREATE) with no seed
// backing.
func (v *VFS) addVnode(vpath string, vn *Vnode) {
	v.vnodes[vpath] = vn
}

// BuildVFS advances log_scanned_upto, applying every record up to the
// current tail (RW) or up to last_checkpoint (RO, captured at session
// open).
func (v *VFS) BuildVFS() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.buildVFSLocked()
}

func (v *VFS) buildVFSLocked() error {
	cursor := v.logScannedUpto
	for {
		rec, err := v.logger.ReadAt(cursor)
		if err == audit.ErrNoRecord {
			break
		}
		if err != nil {
			return err
		}
		if v.readonly && rec.Offset >= v.lastCheckpoint {
			break
		}
		payload, err := v.logger.ReadPayload(rec)
		if err != nil {
			return err
		}
		blockData, err := v.logger.ReadBlockData(rec)
		if err != nil {
			return err
		}
		if err := v.applyLogRecordLocked(rec, payload, blockData); err != nil {
			return err
		}
		v.logScannedUpto = rec.Next
		if rec.Next == 0 {
			// Reached the tail: park the cursor at eof rather than 0, which
			// ReadAt takes to mean "first record".
			v.logScannedUpto = v.logger.EOF()
			break
		}
		cursor = rec.Next
	}
	return nil
}

// ApplyLogRecord applies one record to the in-memory vnode graph. Exported
// so a session can invoke it immediately after an append, without waiting
// for the next BuildVFS poll (the canonical append -> apply -> hash ->
// patch sequence in SPEC_FULL.md §4.F).
func (v *VFS) ApplyLogRecord(rec *audit.Record, payload, blockData []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.applyLogRecordLocked(rec, payload, blockData); err != nil {
		return err
	}
	v.logScannedUpto = rec.Next
	if rec.Next == 0 {
		v.logScannedUpto = v.logger.EOF()
	}
	return nil
}

func (v *VFS) applyLogRecordLocked(rec *audit.Record, payload, blockData []byte) error {
	vpath := rec.Vpath
	switch rec.Header.Operation {
	case audit.Mkdir:
		mode := audit.DecodeModePayload(payload)
		v.addVnode(vpath, &Vnode{Ino: v.allocIno(), Stat: Stat{Mode: os.ModeDir | os.FileMode(mode&0o777)}})

	case audit.Create:
		mode := audit.DecodeModePayload(payload)
		v.addVnode(vpath, &Vnode{Ino: v.allocIno(), Stat: Stat{Mode: os.FileMode(mode & 0o777)}})

	case audit.Chmod:
		vn, err := v.getVnodeLocked(vpath)
		if err != nil {
			return err
		}
		mode := audit.DecodeModePayload(payload)
		vn.Stat.Mode = (vn.Stat.Mode & os.ModeType) | os.FileMode(mode&0o777)

	case audit.Chown:
		// No-op: ownership enforcement is out of scope.

	case audit.Rmdir, audit.Unlink:
		vn, err := v.getVnodeLocked(vpath)
		if err != nil {
			return err
		}
		v.deleteVnodeLocked(vpath, vn)
		v.seedPaths.Remove(vpath, vn.Stat.IsDir())

	case audit.Rename:
		dest := string(payload)
		v.renameLocked(vpath, dest)

	case audit.Write:
		p := audit.DecodeWritePayload(payload)
		vn, err := v.getVnodeLocked(vpath)
		if err != nil {
			return err
		}
		if rec.Header.BlockDataLen > 0 {
			vn.DataSegs = append(vn.DataSegs, DataSeg{
				SourceFD:      uintptr(v.logger.Fd()),
				Size:          int64(rec.Header.BlockDataLen),
				SourceOffset:  rec.BlockDataOff,
				LogicalOffset: int64(p.MmapBlockOffset),
			})
		}
		newSize := int64(p.Offset + p.Size)
		if newSize > vn.Stat.Size {
			vn.Stat.Size = newSize
		}
		if newSize > vn.MaxSize {
			vn.MaxSize = newSize
		}
		if err := v.updateVnodeMmap(vn); err != nil {
			return err
		}

	case audit.Truncate:
		p := audit.DecodeTruncatePayload(payload)
		vn, err := v.getVnodeLocked(vpath)
		if err != nil {
			return err
		}
		if rec.Header.BlockDataLen > 0 {
			vn.DataSegs = append(vn.DataSegs, DataSeg{
				SourceFD:      uintptr(v.logger.Fd()),
				Size:          int64(rec.Header.BlockDataLen),
				SourceOffset:  rec.BlockDataOff,
				LogicalOffset: int64(p.MmapBlockOffset),
			})
		}
		vn.Stat.Size = int64(p.Size)
		if vn.Stat.Size > vn.MaxSize {
			vn.MaxSize = vn.Stat.Size
		}
		if err := v.updateVnodeMmap(vn); err != nil {
			return err
		}

	default:
		return xerrors.Errorf("vfs: unknown operation %v at offset %d", rec.Header.Operation, rec.Offset)
	}
	return nil
}

func (v *VFS) deleteVnodeLocked(vpath string, vn *Vnode) {
	munmap(vn.Mmap.Ptr, vn.Mmap.Size)
	if vn.SeedFD != nil {
		vn.SeedFD.Close()
	}
	delete(v.vnodes, vpath)
}

// renameLocked re-keys vn and all of its descendants by string-prefix
// substitution, and teaches the seed-path tracker about the move.
func (v *VFS) renameLocked(from, to string) {
	v.seedPaths.Rename(from, to)

	moved := make(map[string]*Vnode)
	for k, vn := range v.vnodes {
		if k == from {
			moved[to] = vn
			delete(v.vnodes, k)
			continue
		}
		if len(k) > len(from) && k[:len(from)] == from && k[len(from)] == '/' {
			moved[to+k[len(from):]] = vn
			delete(v.vnodes, k)
		}
	}
	for k, vn := range moved {
		v.vnodes[k] = vn
	}
}

// updateVnodeMmap brings vn's composite mmap up to date with its current
// DataSegs, per SPEC_FULL.md / spec.md §4.D's composite mmap strategy.
func (v *VFS) updateVnodeMmap(vn *Vnode) error {
	required := alignUp(vn.MaxSize, BlockSize)
	if required == 0 {
		return nil
	}
	if vn.Mmap.Size > 0 && vn.Mmap.Size < required {
		if err := munmap(vn.Mmap.Ptr, vn.Mmap.Size); err != nil {
			return err
		}
		vn.Mmap = MmapRegion{}
		vn.MappedDataSegs = 0
	}
	if vn.Mmap.Ptr == 0 {
		if len(vn.DataSegs) == 0 {
			return nil
		}
		first := vn.DataSegs[0]
		addr, err := mmapRegion(int(first.SourceFD), first.SourceOffset, required)
		if err != nil {
			return err
		}
		vn.Mmap = MmapRegion{Ptr: addr, Size: required}
		vn.MappedDataSegs = 1
	}
	for i := vn.MappedDataSegs; i < len(vn.DataSegs); i++ {
		seg := vn.DataSegs[i]
		if seg.LogicalOffset == 0 && i == 0 {
			continue
		}
		if err := mmapFixed(vn.Mmap.Ptr+uintptr(seg.LogicalOffset), int(seg.SourceFD), seg.SourceOffset, seg.Size); err != nil {
			return err
		}
	}
	vn.MappedDataSegs = len(vn.DataSegs)
	return nil
}

// Read clamps [offset, offset+len(buf)) to [0, stat.size) and copies from
// vn's composite mapping.
func (v *VFS) Read(vn *Vnode, buf []byte, offset int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if offset >= vn.Stat.Size {
		return 0, nil
	}
	end := offset + int64(len(buf))
	if end > vn.Stat.Size {
		end = vn.Stat.Size
	}
	region := vn.bytes()
	if region == nil || int64(len(region)) < end {
		return 0, nil
	}
	n := copy(buf, region[offset:end])
	return n, nil
}

// Content returns the live byte slice of vn's current content, bounded to
// its stat size, for callers that need to hash or otherwise inspect a
// file's bytes (e.g. internal/hmap/tree). The returned slice aliases the
// mmap region directly; callers must not hold onto it past a mutation.
func (v *VFS) Content(vn *Vnode) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	if vn.Stat.Size == 0 {
		return nil
	}
	region := vn.bytes()
	if region == nil || int64(len(region)) < vn.Stat.Size {
		return nil
	}
	return region[:vn.Stat.Size]
}

// GetDirChildren returns the union of the resolved seed directory's
// children (filtered by removals/renames) and any vpaths whose parent is
// vpath, materializing each child vnode along the way.
func (v *VFS) GetDirChildren(vpath string) (map[string]*Vnode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	children := make(map[string]*Vnode)

	resolved := v.seedPaths.Resolve(vpath)
	full := v.seedDir + resolved
	if entries, err := os.ReadDir(full); err == nil {
		for _, e := range entries {
			childSeed := joinVpath(resolved, e.Name())
			if v.seedPaths.IsRemoved(childSeed) || v.seedPaths.IsRenameSource(childSeed) {
				continue
			}
			childVpath := joinVpath(vpath, e.Name())
			if _, already := v.vnodes[childVpath]; already {
				continue
			}
			vn, err := v.getVnodeLocked(childVpath)
			if err != nil {
				continue
			}
			children[e.Name()] = vn
		}
	}

	for k, vn := range v.vnodes {
		if k == vpath {
			continue
		}
		if parentOf(k) == vpath {
			children[baseName(k)] = vn
		}
	}
	return children, nil
}

// PopulateBlockBufSegs builds the ordered iovec-equivalent segment list a
// WRITE/TRUNCATE log record's block_data should contain, so the resulting
// log block can be memory-mapped in place of the tail of the file: (a)
// existing bytes from block-start to write-start (zero-filled past the
// current size), (b) the write buffer, (c) existing bytes from write-end
// to block-end (likewise zero-filled). Returns the block-aligned extent
// and the segments, ready to pass to audit.Logger.Append's blockSegs.
func (v *VFS) PopulateBlockBufSegs(vn *Vnode, wrBuf []byte, wrOffset int64) (blockStart, blockEnd int64, segs [][]byte) {
	fsize := vn.Stat.Size
	wrEnd := wrOffset + int64(len(wrBuf))
	blockStart = alignDown(wrOffset, BlockSize)
	blockEnd = alignUp(wrEnd, BlockSize)
	region := vn.bytes()

	if wrOffset > blockStart {
		segs = append(segs, existingOrZero(region, blockStart, wrOffset, fsize))
	}
	segs = append(segs, wrBuf)
	if blockEnd > wrEnd {
		segs = append(segs, existingOrZero(region, wrEnd, blockEnd, fsize))
	}
	return blockStart, blockEnd, segs
}

func existingOrZero(region []byte, start, end, fsize int64) []byte {
	buf := make([]byte, end-start)
	if start < fsize {
		copyEnd := end
		if copyEnd > fsize {
			copyEnd = fsize
		}
		if int64(len(region)) >= copyEnd {
			copy(buf[:copyEnd-start], region[start:copyEnd])
		}
	}
	return buf
}

// RebuildVFS tears down all vnodes and replays the entire log from
// scratch.
func (v *VFS) RebuildVFS() error {
	v.mu.Lock()
	for vpath, vn := range v.vnodes {
		if vpath == "/" {
			continue
		}
		munmap(vn.Mmap.Ptr, vn.Mmap.Size)
		if vn.SeedFD != nil {
			vn.SeedFD.Close()
		}
	}
	v.vnodes = make(map[string]*Vnode)
	v.seedPaths = seedpath.New()
	v.nextIno = 2
	v.logScannedUpto = 0
	root, err := v.materializeRoot()
	if err != nil {
		v.mu.Unlock()
		return err
	}
	v.vnodes["/"] = root
	err = v.buildVFSLocked()
	v.mu.Unlock()
	return err
}

// Close releases every vnode's mmap and seed file descriptor.
func (v *VFS) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, vn := range v.vnodes {
		munmap(vn.Mmap.Ptr, vn.Mmap.Size)
		if vn.SeedFD != nil {
			vn.SeedFD.Close()
		}
	}
	return nil
}

// LastCheckpoint exposes the RO snapshot frontier this VFS pinned at open
// time (0 for RW sessions, which have none).
func (v *VFS) LastCheckpoint() int64 {
	return v.lastCheckpoint
}

func (v *VFS) ReadOnly() bool { return v.readonly }

func (v *VFS) SeedDir() string { return v.seedDir }
