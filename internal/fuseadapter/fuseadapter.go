// Package fuseadapter bridges the kernel-facing mount (github.com/jacobsa/fuse)
// to the Session Manager (spec.md §4.H). It is the one piece of the teacher's
// own architecture that is directly analogous to this repository's mount
// surface: both implement a writable-or-read-only fuseutil.FileSystem and
// dispatch fuseops onto an internal, mutex-guarded index, the way
// internal/fuse/fuse.go (the teacher's union-overlay FUSE filesystem) does
// for its squashfs-backed inodes. Unlike the teacher's filesystem, every
// session here is genuinely writable (subject to its own read-only flag),
// and the top-level directory entries are session names, not package names.
package fuseadapter

import (
	"context"
	"os"
	"sync"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/hmap/query"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/session"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/vfs"
)

// entryKind distinguishes the four flavors of inode this adapter hands out.
type entryKind int

const (
	kindRoot entryKind = iota
	kindControlFile
	kindSessionRoot
	kindPath // ordinary vpath within a session, possibly a hash-query suffix
)

// key identifies one inode's referent: either the mount root, a reserved
// control file (identified by its full root-relative name), or a vpath
// within a named session.
type key struct {
	kind    entryKind
	session string
	vpath   string
}

// FS implements fuseutil.FileSystem over the Session Manager. It embeds
// NotImplementedFileSystem so unsupported optional operations default to
// ENOSYS, the same pattern internal/fuse/fuse.go (the teacher's FUSE
// filesystem) uses.
type FS struct {
	fuseutil.NotImplementedFileSystem

	mgr *session.Manager

	mu        sync.Mutex
	nextInode fuseops.InodeID
	keys      map[fuseops.InodeID]key
	ids       map[key]fuseops.InodeID
	lookups   map[fuseops.InodeID]uint64

	nextHandle fuseops.HandleID
	dirHandles map[fuseops.HandleID]*dirHandle
}

type dirHandle struct {
	entries []fuseutil.Dirent
}

// New creates a filesystem adapter over mgr. The mount root is always
// fuseops.RootInodeID.
func New(mgr *session.Manager) *FS {
	fs := &FS{
		mgr:        mgr,
		nextInode:  fuseops.RootInodeID + 1,
		keys:       make(map[fuseops.InodeID]key),
		ids:        make(map[key]fuseops.InodeID),
		lookups:    make(map[fuseops.InodeID]uint64),
		dirHandles: make(map[fuseops.HandleID]*dirHandle),
	}
	rootKey := key{kind: kindRoot}
	fs.keys[fuseops.RootInodeID] = rootKey
	fs.ids[rootKey] = fuseops.RootInodeID
	return fs
}

// Mount mounts fs at mountpoint, returning the live *fuse.MountedFileSystem
// so the caller can Join/unmount it (mirrors fuse.Mount's standard usage
// shown throughout the jacobsa/fuse examples the teacher's internal/fuse
// package also follows).
func Mount(mountpoint string, fs *FS, cfg *fuse.MountConfig) (*fuse.MountedFileSystem, error) {
	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(mountpoint, server, cfg)
	if err != nil {
		return nil, xerrors.Errorf("fuseadapter: mount %s: %w", mountpoint, err)
	}
	return mfs, nil
}

func (fs *FS) resolveLocked(k key) fuseops.InodeID {
	if id, ok := fs.ids[k]; ok {
		fs.lookups[id]++
		return id
	}
	id := fs.nextInode
	fs.nextInode++
	fs.ids[k] = id
	fs.keys[id] = k
	fs.lookups[id] = 1
	return id
}

// internLocked assigns k a stable inode ID without bumping its lookup
// count, for use in contexts (readdir) that don't carry a matching forget.
func (fs *FS) internLocked(k key) fuseops.InodeID {
	if id, ok := fs.ids[k]; ok {
		return id
	}
	id := fs.nextInode
	fs.nextInode++
	fs.ids[k] = id
	fs.keys[id] = k
	return id
}

func childVpath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// StatFS reports static, conservative values; there is no meaningful block
// accounting for a log-structured virtual filesystem.
func (fs *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.Blocks = 1 << 30
	op.BlocksFree = 1 << 29
	op.BlocksAvailable = 1 << 29
	op.IoSize = 4096
	op.Inodes = 1 << 20
	op.InodesFree = 1 << 19
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	pk, ok := fs.keys[op.Parent]
	fs.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}

	switch pk.kind {
	case kindRoot:
		full := "/" + op.Name
		if handled, ino, err := fs.mgr.CheckGetattr(full); handled {
			if err != nil {
				return fuse.ENOENT
			}
			fs.mu.Lock()
			id := fs.resolveLocked(key{kind: kindControlFile, vpath: full})
			fs.mu.Unlock()
			_ = ino
			op.Entry = fuseops.ChildInodeEntry{
				Child:      id,
				Attributes: fuseops.InodeAttributes{Mode: 0, Size: 0, Nlink: 1},
			}
			return nil
		}
		s := fs.mgr.Get(op.Name)
		if s == nil {
			return fuse.ENOENT
		}
		fs.mu.Lock()
		id := fs.resolveLocked(key{kind: kindSessionRoot, session: op.Name, vpath: "/"})
		fs.mu.Unlock()
		op.Entry = fuseops.ChildInodeEntry{
			Child: id,
			Attributes: fuseops.InodeAttributes{
				Mode: os.ModeDir | 0755,
				Nlink: 1,
			},
		}
		return nil

	case kindSessionRoot, kindPath:
		s := fs.mgr.Get(pk.session)
		if s == nil {
			return fuse.ENOENT
		}
		full := childVpath(pk.vpath, op.Name)
		attrs, err := fs.statVpath(s, full)
		if err != nil {
			return toErrno(err)
		}
		fs.mu.Lock()
		id := fs.resolveLocked(key{kind: kindPath, session: pk.session, vpath: full})
		fs.mu.Unlock()
		op.Entry = fuseops.ChildInodeEntry{Child: id, Attributes: attrs}
		return nil

	default:
		return fuse.ENOENT
	}
}

// statVpath computes the fabricated or real attributes for full, which may
// be an ordinary vpath or a hash-query pseudo-path (spec.md §4.G).
func (fs *FS) statVpath(s *session.Session, full string) (fuseops.InodeAttributes, error) {
	if s.Query != nil {
		req := query.ParseRequestPath(full)
		if req.Mode != query.Undefined {
			size, err := s.Query.Size(req)
			if err != nil {
				return fuseops.InodeAttributes{}, err
			}
			return fuseops.InodeAttributes{
				Mode:  0666,
				Size:  uint64(size),
				Nlink: 1,
			}, nil
		}
	}
	vn, err := s.GetVnode(full)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	return vnodeAttributes(vn), nil
}

func vnodeAttributes(vn *vfs.Vnode) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Mode:  vn.Stat.Mode,
		Size:  uint64(vn.Stat.Size),
		Nlink: 1,
		Mtime: vn.Stat.ModTime,
		Ctime: vn.Stat.ModTime,
		Atime: vn.Stat.ModTime,
	}
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	k, ok := fs.keys[op.Inode]
	fs.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}
	switch k.kind {
	case kindRoot:
		op.Attributes = fuseops.InodeAttributes{Mode: os.ModeDir | 0755, Nlink: 1}
		return nil
	case kindControlFile:
		handled, _, err := fs.mgr.CheckGetattr(k.vpath)
		if !handled || err != nil {
			return fuse.ENOENT
		}
		op.Attributes = fuseops.InodeAttributes{Mode: 0, Size: 0, Nlink: 1}
		return nil
	case kindSessionRoot, kindPath:
		s := fs.mgr.Get(k.session)
		if s == nil {
			return fuse.ENOENT
		}
		attrs, err := fs.statVpath(s, k.vpath)
		if err != nil {
			return toErrno(err)
		}
		op.Attributes = attrs
		return nil
	}
	return fuse.ENOENT
}

// SetInodeAttributes serves chmod (Mode) and truncate (Size); chown and
// utimens are accepted no-ops per spec.md §6.
func (fs *FS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fs.mu.Lock()
	k, ok := fs.keys[op.Inode]
	fs.mu.Unlock()
	if !ok || (k.kind != kindPath && k.kind != kindSessionRoot) {
		return fuse.ENOENT
	}
	s := fs.mgr.Get(k.session)
	if s == nil {
		return fuse.ENOENT
	}
	if op.Mode != nil {
		if err := s.Chmod(k.vpath, *op.Mode); err != nil {
			return toErrno(err)
		}
	}
	if op.Size != nil {
		if err := s.Truncate(k.vpath, int64(*op.Size)); err != nil {
			return toErrno(err)
		}
	}
	attrs, err := fs.statVpath(s, k.vpath)
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = attrs
	return nil
}

func (fs *FS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if n, ok := fs.lookups[op.Inode]; ok {
		if op.N >= n {
			delete(fs.lookups, op.Inode)
			if k, ok := fs.keys[op.Inode]; ok {
				delete(fs.ids, k)
				delete(fs.keys, op.Inode)
			}
		} else {
			fs.lookups[op.Inode] = n - op.N
		}
	}
	return nil
}

func (fs *FS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	k, s, err := fs.sessionFor(op.Parent)
	if err != nil {
		return toErrno(err)
	}
	full := childVpath(k.vpath, op.Name)
	if err := s.Mkdir(full, op.Mode); err != nil {
		return toErrno(err)
	}
	attrs, err := fs.statVpath(s, full)
	if err != nil {
		return toErrno(err)
	}
	fs.mu.Lock()
	id := fs.resolveLocked(key{kind: kindPath, session: k.session, vpath: full})
	fs.mu.Unlock()
	op.Entry = fuseops.ChildInodeEntry{Child: id, Attributes: attrs}
	return nil
}

func (fs *FS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	k, s, err := fs.sessionFor(op.Parent)
	if err != nil {
		if handled, cerr := fs.mgr.CheckCreate("/" + op.Name); handled {
			return toErrno(cerr)
		}
		return toErrno(err)
	}
	full := childVpath(k.vpath, op.Name)
	if err := s.Create(full, op.Mode); err != nil {
		return toErrno(err)
	}
	attrs, err := fs.statVpath(s, full)
	if err != nil {
		return toErrno(err)
	}
	fs.mu.Lock()
	id := fs.resolveLocked(key{kind: kindPath, session: k.session, vpath: full})
	fs.nextHandle++
	handle := fs.nextHandle
	fs.mu.Unlock()
	op.Entry = fuseops.ChildInodeEntry{Child: id, Attributes: attrs}
	op.Handle = handle
	return nil
}

func (fs *FS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	ok, s, err := fs.sameSession(op.OldParent, op.NewParent)
	if err != nil {
		return toErrno(err)
	}
	if !ok {
		return syscall.EINVAL
	}
	oldK, _ := fs.key(op.OldParent)
	newK, _ := fs.key(op.NewParent)
	from := childVpath(oldK.vpath, op.OldName)
	to := childVpath(newK.vpath, op.NewName)
	return toErrno(s.Rename(from, to))
}

func (fs *FS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	k, s, err := fs.sessionFor(op.Parent)
	if err != nil {
		return toErrno(err)
	}
	return toErrno(s.Rmdir(childVpath(k.vpath, op.Name)))
}

func (fs *FS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	k, ok := fs.key(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	if k.kind == kindRoot {
		full := "/" + op.Name
		if handled, err := fs.mgr.CheckUnlink(full); handled {
			return toErrno(err)
		}
	}
	s := fs.mgr.Get(k.session)
	if s == nil {
		return fuse.ENOENT
	}
	return toErrno(s.Unlink(childVpath(k.vpath, op.Name)))
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	k, ok := fs.key(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	type child struct {
		childKey key
		name     string
		isDir    bool
	}
	var children []child
	switch k.kind {
	case kindRoot:
		for _, name := range fs.mgr.Sessions() {
			children = append(children, child{
				childKey: key{kind: kindSessionRoot, session: name, vpath: "/"},
				name:     name,
				isDir:    true,
			})
		}
	case kindSessionRoot, kindPath:
		s := fs.mgr.Get(k.session)
		if s == nil {
			return fuse.ENOENT
		}
		vchildren, err := s.GetDirChildren(k.vpath)
		if err != nil {
			return toErrno(err)
		}
		for name, vn := range vchildren {
			children = append(children, child{
				childKey: key{kind: kindPath, session: k.session, vpath: childVpath(k.vpath, name)},
				name:     name,
				isDir:    vn.Stat.IsDir(),
			})
		}
	default:
		return fuse.ENOENT
	}

	fs.mu.Lock()
	entries := make([]fuseutil.Dirent, len(children))
	for i, c := range children {
		typ := fuseutil.DT_File
		if c.isDir {
			typ = fuseutil.DT_Directory
		}
		entries[i] = fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fs.internLocked(c.childKey),
			Name:   c.name,
			Type:   typ,
		}
	}
	fs.nextHandle++
	h := fs.nextHandle
	fs.dirHandles[h] = &dirHandle{entries: entries}
	fs.mu.Unlock()
	op.Handle = h
	return nil
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	dh, ok := fs.dirHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}
	if int(op.Offset) > len(dh.entries) {
		return nil
	}
	n := 0
	for _, e := range dh.entries[op.Offset:] {
		written := fuseutil.WriteDirent(op.Dst[n:], e)
		if written == 0 {
			break
		}
		n += written
	}
	op.BytesRead = n
	return nil
}

func (fs *FS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	delete(fs.dirHandles, op.Handle)
	fs.mu.Unlock()
	return nil
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	k, ok := fs.key(op.Inode)
	if !ok || (k.kind != kindPath && k.kind != kindControlFile) {
		return fuse.ENOENT
	}
	fs.mu.Lock()
	fs.nextHandle++
	op.Handle = fs.nextHandle
	fs.mu.Unlock()
	op.KeepPageCache = false
	op.UseDirectIO = true
	return nil
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	k, s, err := fs.sessionFor(op.Inode)
	if err != nil {
		return toErrno(err)
	}
	if s.Query != nil {
		req := query.ParseRequestPath(k.vpath)
		if req.Mode != query.Undefined {
			buf, err := s.Query.Read(req)
			if err != nil {
				return toErrno(err)
			}
			if int64(op.Offset) >= int64(len(buf)) {
				op.BytesRead = 0
				return nil
			}
			n := copy(op.Dst, buf[op.Offset:])
			op.BytesRead = n
			return nil
		}
	}
	n, err := s.Read(k.vpath, op.Dst, op.Offset)
	op.BytesRead = n
	return toErrno(err)
}

func (fs *FS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	k, s, err := fs.sessionFor(op.Inode)
	if err != nil {
		return toErrno(err)
	}
	return toErrno(s.Write(k.vpath, op.Data, op.Offset))
}

func (fs *FS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error   { return nil }
func (fs *FS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error { return nil }

func (fs *FS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

// The following operations are explicit no-ops per spec.md §6: chown,
// utimens (folded into SetInodeAttributes above when no Mode/Size is set),
// symlink, link, setxattr, removexattr, listxattr (an empty list) and
// fallocate return success without doing anything, since hard-links,
// symlinks and extended attributes are Non-goals (spec.md §1). getxattr
// returns ENODATA, so every attribute name reads as absent, consistent
// with the empty list.
func (fs *FS) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error { return nil }
func (fs *FS) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error       { return nil }
func (fs *FS) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error     { return nil }
func (fs *FS) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error           { return nil }
func (fs *FS) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	return syscall.ENODATA
}
func (fs *FS) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	op.BytesRead = 0
	return nil
}
func (fs *FS) Fallocate(ctx context.Context, op *fuseops.FallocateOp) error { return nil }

func (fs *FS) Destroy() {
	fs.mgr.StopAll()
}

// --- helpers ---

func (fs *FS) key(inode fuseops.InodeID) (key, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	k, ok := fs.keys[inode]
	return k, ok
}

// sessionFor resolves inode to its key and owning session, erroring if
// inode does not refer to a live session-scoped path.
func (fs *FS) sessionFor(inode fuseops.InodeID) (key, *session.Session, error) {
	k, ok := fs.key(inode)
	if !ok || (k.kind != kindPath && k.kind != kindSessionRoot) {
		return key{}, nil, os.ErrNotExist
	}
	s := fs.mgr.Get(k.session)
	if s == nil {
		return key{}, nil, os.ErrNotExist
	}
	return k, s, nil
}

func (fs *FS) sameSession(a, b fuseops.InodeID) (bool, *session.Session, error) {
	ka, s, err := fs.sessionFor(a)
	if err != nil {
		return false, nil, err
	}
	kb, ok := fs.key(b)
	if !ok {
		return false, nil, os.ErrNotExist
	}
	return ka.session == kb.session, s, nil
}

// toErrno maps an internal error to the syscall.Errno fuseops dispatch
// expects; wrapped xerrors are not used across this boundary (SPEC_FULL.md's
// ambient-stack note on the per-request FUSE errno boundary).
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	switch {
	case os.IsNotExist(err):
		return syscall.ENOENT
	case os.IsExist(err):
		return syscall.EEXIST
	case xerrors.Is(err, session.ErrReadOnly):
		return syscall.EROFS
	default:
		return syscall.EIO
	}
}
