// Package tree implements the incremental XOR-combined Merkle hash tree
// over the virtual filesystem (spec.md §4.F).
package tree

import (
	"os"
	"path"

	"golang.org/x/xerrors"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/hasher"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/hmap/store"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/vfs"
)

// HashBlockSize is the content-hashing slab size: 4 MiB, distinct from the
// 4096-byte audit-log/mmap alignment block.
const HashBlockSize = 4 * 1024 * 1024

// Tree borrows a VFS (for directory walks on cold-start/rebuild) and owns
// no vnode state of its own; it does not outlive the VFS it was built
// with.
type Tree struct {
	vfs   *vfs.VFS
	store *store.Store
}

func New(v *vfs.VFS, st *store.Store) *Tree {
	return &Tree{vfs: v, store: st}
}

// Init computes every per-vnode hash from scratch by walking the VFS, if
// the root entry is not already present in the store (cold start);
// otherwise the persisted root is trusted as-is.
func (t *Tree) Init() error {
	if _, ok := t.store.Find("/"); ok {
		return nil
	}
	_, err := t.rebuild("/")
	return err
}

func childVpath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func parentVpath(vpath string) string {
	if vpath == "/" {
		return ""
	}
	p := path.Dir(vpath)
	return p
}

func basename(vpath string) string {
	if vpath == "/" {
		return "/"
	}
	return path.Base(vpath)
}

func toPosixMode(mode os.FileMode) uint32 {
	perm := uint32(mode.Perm())
	if mode.IsDir() {
		return 0o040000 | perm
	}
	return 0o100000 | perm
}

func nameAndMetaHash(vpath string, mode os.FileMode) (nameHash, metaHash hasher.H32) {
	nameHash = hasher.Hash([]byte(basename(vpath)))
	metaHash = hasher.Hash(hasher.BigEndianUint32(toPosixMode(mode)))
	return
}

func computeBlockHashes(content []byte) []hasher.H32 {
	if len(content) == 0 {
		return nil
	}
	n := (len(content) + HashBlockSize - 1) / HashBlockSize
	out := make([]hasher.H32, n)
	for i := 0; i < n; i++ {
		start := i * HashBlockSize
		end := start + HashBlockSize
		if end > len(content) {
			end = len(content)
		}
		out[i] = hasher.Hash2(hasher.BigEndianUint64(uint64(start)), content[start:end])
	}
	return out
}

func xorAll(hs []hasher.H32) hasher.H32 {
	var out hasher.H32
	for _, h := range hs {
		out = out.XOR(h)
	}
	return out
}

// rebuild computes vpath's node_hash from scratch (recursing into
// directories) and stores the resulting entry.
func (t *Tree) rebuild(vpath string) (hasher.H32, error) {
	vn, err := t.vfs.GetVnode(vpath)
	if err != nil {
		return hasher.Empty, err
	}
	nameHash, metaHash := nameAndMetaHash(vpath, vn.Stat.Mode)

	if vn.Stat.IsDir() {
		children, err := t.vfs.GetDirChildren(vpath)
		if err != nil {
			return hasher.Empty, err
		}
		var childXor hasher.H32
		for name := range children {
			ch, err := t.rebuild(childVpath(vpath, name))
			if err != nil {
				return hasher.Empty, err
			}
			childXor = childXor.XOR(ch)
		}
		nodeHash := nameHash.XOR(metaHash).XOR(childXor)
		t.store.Insert(vpath, &store.Entry{IsFile: false, NodeHash: nodeHash, NameHash: nameHash, MetaHash: metaHash})
		return nodeHash, nil
	}

	content := t.vfs.Content(vn)
	blockHashes := computeBlockHashes(content)
	nodeHash := nameHash.XOR(metaHash).XOR(xorAll(blockHashes))
	t.store.Insert(vpath, &store.Entry{IsFile: true, NodeHash: nodeHash, NameHash: nameHash, MetaHash: metaHash, BlockHashes: blockHashes})
	return nodeHash, nil
}

// GetRootHash returns the tree's current root hash, or the empty hash if
// nothing has ever been inserted (e.g. an entirely empty seed + log).
func (t *Tree) GetRootHash() hasher.H32 {
	e, ok := t.store.Find("/")
	if !ok {
		return hasher.Empty
	}
	return e.NodeHash
}

// ApplyVnodeCreate inserts a brand-new entry (MKDIR/CREATE) and propagates
// empty -> node_hash up to the root.
func (t *Tree) ApplyVnodeCreate(vpath string, isDir bool, mode os.FileMode) error {
	nameHash, metaHash := nameAndMetaHash(vpath, mode)
	nodeHash := nameHash.XOR(metaHash)
	t.store.Insert(vpath, &store.Entry{IsFile: !isDir, NodeHash: nodeHash, NameHash: nameHash, MetaHash: metaHash})
	t.propagate(vpath, hasher.Empty, nodeHash)
	return nil
}

// ApplyVnodeMetadataUpdate handles CHMOD: XOR out the old meta_hash, XOR in
// the new one, and propagate the delta.
func (t *Tree) ApplyVnodeMetadataUpdate(vpath string, mode os.FileMode) error {
	e, ok := t.store.Find(vpath)
	if !ok {
		return xerrors.Errorf("hmap/tree: no entry for %s", vpath)
	}
	old := e.NodeHash
	e.NodeHash.XORAssign(e.MetaHash)
	_, newMeta := nameAndMetaHash(vpath, mode)
	e.MetaHash = newMeta
	e.NodeHash.XORAssign(newMeta)
	t.store.Insert(vpath, e)
	t.propagate(vpath, old, e.NodeHash)
	return nil
}

// ApplyVnodeDataUpdate handles WRITE/TRUNCATE: resize block_hashes to the
// new required count, recompute only the blocks the update touched, rebuild
// node_hash from scratch, and propagate.
func (t *Tree) ApplyVnodeDataUpdate(vpath string, updateOffset, updateSize int64) error {
	e, ok := t.store.Find(vpath)
	if !ok {
		return xerrors.Errorf("hmap/tree: no entry for %s", vpath)
	}
	old := e.NodeHash

	vn, err := t.vfs.GetVnode(vpath)
	if err != nil {
		return err
	}
	content := t.vfs.Content(vn)
	required := (len(content) + HashBlockSize - 1) / HashBlockSize

	if required > len(e.BlockHashes) {
		e.BlockHashes = append(e.BlockHashes, make([]hasher.H32, required-len(e.BlockHashes))...)
	} else if required < len(e.BlockHashes) {
		e.BlockHashes = e.BlockHashes[:required]
	}

	if required > 0 {
		startBlock := updateOffset / HashBlockSize
		endBlock := (updateOffset + updateSize) / HashBlockSize
		if endBlock > int64(required-1) {
			endBlock = int64(required - 1)
		}
		for i := startBlock; i <= endBlock; i++ {
			start := i * HashBlockSize
			end := start + HashBlockSize
			if end > int64(len(content)) {
				end = int64(len(content))
			}
			e.BlockHashes[i] = hasher.Hash2(hasher.BigEndianUint64(uint64(start)), content[start:end])
		}
	}

	e.NodeHash = e.NameHash.XOR(e.MetaHash).XOR(xorAll(e.BlockHashes))
	t.store.Insert(vpath, e)
	t.propagate(vpath, old, e.NodeHash)
	return nil
}

// ApplyVnodeDelete captures the old node_hash, erases the entry, and
// propagates node_hash -> empty.
func (t *Tree) ApplyVnodeDelete(vpath string) error {
	e, ok := t.store.Find(vpath)
	if !ok {
		return nil
	}
	old := e.NodeHash
	t.store.Erase(vpath)
	t.propagate(vpath, old, hasher.Empty)
	return nil
}

// ApplyVnodeRename persists current dirty entries, moves the cache
// file/dir, updates the entry's name_hash, then propagates delete-at-source
// followed by insert-at-destination, matching the reference ordering.
func (t *Tree) ApplyVnodeRename(from, to string, isDir bool) error {
	if err := t.store.PersistHashMaps(); err != nil {
		return err
	}
	if err := t.store.MoveCache(from, to, isDir); err != nil {
		return err
	}
	e, ok := t.store.Find(to)
	if !ok {
		return xerrors.Errorf("hmap/tree: no entry for %s after move", to)
	}
	oldNode := e.NodeHash
	e.NodeHash.XORAssign(e.NameHash)
	newName := hasher.Hash([]byte(basename(to)))
	e.NameHash = newName
	e.NodeHash.XORAssign(newName)
	t.store.Insert(to, e)

	t.propagate(from, oldNode, hasher.Empty)
	t.propagate(to, hasher.Empty, e.NodeHash)
	return nil
}

// propagate walks from vpath's parent up to / (inclusive), XORing
// old^new into each ancestor's node_hash. A parent outside the store is a
// quiet no-op: the reference implementation treats a partial view as
// expected, not an error.
func (t *Tree) propagate(vpath string, old, new hasher.H32) {
	delta := old.XOR(new)
	if delta.IsEmpty() {
		return
	}
	cur := parentVpath(vpath)
	for cur != "" {
		e, ok := t.store.Find(cur)
		if !ok {
			return
		}
		e.NodeHash.XORAssign(delta)
		t.store.Insert(cur, e)
		if cur == "/" {
			return
		}
		cur = parentVpath(cur)
	}
}
