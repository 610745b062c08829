// Package query parses the reserved hash-query pseudo-path suffixes
// (spec.md §4.G) and serves hash/children reads against a session's tree
// and store.
package query

import (
	"os"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/hasher"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/hmap/store"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/hmap/tree"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/vfs"
)

const (
	HashSuffix     = "::hpfs.hmap.hash"
	ChildrenSuffix = "::hpfs.hmap.children"
)

// childNameSize is the fixed width of the name field in a serialized
// ChildHashNode record.
const childNameSize = 256

// ChildHashNodeSize is the on-disk size of one children-listing record:
// is_file(1) + name(256) + node_hash(32).
const ChildHashNodeSize = 1 + childNameSize + hasher.Size

type Mode int

const (
	Undefined Mode = iota
	Hash
	Children
)

// Request is a parsed hash-query path.
type Request struct {
	Mode  Mode
	Vpath string
}

// ParseRequestPath recognizes the two reserved suffixes by exact literal
// match, the way the reference implementation does, and reports whether
// fullPath is a hash query at all.
func ParseRequestPath(fullPath string) Request {
	if strings.HasSuffix(fullPath, HashSuffix) {
		vpath := strings.TrimSuffix(fullPath, HashSuffix)
		if vpath == "" {
			vpath = "/"
		}
		return Request{Mode: Hash, Vpath: vpath}
	}
	if strings.HasSuffix(fullPath, ChildrenSuffix) {
		vpath := strings.TrimSuffix(fullPath, ChildrenSuffix)
		if vpath == "" {
			vpath = "/"
		}
		return Request{Mode: Children, Vpath: vpath}
	}
	return Request{Mode: Undefined}
}

// Query serves reads against a single session's VFS/tree/store triple.
type Query struct {
	vfs   *vfs.VFS
	tree  *tree.Tree
	store *store.Store
}

func New(v *vfs.VFS, t *tree.Tree, st *store.Store) *Query {
	return &Query{vfs: v, tree: t, store: st}
}

// Size computes the fabricated file size getattr should report for req, so
// standard read loops that call getattr first and then read in a size-d
// loop terminate correctly.
func (q *Query) Size(req Request) (int64, error) {
	buf, err := q.Read(req)
	if err != nil {
		return 0, err
	}
	return int64(len(buf)), nil
}

// Read serves the full payload for a hash query.
func (q *Query) Read(req Request) ([]byte, error) {
	switch req.Mode {
	case Hash:
		e, ok := q.store.Find(req.Vpath)
		if !ok {
			return nil, os.ErrNotExist
		}
		out := make([]byte, hasher.Size)
		copy(out, e.NodeHash[:])
		return out, nil

	case Children:
		vn, err := q.vfs.GetVnode(req.Vpath)
		if err != nil {
			return nil, err
		}
		if vn.Stat.IsDir() {
			return q.readDirChildren(req.Vpath)
		}
		return q.readFileBlockHashes(req.Vpath)

	default:
		return nil, xerrors.New("hmap/query: not a query path")
	}
}

func (q *Query) readFileBlockHashes(vpath string) ([]byte, error) {
	e, ok := q.store.Find(vpath)
	if !ok {
		return nil, os.ErrNotExist
	}
	out := make([]byte, 0, len(e.BlockHashes)*hasher.Size)
	for _, b := range e.BlockHashes {
		out = append(out, b[:]...)
	}
	return out, nil
}

func (q *Query) readDirChildren(vpath string) ([]byte, error) {
	children, err := q.vfs.GetDirChildren(vpath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]byte, 0, len(names)*ChildHashNodeSize)
	for _, name := range names {
		vn := children[name]
		childVpath := vpath
		if vpath == "/" {
			childVpath = "/" + name
		} else {
			childVpath = vpath + "/" + name
		}
		var nodeHash hasher.H32
		if e, ok := q.store.Find(childVpath); ok {
			nodeHash = e.NodeHash
		}
		rec := make([]byte, ChildHashNodeSize)
		if !vn.Stat.IsDir() {
			rec[0] = 1
		}
		copy(rec[1:1+childNameSize], []byte(name))
		copy(rec[1+childNameSize:], nodeHash[:])
		out = append(out, rec...)
	}
	return out, nil
}
