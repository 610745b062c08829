package vfs

import (
	"os"
	"time"
)

// Stat is the subset of POSIX metadata a vnode tracks. Ownership and
// extended attributes are out of scope (see spec.md §1 Non-goals); mode
// carries the file-type bit(s) plus permission bits, matching
// fuseops.InodeAttributes.Mode's os.FileMode convention.
type Stat struct {
	Mode    os.FileMode
	Size    int64
	ModTime time.Time
}

func (s Stat) IsDir() bool { return s.Mode.IsDir() }

// DataSeg is one ordered slice of a file's composite content: either a
// span of the immutable seed file, or a span of the audit log's
// block-data region for some WRITE/TRUNCATE record.
type DataSeg struct {
	SourceFD      uintptr
	Size          int64
	SourceOffset  int64
	LogicalOffset int64
}

// MmapRegion is the single virtual-address range backing a file vnode's
// content, stitched together from DataSegs.
type MmapRegion struct {
	Ptr  uintptr
	Size int64
}

// Vnode is the in-memory representation of one virtual filesystem entry.
type Vnode struct {
	Ino    uint64
	Stat   Stat
	SeedFD *os.File // nil if this vnode has no seed backing

	DataSegs       []DataSeg
	MappedDataSegs int
	Mmap           MmapRegion

	// MaxSize is the high-water mark of logical size ever observed for
	// this vnode; shrinking via TRUNCATE never removes data segments, it
	// only lowers Stat.Size so the bytes beyond it are shadowed.
	MaxSize int64
}

func (v *Vnode) bytes() []byte {
	if v.Mmap.Ptr == 0 || v.Mmap.Size == 0 {
		return nil
	}
	return unsafeBytes(v.Mmap.Ptr, v.Mmap.Size)
}
