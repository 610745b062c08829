// Package hasher implements the fixed-width content hash (h32) used
// throughout hpfs: a 32-byte value that XOR-combines commutatively and
// associatively, so the hash tree can update a node without re-reading its
// siblings.
package hasher

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Size is the width of an h32 value in bytes.
const Size = 32

// H32 is an opaque 32-byte content hash.
type H32 [Size]byte

// Empty is the all-zero value, the identity element under XOR.
var Empty H32

// Equal reports whether h and o hold the same bytes.
func (h H32) Equal(o H32) bool {
	return h == o
}

// IsEmpty reports whether h is the zero value.
func (h H32) IsEmpty() bool {
	return h == Empty
}

// XOR returns h XOR o.
func (h H32) XOR(o H32) H32 {
	var out H32
	for i := range out {
		out[i] = h[i] ^ o[i]
	}
	return out
}

// XORAssign replaces *h with *h XOR o.
func (h *H32) XORAssign(o H32) {
	*h = h.XOR(o)
}

// Hex renders h as lower-case, two-hex-chars-per-byte text.
func (h H32) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h H32) String() string {
	return h.Hex()
}

// Hash computes the content hash of a single buffer.
func Hash(buf []byte) H32 {
	var out H32
	sum := blake3.Sum256(buf)
	copy(out[:], sum[:])
	return out
}

// Hash2 computes the content hash of two logically concatenated buffers
// without requiring the caller to actually concatenate them. Used for block
// hashing, where the first buffer is a big-endian offset prefix and the
// second is the block's content.
func Hash2(a, b []byte) H32 {
	h := blake3.New()
	h.Write(a)
	h.Write(b)
	var out H32
	sum := h.Sum(nil)
	copy(out[:], sum)
	return out
}

// BigEndianUint64 is a small helper shared by callers that build the
// offset-prefix buffers passed to Hash2 (e.g. per-block hashing in
// internal/hmap/tree).
func BigEndianUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// BigEndianUint32 is used for mode-bits hashing (meta_hash).
func BigEndianUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}
