package audit

import (
	"encoding/binary"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/hasher"
)

// RecordHeaderSize is the on-disk size of a fixed record header:
// timestamp(8) + operation(4) + vpath_len(8) + payload_len(8) +
// block_data_len(8) + root_hash(32).
const RecordHeaderSize = 8 + 4 + 8 + 8 + 8 + hasher.Size

// rootHashFieldOffset is RecordHeader's byte offset of RootHash, used by
// PatchRootHash to rewrite only that field in place.
const rootHashFieldOffset = 8 + 4 + 8 + 8 + 8

// RecordHeader is the fixed-size prefix of every log record.
type RecordHeader struct {
	Timestamp    int64
	Operation    Operation
	VpathLen     uint64
	PayloadLen   uint64
	BlockDataLen uint64
	RootHash     hasher.H32
}

func (h RecordHeader) marshal() []byte {
	buf := make([]byte, RecordHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.Timestamp))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Operation))
	binary.LittleEndian.PutUint64(buf[12:20], h.VpathLen)
	binary.LittleEndian.PutUint64(buf[20:28], h.PayloadLen)
	binary.LittleEndian.PutUint64(buf[28:36], h.BlockDataLen)
	copy(buf[36:68], h.RootHash[:])
	return buf
}

func unmarshalRecordHeader(buf []byte) RecordHeader {
	var h RecordHeader
	h.Timestamp = int64(binary.LittleEndian.Uint64(buf[0:8]))
	h.Operation = Operation(binary.LittleEndian.Uint32(buf[8:12]))
	h.VpathLen = binary.LittleEndian.Uint64(buf[12:20])
	h.PayloadLen = binary.LittleEndian.Uint64(buf[20:28])
	h.BlockDataLen = binary.LittleEndian.Uint64(buf[28:36])
	copy(h.RootHash[:], buf[36:68])
	return h
}

// Record is a fully located record: its header, the vpath it targets, and
// the offsets a caller needs to fetch payload / block data on demand.
type Record struct {
	Offset       int64
	Header       RecordHeader
	Vpath        string
	PayloadOff   int64
	BlockDataOff int64
	// Next is the offset of the following record, or 0 if this record is
	// currently the tail of the log.
	Next int64
}

func alignUp(v, block int64) int64 {
	if v%block == 0 {
		return v
	}
	return v + (block - v%block)
}

// metrics computes the per-record offsets and total size from the header's
// length fields, per the layout invariants: vpath immediately follows the
// header, payload immediately follows vpath, and block data starts at the
// next BlockSize boundary after the payload.
func metrics(recOffset int64, vpathLen, payloadLen, blockDataLen uint64) (vpathOff, payloadOff, blockDataOff, total int64) {
	vpathOff = RecordHeaderSize
	payloadOff = vpathOff + int64(vpathLen)
	blockDataOff = alignUp(payloadOff+int64(payloadLen), BlockSize)
	total = blockDataOff + int64(blockDataLen)
	return
}

// EncodeModePayload encodes the single-uint32 payload used by MKDIR, CREATE
// and CHMOD records.
func EncodeModePayload(mode uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, mode)
	return buf
}

// DecodeModePayload is the inverse of EncodeModePayload.
func DecodeModePayload(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// EncodeWritePayload serializes a WritePayload in field order.
func EncodeWritePayload(p WritePayload) []byte {
	buf := make([]byte, 40)
	binary.LittleEndian.PutUint64(buf[0:8], p.Size)
	binary.LittleEndian.PutUint64(buf[8:16], p.Offset)
	binary.LittleEndian.PutUint64(buf[16:24], p.MmapBlockSize)
	binary.LittleEndian.PutUint64(buf[24:32], p.MmapBlockOffset)
	binary.LittleEndian.PutUint64(buf[32:40], p.DataOffsetInBlock)
	return buf
}

// DecodeWritePayload is the inverse of EncodeWritePayload.
func DecodeWritePayload(buf []byte) WritePayload {
	return WritePayload{
		Size:              binary.LittleEndian.Uint64(buf[0:8]),
		Offset:            binary.LittleEndian.Uint64(buf[8:16]),
		MmapBlockSize:     binary.LittleEndian.Uint64(buf[16:24]),
		MmapBlockOffset:   binary.LittleEndian.Uint64(buf[24:32]),
		DataOffsetInBlock: binary.LittleEndian.Uint64(buf[32:40]),
	}
}

// EncodeTruncatePayload serializes a TruncatePayload in field order.
func EncodeTruncatePayload(p TruncatePayload) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], p.Size)
	binary.LittleEndian.PutUint64(buf[8:16], p.MmapBlockSize)
	binary.LittleEndian.PutUint64(buf[16:24], p.MmapBlockOffset)
	return buf
}

// DecodeTruncatePayload is the inverse of EncodeTruncatePayload.
func DecodeTruncatePayload(buf []byte) TruncatePayload {
	return TruncatePayload{
		Size:            binary.LittleEndian.Uint64(buf[0:8]),
		MmapBlockSize:   binary.LittleEndian.Uint64(buf[8:16]),
		MmapBlockOffset: binary.LittleEndian.Uint64(buf[16:24]),
	}
}
