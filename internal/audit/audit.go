// Package audit implements the durable, block-aligned, byte-range-locked
// append-only record store that every hpfs session replays. See the package
// doc in the repository's SPEC_FULL.md §4.B for the wire format and locking
// discipline this implements.
package audit

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/hasher"
)

// BlockSize is the log's record-alignment granularity. Distinct from the
// much larger block size used for content hashing in internal/hmap/tree.
const BlockSize = 4096

const (
	VersionPrefixSize = 8
	HeaderSize        = 24 // first_record, last_record, last_checkpoint, each u64
)

// CurrentVersion is written into new logs and checked against on open.
var CurrentVersion = Version{Major: 1, Minor: 0, Patch: 0}

type Version struct {
	Major, Minor, Patch, Reserved uint16
}

func (v Version) marshal() []byte {
	buf := make([]byte, VersionPrefixSize)
	binary.LittleEndian.PutUint16(buf[0:2], v.Major)
	binary.LittleEndian.PutUint16(buf[2:4], v.Minor)
	binary.LittleEndian.PutUint16(buf[4:6], v.Patch)
	binary.LittleEndian.PutUint16(buf[6:8], v.Reserved)
	return buf
}

func unmarshalVersion(buf []byte) Version {
	return Version{
		Major:    binary.LittleEndian.Uint16(buf[0:2]),
		Minor:    binary.LittleEndian.Uint16(buf[2:4]),
		Patch:    binary.LittleEndian.Uint16(buf[4:6]),
		Reserved: binary.LittleEndian.Uint16(buf[6:8]),
	}
}

// Header mirrors the three offsets described in SPEC_FULL.md / spec.md §3.
type Header struct {
	FirstRecord    int64
	LastRecord     int64
	LastCheckpoint int64
}

func (h Header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.FirstRecord))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.LastRecord))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.LastCheckpoint))
	return buf
}

func unmarshalHeader(buf []byte) Header {
	return Header{
		FirstRecord:    int64(binary.LittleEndian.Uint64(buf[0:8])),
		LastRecord:     int64(binary.LittleEndian.Uint64(buf[8:16])),
		LastCheckpoint: int64(binary.LittleEndian.Uint64(buf[16:24])),
	}
}

// headerRegionSize is the first-record start offset for a freshly created
// log: the version prefix and header, rounded up to BlockSize.
var headerRegionSize = alignUp(VersionPrefixSize+HeaderSize, BlockSize)

var (
	ErrNoRecord         = xerrors.New("audit: no record at offset")
	ErrVersionMismatch  = xerrors.New("audit: incompatible log version")
	ErrNotFirstRecord   = xerrors.New("audit: purge target is not the first record")
	ErrTruncatedRecord  = xerrors.New("audit: truncated or partially-written record")
)

// Logger owns one open file descriptor on a session's audit log. Each
// session owns its own Logger instance; Logger itself only serializes the
// bookkeeping local to this process (the real writer/reader arbitration
// across processes is the fcntl byte-range locking in lock.go).
type Logger struct {
	f    *os.File
	path string

	mu           sync.Mutex
	eof          int64
	appendedAny  bool
	sessionHeld  bool
}

// Open creates the log file if absent (writing a zeroed header at the
// current version) and opens it read-write.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, xerrors.Errorf("audit: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("audit: stat %s: %w", path, err)
	}
	l := &Logger{f: f, path: path}
	if st.Size() == 0 {
		if err := l.initEmpty(); err != nil {
			f.Close()
			return nil, err
		}
		l.eof = headerRegionSize
		return l, nil
	}
	if err := l.checkVersion(); err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < headerRegionSize {
		f.Close()
		return nil, xerrors.Errorf("audit: %s: %w", path, ErrTruncatedRecord)
	}
	l.eof = st.Size()
	return l, nil
}

func (l *Logger) initEmpty() error {
	buf := append(CurrentVersion.marshal(), Header{}.marshal()...)
	if _, err := l.f.WriteAt(buf, 0); err != nil {
		return xerrors.Errorf("audit: init header: %w", err)
	}
	if err := l.f.Truncate(headerRegionSize); err != nil {
		return xerrors.Errorf("audit: init truncate: %w", err)
	}
	return nil
}

func (l *Logger) checkVersion() error {
	buf := make([]byte, VersionPrefixSize)
	if _, err := l.f.ReadAt(buf, 0); err != nil {
		return xerrors.Errorf("audit: read version: %w", err)
	}
	v := unmarshalVersion(buf)
	if v.Major != CurrentVersion.Major {
		return ErrVersionMismatch
	}
	return nil
}

func (l *Logger) readHeader() (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := l.f.ReadAt(buf, VersionPrefixSize); err != nil {
		return Header{}, xerrors.Errorf("audit: read header: %w", err)
	}
	return unmarshalHeader(buf), nil
}

func (l *Logger) writeHeader(h Header) error {
	if _, err := l.f.WriteAt(h.marshal(), VersionPrefixSize); err != nil {
		return xerrors.Errorf("audit: write header: %w", err)
	}
	return nil
}

// Header reads the current on-disk header under the update lock, matching
// "opening a session ... takes byte 1 exclusive to read or initialize the
// header; then releases byte 1".
func (l *Logger) Header() (Header, error) {
	fd := int(l.f.Fd())
	if err := lockUpdate(fd); err != nil {
		return Header{}, xerrors.Errorf("audit: lock update: %w", err)
	}
	defer unlockUpdate(fd)
	return l.readHeader()
}

// AcquireSession takes the shared session lock (byte 0) for the lifetime of
// an RO or RW session.
func (l *Logger) AcquireSession() error {
	if err := lockSession(int(l.f.Fd())); err != nil {
		return xerrors.Errorf("audit: acquire session lock: %w", err)
	}
	l.mu.Lock()
	l.sessionHeld = true
	l.mu.Unlock()
	return nil
}

// ReleaseSession releases the session lock. If this was an RW session that
// appended records, it also advances last_checkpoint (the "checkpoint on
// close" rule).
func (l *Logger) ReleaseSession(rw bool) error {
	if rw {
		if err := l.Checkpoint(); err != nil {
			return err
		}
	}
	if err := unlockSession(int(l.f.Fd())); err != nil {
		return xerrors.Errorf("audit: release session lock: %w", err)
	}
	l.mu.Lock()
	l.sessionHeld = false
	l.mu.Unlock()
	return nil
}

// Checkpoint sets last_checkpoint to the current eof, if this logger has
// appended anything since it was opened.
func (l *Logger) Checkpoint() error {
	l.mu.Lock()
	appended := l.appendedAny
	eof := l.eof
	l.mu.Unlock()
	if !appended {
		return nil
	}
	fd := int(l.f.Fd())
	if err := lockUpdate(fd); err != nil {
		return xerrors.Errorf("audit: lock update: %w", err)
	}
	defer unlockUpdate(fd)
	h, err := l.readHeader()
	if err != nil {
		return err
	}
	h.LastCheckpoint = eof
	return l.writeHeader(h)
}

// Append durably writes a new record (header, vpath, optional payload,
// optional ordered block segments) and advances the log header. The
// record's root_hash field is written empty; PatchRootHash fills it in
// after the caller has applied the operation and recomputed the tree.
func (l *Logger) Append(op Operation, vpath string, payload []byte, blockSegs [][]byte) (int64, error) {
	var blockDataLen uint64
	for _, seg := range blockSegs {
		blockDataLen += uint64(len(seg))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	eof := l.eof
	_, _, blockDataOff, total := metrics(eof, uint64(len(vpath)), uint64(len(payload)), blockDataLen)

	if err := l.f.Truncate(eof + total); err != nil {
		return 0, xerrors.Errorf("audit: extend log: %w", err)
	}

	hdr := RecordHeader{
		Timestamp:    time.Now().UnixMilli(),
		Operation:    op,
		VpathLen:     uint64(len(vpath)),
		PayloadLen:   uint64(len(payload)),
		BlockDataLen: blockDataLen,
		RootHash:     hasher.Empty,
	}
	head := append(append(hdr.marshal(), []byte(vpath)...), payload...)
	if err := pwritev(l.f, [][]byte{head}, eof); err != nil {
		return 0, xerrors.Errorf("audit: write record: %w", err)
	}
	if len(blockSegs) > 0 {
		if err := pwritev(l.f, blockSegs, eof+blockDataOff); err != nil {
			return 0, xerrors.Errorf("audit: write block data: %w", err)
		}
	}

	fd := int(l.f.Fd())
	if err := lockUpdate(fd); err != nil {
		return 0, xerrors.Errorf("audit: lock update: %w", err)
	}
	h, err := l.readHeader()
	if err != nil {
		unlockUpdate(fd)
		return 0, err
	}
	if h.FirstRecord == 0 {
		h.FirstRecord = eof
	}
	h.LastRecord = eof
	if err := l.writeHeader(h); err != nil {
		unlockUpdate(fd)
		return 0, err
	}
	unlockUpdate(fd)

	l.eof = eof + total
	l.appendedAny = true
	return eof, nil
}

// pwritev writes bufs as a single vectored write at offset, on platforms
// where golang.org/x/sys/unix.Pwritev is available; it falls back to
// sequential WriteAt calls which are equally durable, merely not a single
// syscall.
func pwritev(f *os.File, bufs [][]byte, offset int64) error {
	n, err := unix.Pwritev(int(f.Fd()), bufs, offset)
	if err == nil {
		want := 0
		for _, b := range bufs {
			want += len(b)
		}
		if n == want {
			return nil
		}
	}
	// Fallback: sequential pwrite, preserving the "write in order"
	// contract even if vectored write is partial or unsupported.
	off := offset
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		if _, err := f.WriteAt(b, off); err != nil {
			return err
		}
		off += int64(len(b))
	}
	return nil
}

// PatchRootHash rewrites only the root_hash field of the record starting at
// offset, in place.
func (l *Logger) PatchRootHash(offset int64, root hasher.H32) error {
	if _, err := l.f.WriteAt(root[:], offset+rootHashFieldOffset); err != nil {
		return xerrors.Errorf("audit: patch root hash: %w", err)
	}
	return nil
}

// ReadAt loads the record at offset (0 meaning "first record") and reports
// the offset of the following record (0 if offset was the current tail).
func (l *Logger) ReadAt(offset int64) (*Record, error) {
	h, err := l.readHeader()
	if err != nil {
		return nil, err
	}
	eff := offset
	if offset == 0 {
		eff = h.FirstRecord
		if eff == 0 {
			return nil, ErrNoRecord
		}
	} else if offset > h.LastRecord {
		return nil, ErrNoRecord
	}

	hdrBuf := make([]byte, RecordHeaderSize)
	if _, err := l.f.ReadAt(hdrBuf, eff); err != nil {
		return nil, xerrors.Errorf("audit: read record header: %w", err)
	}
	rh := unmarshalRecordHeader(hdrBuf)
	vpathOff, payloadOff, blockDataOff, total := metrics(eff, rh.VpathLen, rh.PayloadLen, rh.BlockDataLen)

	vpathBuf := make([]byte, rh.VpathLen)
	if rh.VpathLen > 0 {
		if _, err := l.f.ReadAt(vpathBuf, eff+vpathOff); err != nil {
			return nil, xerrors.Errorf("audit: read vpath: %w", err)
		}
	}

	l.mu.Lock()
	eof := l.eof
	l.mu.Unlock()

	next := eff + total
	if next == eof {
		next = 0
	}

	return &Record{
		Offset:       eff,
		Header:       rh,
		Vpath:        string(vpathBuf),
		PayloadOff:   eff + payloadOff,
		BlockDataOff: eff + blockDataOff,
		Next:         next,
	}, nil
}

// ReadPayload reads rec's payload segment.
func (l *Logger) ReadPayload(rec *Record) ([]byte, error) {
	if rec.Header.PayloadLen == 0 {
		return nil, nil
	}
	buf := make([]byte, rec.Header.PayloadLen)
	if _, err := l.f.ReadAt(buf, rec.PayloadOff); err != nil {
		return nil, xerrors.Errorf("audit: read payload: %w", err)
	}
	return buf, nil
}

// ReadBlockData reads rec's block-data segment.
func (l *Logger) ReadBlockData(rec *Record) ([]byte, error) {
	if rec.Header.BlockDataLen == 0 {
		return nil, nil
	}
	buf := make([]byte, rec.Header.BlockDataLen)
	if _, err := l.f.ReadAt(buf, rec.BlockDataOff); err != nil {
		return nil, xerrors.Errorf("audit: read block data: %w", err)
	}
	return buf, nil
}

// AcquireMerge takes the exclusive merge/sync lock (bytes 0-1), blocking
// until no session is live.
func (l *Logger) AcquireMerge() error {
	if err := lockMerge(int(l.f.Fd())); err != nil {
		return xerrors.Errorf("audit: acquire merge lock: %w", err)
	}
	return nil
}

func (l *Logger) ReleaseMerge() error {
	if err := unlockMerge(int(l.f.Fd())); err != nil {
		return xerrors.Errorf("audit: release merge lock: %w", err)
	}
	return nil
}

// PurgeRecord removes the current first record by punching a hole over its
// byte range and advancing (or zeroing) the header offsets. The caller must
// hold the merge lock. offset must equal the current first_record.
func (l *Logger) PurgeRecord(offset int64) error {
	h, err := l.readHeader()
	if err != nil {
		return err
	}
	if offset != h.FirstRecord {
		return ErrNotFirstRecord
	}
	rec, err := l.ReadAt(offset)
	if err != nil {
		return err
	}
	_, _, _, total := metrics(offset, rec.Header.VpathLen, rec.Header.PayloadLen, rec.Header.BlockDataLen)

	if err := unix.Fallocate(int(l.f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, total); err != nil {
		return xerrors.Errorf("audit: punch hole: %w", err)
	}

	if h.FirstRecord == h.LastRecord {
		h.FirstRecord, h.LastRecord, h.LastCheckpoint = 0, 0, 0
	} else {
		h.FirstRecord = offset + total
		if h.LastCheckpoint < h.FirstRecord {
			// A checkpoint can never point before the new first record.
			h.LastCheckpoint = h.FirstRecord
		}
	}
	return l.writeHeader(h)
}

// TruncateLog is the sync-mode-only destructive reset/rewind operation.
// offset == 0 drops every record (truncating back to the bare header
// region); otherwise the log is truncated to end immediately after the
// record at offset, which becomes the new last_record. The caller must
// hold the merge lock.
func (l *Logger) TruncateLog(offset int64) error {
	h, err := l.readHeader()
	if err != nil {
		return err
	}
	if offset == 0 {
		if err := l.f.Truncate(headerRegionSize); err != nil {
			return xerrors.Errorf("audit: truncate: %w", err)
		}
		h.FirstRecord, h.LastRecord, h.LastCheckpoint = 0, 0, 0
		l.mu.Lock()
		l.eof = headerRegionSize
		l.mu.Unlock()
		return l.writeHeader(h)
	}

	rec, err := l.ReadAt(offset)
	if err != nil {
		return err
	}
	_, _, _, total := metrics(offset, rec.Header.VpathLen, rec.Header.PayloadLen, rec.Header.BlockDataLen)
	newEOF := offset + total
	if err := l.f.Truncate(newEOF); err != nil {
		return xerrors.Errorf("audit: truncate: %w", err)
	}
	h.LastRecord = offset
	if h.FirstRecord > offset {
		h.FirstRecord = 0
	}
	if h.LastCheckpoint > h.LastRecord {
		h.LastCheckpoint = h.LastRecord
	}
	l.mu.Lock()
	l.eof = newEOF
	l.mu.Unlock()
	return l.writeHeader(h)
}

// EOF returns the current logical end of the log file.
func (l *Logger) EOF() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eof
}

func (l *Logger) Close() error {
	return l.f.Close()
}

func (l *Logger) Path() string { return l.path }

// Fd exposes the underlying file descriptor so the VFS builder can mmap
// block-data segments directly out of the log file.
func (l *Logger) Fd() int { return int(l.f.Fd()) }
