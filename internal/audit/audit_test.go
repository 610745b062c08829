package audit_test

import (
	"path/filepath"
	"testing"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/audit"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/hasher"
)

func openLogger(t *testing.T) *audit.Logger {
	t.Helper()
	l, err := audit.Open(filepath.Join(t.TempDir(), "log.hpfs"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestEmptyLogHasNoRecord(t *testing.T) {
	l := openLogger(t)
	h, err := l.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if h.FirstRecord != 0 || h.LastRecord != 0 {
		t.Fatalf("Header = %+v, want zero", h)
	}
	if _, err := l.ReadAt(0); err != audit.ErrNoRecord {
		t.Fatalf("ReadAt(0) = %v, want ErrNoRecord", err)
	}
}

func TestAppendAndReadAt(t *testing.T) {
	l := openLogger(t)

	off1, err := l.Append(audit.Mkdir, "/a", audit.EncodeModePayload(0755), nil)
	if err != nil {
		t.Fatalf("Append mkdir: %v", err)
	}
	off2, err := l.Append(audit.Create, "/a/b", audit.EncodeModePayload(0644), nil)
	if err != nil {
		t.Fatalf("Append create: %v", err)
	}

	rec1, err := l.ReadAt(0)
	if err != nil {
		t.Fatalf("ReadAt(0): %v", err)
	}
	if rec1.Offset != off1 {
		t.Fatalf("rec1.Offset = %d, want %d", rec1.Offset, off1)
	}
	if rec1.Header.Operation != audit.Mkdir {
		t.Fatalf("rec1.Header.Operation = %v, want Mkdir", rec1.Header.Operation)
	}
	if rec1.Vpath != "/a" {
		t.Fatalf("rec1.Vpath = %q, want /a", rec1.Vpath)
	}
	payload, err := l.ReadPayload(rec1)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if got := audit.DecodeModePayload(payload); got != 0755 {
		t.Fatalf("DecodeModePayload = %#o, want 0755", got)
	}
	if rec1.Next != off2 {
		t.Fatalf("rec1.Next = %d, want %d", rec1.Next, off2)
	}

	rec2, err := l.ReadAt(rec1.Next)
	if err != nil {
		t.Fatalf("ReadAt(rec1.Next): %v", err)
	}
	if rec2.Vpath != "/a/b" {
		t.Fatalf("rec2.Vpath = %q, want /a/b", rec2.Vpath)
	}
	if rec2.Next != 0 {
		t.Fatalf("rec2.Next = %d, want 0 (tail)", rec2.Next)
	}

	h, err := l.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if h.FirstRecord != off1 || h.LastRecord != off2 {
		t.Fatalf("Header = %+v, want first=%d last=%d", h, off1, off2)
	}
}

func TestAppendWithBlockData(t *testing.T) {
	l := openLogger(t)

	data := []byte("0123456789abcdef")
	payload := audit.EncodeWritePayload(audit.WritePayload{
		Size:   uint64(len(data)),
		Offset: 0,
	})
	off, err := l.Append(audit.Write, "/f", payload, [][]byte{data})
	if err != nil {
		t.Fatalf("Append write: %v", err)
	}

	rec, err := l.ReadAt(off)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if rec.Header.BlockDataLen != uint64(len(data)) {
		t.Fatalf("BlockDataLen = %d, want %d", rec.Header.BlockDataLen, len(data))
	}
	got, err := l.ReadBlockData(rec)
	if err != nil {
		t.Fatalf("ReadBlockData: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("ReadBlockData = %q, want %q", got, data)
	}
}

func TestPatchRootHash(t *testing.T) {
	l := openLogger(t)

	off, err := l.Append(audit.Mkdir, "/a", audit.EncodeModePayload(0755), nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	root := hasher.Hash([]byte("root"))
	if err := l.PatchRootHash(off, root); err != nil {
		t.Fatalf("PatchRootHash: %v", err)
	}
	rec, err := l.ReadAt(off)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if rec.Header.RootHash != root {
		t.Fatalf("RootHash = %s, want %s", rec.Header.RootHash, root)
	}
}

func TestCheckpointOnlyAdvancesAfterAppend(t *testing.T) {
	l := openLogger(t)

	if err := l.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint (no-op): %v", err)
	}
	h, err := l.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if h.LastCheckpoint != 0 {
		t.Fatalf("LastCheckpoint = %d before any append, want 0", h.LastCheckpoint)
	}

	if _, err := l.Append(audit.Mkdir, "/a", audit.EncodeModePayload(0755), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	h, err = l.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if h.LastCheckpoint != l.EOF() {
		t.Fatalf("LastCheckpoint = %d, want EOF %d", h.LastCheckpoint, l.EOF())
	}
}

func TestPurgeRecordAdvancesFirstRecord(t *testing.T) {
	l := openLogger(t)

	off1, err := l.Append(audit.Mkdir, "/a", audit.EncodeModePayload(0755), nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	off2, err := l.Append(audit.Mkdir, "/b", audit.EncodeModePayload(0755), nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := l.AcquireMerge(); err != nil {
		t.Fatalf("AcquireMerge: %v", err)
	}
	defer l.ReleaseMerge()

	if err := l.PurgeRecord(off1); err != nil {
		t.Fatalf("PurgeRecord: %v", err)
	}

	h, err := l.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if h.FirstRecord != off2 {
		t.Fatalf("FirstRecord = %d, want %d", h.FirstRecord, off2)
	}

	if err := l.PurgeRecord(off1); err != audit.ErrNotFirstRecord {
		t.Fatalf("re-purging a stale offset = %v, want ErrNotFirstRecord", err)
	}

	rec, err := l.ReadAt(0)
	if err != nil {
		t.Fatalf("ReadAt(0): %v", err)
	}
	if rec.Vpath != "/b" {
		t.Fatalf("ReadAt(0).Vpath = %q, want /b", rec.Vpath)
	}
}

func TestPurgeLastRecordEmptiesLog(t *testing.T) {
	l := openLogger(t)

	off, err := l.Append(audit.Mkdir, "/a", audit.EncodeModePayload(0755), nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := l.AcquireMerge(); err != nil {
		t.Fatalf("AcquireMerge: %v", err)
	}
	defer l.ReleaseMerge()

	if err := l.PurgeRecord(off); err != nil {
		t.Fatalf("PurgeRecord: %v", err)
	}
	h, err := l.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if h.FirstRecord != 0 || h.LastRecord != 0 || h.LastCheckpoint != 0 {
		t.Fatalf("Header = %+v after purging the only record, want all zero", h)
	}
	if _, err := l.ReadAt(0); err != audit.ErrNoRecord {
		t.Fatalf("ReadAt(0) after draining log = %v, want ErrNoRecord", err)
	}
}

func TestTruncateLogToZeroDropsEverything(t *testing.T) {
	l := openLogger(t)

	if _, err := l.Append(audit.Mkdir, "/a", audit.EncodeModePayload(0755), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(audit.Mkdir, "/b", audit.EncodeModePayload(0755), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := l.AcquireMerge(); err != nil {
		t.Fatalf("AcquireMerge: %v", err)
	}
	defer l.ReleaseMerge()

	if err := l.TruncateLog(0); err != nil {
		t.Fatalf("TruncateLog(0): %v", err)
	}
	h, err := l.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if h != (audit.Header{}) {
		t.Fatalf("Header = %+v after TruncateLog(0), want zero", h)
	}
}

func TestTruncateLogToOffsetKeepsPrefix(t *testing.T) {
	l := openLogger(t)

	off1, err := l.Append(audit.Mkdir, "/a", audit.EncodeModePayload(0755), nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(audit.Mkdir, "/b", audit.EncodeModePayload(0755), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := l.AcquireMerge(); err != nil {
		t.Fatalf("AcquireMerge: %v", err)
	}
	defer l.ReleaseMerge()

	if err := l.TruncateLog(off1); err != nil {
		t.Fatalf("TruncateLog(off1): %v", err)
	}
	h, err := l.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if h.FirstRecord != off1 || h.LastRecord != off1 {
		t.Fatalf("Header = %+v, want first=last=%d", h, off1)
	}
	rec, err := l.ReadAt(off1)
	if err != nil {
		t.Fatalf("ReadAt(off1): %v", err)
	}
	if rec.Next != 0 {
		t.Fatalf("rec.Next = %d, want 0 (now the tail)", rec.Next)
	}
}

func TestReopenPreservesRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.hpfs")

	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	off, err := l.Append(audit.Mkdir, "/a", audit.EncodeModePayload(0700), nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := audit.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	rec, err := l2.ReadAt(off)
	if err != nil {
		t.Fatalf("ReadAt after reopen: %v", err)
	}
	if rec.Vpath != "/a" {
		t.Fatalf("rec.Vpath = %q, want /a", rec.Vpath)
	}
}

func TestOperationString(t *testing.T) {
	for _, tc := range []struct {
		op   audit.Operation
		want string
	}{
		{audit.Mkdir, "MKDIR"},
		{audit.Rmdir, "RMDIR"},
		{audit.Rename, "RENAME"},
		{audit.Unlink, "UNLINK"},
		{audit.Chmod, "CHMOD"},
		{audit.Chown, "CHOWN"},
		{audit.Create, "CREATE"},
		{audit.Write, "WRITE"},
		{audit.Truncate, "TRUNCATE"},
		{audit.Operation(999), "UNKNOWN"},
	} {
		if got := tc.op.String(); got != tc.want {
			t.Errorf("Operation(%d).String() = %q, want %q", tc.op, got, tc.want)
		}
	}
}
