// Package merger implements the background drain loop described in
// spec.md §4.I: acquire the merge lock, apply the oldest log record to the
// seed directory tree, purge it, release the lock, sleep, repeat. The
// reference implementation leaves the per-operation seed mutation as an
// empty stub; SPEC_FULL.md supplements it with a real body so the
// contract is end-to-end testable, while keeping the loop's shape
// identical.
package merger

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/xerrors"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/audit"
)

// CheckInterval is the merger's fixed poll interval (spec.md §5: "the
// merger polls at a fixed one-second interval").
const CheckInterval = time.Second

// Run opens fsDir's audit log and drains it into fsDir/seed until ctx is
// canceled. It only runs when no RO/RW session holds the log's session
// lock, which AcquireMerge enforces by blocking on the log's shared
// lock bytes.
func Run(ctx context.Context, fsDir string) error {
	logger, err := audit.Open(filepath.Join(fsDir, "log.hpfs"))
	if err != nil {
		return err
	}
	defer logger.Close()

	seedRoot := filepath.Join(fsDir, "seed")
	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := drainOnce(logger, seedRoot); err != nil {
			return err
		}
	}
}

func drainOnce(logger *audit.Logger, seedRoot string) error {
	if err := logger.AcquireMerge(); err != nil {
		return err
	}
	defer logger.ReleaseMerge()

	for {
		rec, err := logger.ReadAt(0)
		if err == audit.ErrNoRecord {
			return nil
		}
		if err != nil {
			return err
		}
		payload, err := logger.ReadPayload(rec)
		if err != nil {
			return err
		}
		blockData, err := logger.ReadBlockData(rec)
		if err != nil {
			return err
		}
		if err := mergeRecord(seedRoot, rec, payload, blockData); err != nil {
			return err
		}
		if err := logger.PurgeRecord(rec.Offset); err != nil {
			return err
		}
	}
}

func seedPath(seedRoot, vpath string) string {
	return filepath.Join(seedRoot, filepath.FromSlash(vpath))
}

func mergeRecord(seedRoot string, rec *audit.Record, payload, blockData []byte) error {
	full := seedPath(seedRoot, rec.Vpath)
	switch rec.Header.Operation {
	case audit.Mkdir:
		mode := audit.DecodeModePayload(payload)
		if err := os.Mkdir(full, os.FileMode(mode&0o777)); err != nil && !os.IsExist(err) {
			return xerrors.Errorf("merger: mkdir %s: %w", full, err)
		}

	case audit.Rmdir, audit.Unlink:
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return xerrors.Errorf("merger: remove %s: %w", full, err)
		}

	case audit.Rename:
		dest := seedPath(seedRoot, string(payload))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return xerrors.Errorf("merger: mkdir %s: %w", filepath.Dir(dest), err)
		}
		if err := os.Rename(full, dest); err != nil {
			return xerrors.Errorf("merger: rename %s -> %s: %w", full, dest, err)
		}

	case audit.Chmod:
		mode := audit.DecodeModePayload(payload)
		if err := os.Chmod(full, os.FileMode(mode&0o777)); err != nil {
			return xerrors.Errorf("merger: chmod %s: %w", full, err)
		}

	case audit.Chown:
		// No-op: ownership enforcement is out of scope.

	case audit.Create:
		mode := audit.DecodeModePayload(payload)
		f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, os.FileMode(mode&0o777))
		if err != nil {
			return xerrors.Errorf("merger: create %s: %w", full, err)
		}
		f.Close()

	case audit.Write:
		p := audit.DecodeWritePayload(payload)
		f, err := os.OpenFile(full, os.O_WRONLY, 0o644)
		if err != nil {
			return xerrors.Errorf("merger: open %s: %w", full, err)
		}
		defer f.Close()
		start := p.DataOffsetInBlock
		end := start + p.Size
		if end > uint64(len(blockData)) {
			return xerrors.Errorf("merger: write payload out of range for %s", full)
		}
		if _, err := f.WriteAt(blockData[start:end], int64(p.Offset)); err != nil {
			return xerrors.Errorf("merger: write %s: %w", full, err)
		}

	case audit.Truncate:
		p := audit.DecodeTruncatePayload(payload)
		if err := os.Truncate(full, int64(p.Size)); err != nil {
			return xerrors.Errorf("merger: truncate %s: %w", full, err)
		}

	default:
		return xerrors.Errorf("merger: unknown operation %v", rec.Header.Operation)
	}
	return nil
}
