package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"time"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/audit"
)

const rdlogHelp = `hpfs rdlog -f FS_DIR

Dump F's audit log (log.hpfs) to stdout for debugging: one line per record,
header fields followed by the record's decoded payload where the operation
carries one.

Example:
  % hpfs rdlog -f /var/hpfs/myfs
`

func cmdrdlog(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("rdlog", flag.ExitOnError)
	fsDir := fset.String("f", "", "filesystem directory F (containing log.hpfs)")
	fset.Usage = usage(fset, rdlogHelp)
	fset.Parse(args)

	if *fsDir == "" {
		return fmt.Errorf("required: -f FS_DIR")
	}

	l, err := audit.Open(filepath.Join(*fsDir, "log.hpfs"))
	if err != nil {
		return err
	}
	defer l.Close()

	h, err := l.Header()
	if err != nil {
		return err
	}
	fmt.Printf("first_record=%d last_record=%d last_checkpoint=%d\n",
		h.FirstRecord, h.LastRecord, h.LastCheckpoint)

	if h.FirstRecord == 0 {
		fmt.Println("(empty log)")
		return nil
	}

	off := int64(0)
	for {
		rec, err := l.ReadAt(off)
		if err != nil {
			return err
		}
		if err := printRecord(l, rec); err != nil {
			return err
		}
		if rec.Next == 0 {
			break
		}
		off = rec.Next
	}
	return nil
}

func printRecord(l *audit.Logger, rec *audit.Record) error {
	ts := time.UnixMilli(rec.Header.Timestamp).UTC().Format(time.RFC3339Nano)
	fmt.Printf("@%d %s %-8s vpath=%q", rec.Offset, ts, rec.Header.Operation, rec.Vpath)

	switch rec.Header.Operation {
	case audit.Mkdir, audit.Create, audit.Chmod:
		payload, err := l.ReadPayload(rec)
		if err != nil {
			return err
		}
		fmt.Printf(" mode=%#o", audit.DecodeModePayload(payload))
	case audit.Rename:
		payload, err := l.ReadPayload(rec)
		if err != nil {
			return err
		}
		fmt.Printf(" to=%q", string(payload))
	case audit.Write:
		payload, err := l.ReadPayload(rec)
		if err != nil {
			return err
		}
		p := audit.DecodeWritePayload(payload)
		fmt.Printf(" size=%d offset=%d block_data_len=%d", p.Size, p.Offset, rec.Header.BlockDataLen)
	case audit.Truncate:
		payload, err := l.ReadPayload(rec)
		if err != nil {
			return err
		}
		p := audit.DecodeTruncatePayload(payload)
		fmt.Printf(" size=%d", p.Size)
	}
	fmt.Println()
	return nil
}
