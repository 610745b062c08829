package main

import (
	"context"
	"flag"
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"github.com/jacobsa/fuse"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/fuseadapter"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/merger"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/oninterrupt"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/session"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/tracelog"
)

// cmdfs mounts F as a FUSE filesystem at the given mountpoint, optionally
// running the background merger in-process.
func cmdfs(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("fs", flag.ExitOnError)
	var (
		fsDir    = fset.String("f", "", "filesystem directory F (containing seed/, log.hpfs, hmap/)")
		mount    = fset.String("m", "", "mountpoint")
		runMerge = fset.Bool("g", false, "run the background merger in this process")
		uidGid   = fset.String("u", "", "uid:gid to restrict the mount to, passed through as FUSE mount options")
		level    = fset.String("t", "none", "trace level: dbg, inf, wrn, err, none")
	)
	fset.Parse(args)

	if *fsDir == "" || *mount == "" {
		return xerrors.New("required: -f FS_DIR -m MOUNT")
	}

	lvl, ok := tracelog.ParseLevel(*level)
	if !ok {
		return xerrors.Errorf("invalid -t level %q", *level)
	}
	traceDir := fsDir2TraceDir(*fsDir)
	var traceSink io.Writer
	if lvl != tracelog.None {
		if err := os.MkdirAll(traceDir, 0755); err != nil {
			return err
		}
		f, err := ioutil.TempFile(traceDir, "mount-*.log")
		if err != nil {
			return err
		}
		defer f.Close()
		traceSink = f
	}
	logger := tracelog.New(lvl, traceSink)

	opts, err := mountOptions(*uidGid)
	if err != nil {
		return err
	}

	mgr := session.NewManager(*fsDir)
	defer mgr.StopAll()
	// Belt-and-suspenders: InterruptibleContext only honors the first
	// SIGINT/SIGTERM gracefully and stops listening afterwards, so a second
	// signal kills the process before gctx's shutdown path runs its defers.
	// Register the same cleanup here so dirty hash caches still get flushed
	// and session locks released on a forced exit.
	oninterrupt.Register(func() { mgr.StopAll() })

	fs := fuseadapter.New(mgr)
	mfs, err := fuseadapter.Mount(*mount, fs, &fuse.MountConfig{
		FSName:  "hpfs",
		Options: opts,
	})
	if err != nil {
		return xerrors.Errorf("mount %s: %w", *mount, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if *runMerge {
		g.Go(func() error {
			logger.Infof("merger", "starting", nil)
			err := merger.Run(gctx, *fsDir)
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return fuse.Unmount(*mount)
	})
	g.Go(func() error {
		return mfs.Join(gctx)
	})

	return g.Wait()
}

func fsDir2TraceDir(fsDir string) string {
	return fsDir + string(os.PathSeparator) + "trace"
}

// mountOptions turns -u uid:gid into FUSE mount options; -u "" mounts
// without uid/gid restriction.
func mountOptions(uidGid string) (map[string]string, error) {
	opts := map[string]string{"allow_other": ""}
	if uidGid == "" {
		return opts, nil
	}
	parts := strings.SplitN(uidGid, ":", 2)
	if len(parts) != 2 {
		return nil, xerrors.Errorf("invalid -u value %q, want uid:gid", uidGid)
	}
	if _, err := strconv.ParseUint(parts[0], 10, 32); err != nil {
		return nil, xerrors.Errorf("invalid uid in -u %q: %w", uidGid, err)
	}
	if _, err := strconv.ParseUint(parts[1], 10, 32); err != nil {
		return nil, xerrors.Errorf("invalid gid in -u %q: %w", uidGid, err)
	}
	opts["uid"] = parts[0]
	opts["gid"] = parts[1]
	return opts, nil
}
