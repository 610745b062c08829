// Command hpfs mounts and inspects a log-structured, content-hashable
// filesystem directory: the version subcommand prints build info, fs mounts
// F as a FUSE filesystem, and rdlog dumps F's audit log for debugging.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	hpfs "github.com/EvernodeXRPL/hpfs-sub000"
)

var debug = flag.Bool("debug", false, "format error messages with additional detail")

type cmd struct {
	fn func(ctx context.Context, args []string) error
}

func funcmain() error {
	flag.Parse()

	verbs := map[string]cmd{
		"version": {cmdversion},
		"fs":      {cmdfs},
		"rdlog":   {cmdrdlog},
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "syntax: hpfs <command> [options]\n")
		fmt.Fprintf(os.Stderr, "commands: version, fs, rdlog\n")
		os.Exit(2)
	}
	verb, args := args[0], args[1:]

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: hpfs <command> [options]\n")
		os.Exit(2)
	}

	ctx, canc := hpfs.InterruptibleContext()
	defer canc()
	if err := v.fn(ctx, args); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return hpfs.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
