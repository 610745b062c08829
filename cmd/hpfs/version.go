package main

import (
	"context"
	"fmt"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/audit"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func cmdversion(ctx context.Context, args []string) error {
	fmt.Printf("hpfs %s (log format %d.%d.%d)\n",
		version,
		audit.CurrentVersion.Major,
		audit.CurrentVersion.Minor,
		audit.CurrentVersion.Patch)
	return nil
}
