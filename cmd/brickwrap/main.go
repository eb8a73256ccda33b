// Package main is the entry point for brickwrap, the plugin host for dedicated game servers.
//
// Usage:
//
//	brickwrap serve [--plugin cmd]... [--plugin-image image=cmd]... [--launcher process|docker]
//	brickwrap list | stats
//	brickwrap unregister <plugin-id>
//	brickwrap emit <kind> [payload-json]
//	brickwrap call <plugin-id> <method> [params-json]
//	brickwrap bridge -- <cmd> [args...]
package main

import (
	"github.com/akshayaggarwal99/brickwrap/internal/cli"
)

// Version information (set via ldflags at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	cli.RootCmd.Version = Version + " (" + GitCommit + ", " + BuildDate + ")"
	cli.Execute()
}
