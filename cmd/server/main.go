package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// version is stamped at build time via -ldflags; "dev" otherwise, in
// the teacher pack's own unversioned-build convention.
var version = "dev"

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("debate-arena"),
		kong.Description("Real-time bot debate orchestrator: matchmaker, transport hub, and contest state machine."),
		kong.UsageOnError(),
		kong.Exit(func(code int) {
			if code != 0 {
				os.Exit(2)
			}
			os.Exit(0)
		}),
	)

	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
