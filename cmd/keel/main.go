// Command keel runs, verifies and replays deterministic world bundles.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/keel/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "keel:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
