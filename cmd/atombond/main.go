// Command atombond bonds per-account atom ledgers into higher tiers.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/atombond/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
