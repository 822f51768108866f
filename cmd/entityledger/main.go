// Command entityledger deduplicates named-entity mentions into a
// checkpointed registry and resolves the ambiguous ones.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/entityledger/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		if !cli.Reported(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
