// Command studysync runs the offline-first sync engine for the study planner.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/studysync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
