// Package main provides the incidentsync binary: the sync server and the
// device-side client commands.
package main

import (
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"github.com/kimhsiao/incidentsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
