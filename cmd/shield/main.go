// Command shield runs the Sovereign Shield admission core.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/shield/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
