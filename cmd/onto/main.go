// Command onto is the maintenance tool for the ontology store: storage
// init, commit and event inspection, index repair, and compaction.
package main

import (
	"fmt"
	"os"

	"github.com/ontolog/ontolog/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
