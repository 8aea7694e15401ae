// Package main provides the entry point for treeherder-ingest.
package main

import (
	"fmt"
	"os"

	"github.com/jdziat/treeherder-ingest/pkg/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
