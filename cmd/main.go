// Package main is the entry point for the annotator service and CLI.
package main

import (
	"fmt"
	"os"

	"github.com/docmark/annotator/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
