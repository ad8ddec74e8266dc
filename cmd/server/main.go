// Package main is the entry point for the MALDI atlas server.
package main

import (
	"fmt"
	"os"

	"github.com/maldi-atlas/server/cmd/server/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
