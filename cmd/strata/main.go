// Package main provides the strata CLI entry point.
// Strata is a policy-driven storage tiering and sync orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/stratafs/strata/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
