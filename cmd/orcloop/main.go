// Package main provides the entry point for the orcloop CLI.
package main

import (
	"os"

	"github.com/randalmurphal/orcloop/internal/supervisorcmd"
)

func main() {
	if err := supervisorcmd.Execute(); err != nil {
		os.Exit(1)
	}
}
