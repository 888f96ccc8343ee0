// Package main provides importctl, the command line client for the import API.
package main

import (
	"fmt"
	"os"

	"github.com/finance-importer/internal/commands"
	"github.com/finance-importer/internal/config"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := commands.NewRootCommand(cfg.Client).Execute(); err != nil {
		os.Exit(1)
	}
}
