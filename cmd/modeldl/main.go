package main

import (
	"fmt"
	"os"

	"github.com/localmodels/modeldl/internal/cli"
	"github.com/localmodels/modeldl/internal/config"
)

func main() {
	if err := config.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "modeldl: %v\n", err)
		os.Exit(1)
	}

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "modeldl: %v\n", err)
		os.Exit(1)
	}
}
