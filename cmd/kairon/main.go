// Package main is the entry point for the kairon CLI.
package main

import (
	"os"

	"github.com/kairon-os/kairon/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
