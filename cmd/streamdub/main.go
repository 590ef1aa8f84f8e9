// Package main is the entry point for the streamdub service.
package main

import (
	"os"

	"github.com/streamdub/streamdub/cmd/streamdub/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
