// Package main is the entry point for toolbox.
package main

import (
	"os"

	"github.com/everydev1618/toolbox/cmd/toolbox/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
