// Package main is the entry point for the layerlink CLI.
package main

import (
	"fmt"
	"os"

	"github.com/layerlink/layerlink/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
