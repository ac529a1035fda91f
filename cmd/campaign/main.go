// Command campaign validates campaign graphs, inspects checkpoints and runs
// an engine against a subject driven from the terminal.
package main

import (
	"os"

	"github.com/fatih/color"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}
