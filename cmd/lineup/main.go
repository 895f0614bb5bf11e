// Command lineup runs declarative, manifest-driven task orchestration
// against one or more workers.
package main

import (
	"fmt"
	"os"

	"github.com/obirvalger/lineup/cmd/lineup/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
