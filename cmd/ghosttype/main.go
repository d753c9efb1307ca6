// Command ghosttype runs the streaming generation server.
//
// Usage:
//
//	ghosttype [serve] [flags]
//	ghosttype version
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
