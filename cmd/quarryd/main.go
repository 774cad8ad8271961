// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Command quarryd runs a region-store provider: it loads a target
// configuration document, brings up every backend and transfer manager
// it names, and serves the RPC surface over a drpc listener until
// terminated.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
