package main

import (
	"fmt"
	"os"
)

// set with ldflags
var (
	version = "dev"
	commit  = "n/a"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}
}
