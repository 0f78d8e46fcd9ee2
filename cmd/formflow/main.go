// Package main is the entry point for the formflow server and tooling.
package main

import (
	"fmt"
	"os"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "formflow: %v\n", err)
		os.Exit(1)
	}
}
