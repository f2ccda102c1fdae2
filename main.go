// Package main is the entry point for the tcpfollow stream follower.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/tcpfollow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
