// Command podcache-server runs the PodCache RESP server: a two-tier
// (in-memory LRU + content-addressed disk) cache speaking a Redis-wire
// subset.
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
