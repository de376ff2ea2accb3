// Command opsctl seeds and edits the sqlite document store that opsnotify
// watches, so assignments and orders can be driven by hand.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
