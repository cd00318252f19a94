// trellisctl is the operator CLI: it validates workflow definitions locally
// and drives the trellis API for submissions, run inspection and queue admin.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
