// Command kanmonctl is an operator CLI for inspecting the blob store kanmon
// reads its permission data from and for invalidating a running instance's
// caches.
package main

import (
	"fmt"
	"os"

	"github.com/ashita-ai/kanmon/cmd/kanmonctl/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
