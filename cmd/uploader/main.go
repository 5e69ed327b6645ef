// Command darkroom-uploader queues captures locally and delivers them to
// the upload gateway with bounded retries.
package main

import (
	"fmt"
	"os"
)

// version is reported to the gateway in the client version header
var version = "dev"

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
