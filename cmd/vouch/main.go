// Command vouch is the remote attestation and verification engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/vouch/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vouch:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
