// Command bridge is the prompt-dock bridge daemon: a loopback-bound HTTP
// control surface and message channel that let a paired browser app drive
// interactive coding agents on this workstation under a mandatory
// plan-review-execute workflow.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "prompt-dock bridge daemon",
	Long: `bridge is the prompt-dock local-host daemon: it pairs with a remote
browser application over a signed, replay-resistant protocol and drives
interactive coding agent subprocesses under a plan-review-execute workflow.`,
}

func main() {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
