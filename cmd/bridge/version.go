package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prompt-dock/bridge/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bridge version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
