package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prompt-dock/bridge/internal/config"
)

var statusConfig string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the bridge daemon is running",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusConfig, "config", "", "path to a config file")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(statusConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pid, err := readRunningPID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	if pid == 0 {
		fmt.Println("bridge is not running")
		return nil
	}
	fmt.Printf("bridge is running (pid %d, control port %d, message port %d)\n", pid, cfg.HTTP.Port, cfg.WS.Port)
	return nil
}
