package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/prompt-dock/bridge/internal/config"
)

var stopConfig string

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running bridge daemon",
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().StringVar(&stopConfig, "config", "", "path to a config file")
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(stopConfig)
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

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if running, _ := readRunningPID(cfg.DataDir); running == 0 {
			fmt.Println("bridge stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	return fmt.Errorf("bridge (pid %d) did not stop within the grace period", pid)
}
