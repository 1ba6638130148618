package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/prompt-dock/bridge/agent"
	"github.com/prompt-dock/bridge/internal/config"
	"github.com/prompt-dock/bridge/internal/logger"
)

var testAgentConfig string

var testAgentCmd = &cobra.Command{
	Use:   "test-agent <kind>",
	Short: "Verify an agent binary can be located and invoked",
	Args:  cobra.ExactArgs(1),
	RunE:  runTestAgent,
}

func init() {
	rootCmd.AddCommand(testAgentCmd)
	testAgentCmd.Flags().StringVar(&testAgentConfig, "config", "", "path to a config file")
}

func runTestAgent(cmd *cobra.Command, args []string) error {
	kind := args[0]
	cfg, err := config.Load(testAgentConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	info, err := agent.Locate(kind, "")
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	fmt.Printf("located %s at %s\n", info.Kind, info.Path)

	sup := agent.NewSupervisor(cfg.Agent.OutputRingBytes, cfg.Agent.KillGrace, nil, logger.New(os.Stdout, logger.WarnLevel))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := sup.StartOneShot(ctx, "test-agent", kind, "", "respond with a short acknowledgement", ".", nil)
	if err != nil {
		return fmt.Errorf("%s: probe run failed: %w", kind, err)
	}

	fmt.Printf("exit code %d\n", result.ExitCode)
	if len(result.Stdout) > 0 {
		fmt.Printf("stdout: %s\n", result.Stdout)
	}
	if len(result.Stderr) > 0 {
		fmt.Printf("stderr: %s\n", result.Stderr)
	}
	return nil
}
