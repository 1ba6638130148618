package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/prompt-dock/bridge/internal/config"
)

var (
	logsConfig string
	logsLines  int
	logsFollow bool
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the bridge daemon's log output",
	RunE:  runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().StringVar(&logsConfig, "config", "", "path to a config file")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "number of trailing lines to show")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing new lines as they're appended")
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(logsConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	path := logFilePath(cfg.DataDir)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no log file yet")
			return nil
		}
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	lines, err := tailLines(f, logsLines)
	if err != nil {
		return fmt.Errorf("read log file: %w", err)
	}
	for _, line := range lines {
		fmt.Println(line)
	}

	if !logsFollow {
		return nil
	}

	reader := bufio.NewReader(f)
	var partial strings.Builder
	for {
		chunk, err := reader.ReadString('\n')
		partial.WriteString(chunk)
		if err == io.EOF {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if err != nil {
			return fmt.Errorf("follow log file: %w", err)
		}
		fmt.Print(partial.String())
		partial.Reset()
	}
}

func tailLines(f *os.File, n int) ([]string, error) {
	scanner := bufio.NewScanner(f)
	var buf []string
	for scanner.Scan() {
		buf = append(buf, scanner.Text())
		if len(buf) > n {
			buf = buf[1:]
		}
	}
	return buf, scanner.Err()
}
