package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/prompt-dock/bridge/agent"
	"github.com/prompt-dock/bridge/execution"
	"github.com/prompt-dock/bridge/httpapi"
	"github.com/prompt-dock/bridge/internal/auditlog"
	"github.com/prompt-dock/bridge/internal/config"
	"github.com/prompt-dock/bridge/internal/identity"
	"github.com/prompt-dock/bridge/internal/logger"
	"github.com/prompt-dock/bridge/internal/metrics"
	"github.com/prompt-dock/bridge/pairing"
	"github.com/prompt-dock/bridge/plan"
	"github.com/prompt-dock/bridge/session"
	"github.com/prompt-dock/bridge/transport"
	"github.com/prompt-dock/bridge/version"
	"github.com/prompt-dock/bridge/workspace"
)

var (
	startPort    int
	startAgent   string
	startConfig  string
	startVerbose bool
	startNoOpen  bool
	startHub     string
)

var agentKindsOffered = []string{"claude", "gemini", "qwen"}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bridge daemon in the foreground",
	Long: `start loads configuration, bootstraps the bridge identity, and serves
the control surface and message channel until interrupted.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().IntVar(&startPort, "port", 0, "HTTP control-surface port (overrides config)")
	startCmd.Flags().StringVar(&startAgent, "agent", "", "default agent kind (overrides config)")
	startCmd.Flags().StringVar(&startConfig, "config", "", "path to a config file")
	startCmd.Flags().BoolVar(&startVerbose, "verbose", false, "enable debug logging")
	startCmd.Flags().BoolVar(&startNoOpen, "no-open", false, "do not open a browser on start")
	startCmd.Flags().StringVar(&startHub, "hub", "", "hub URL override (overrides config and PROMPT_DOCK_HUB)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(startConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyStartFlagOverrides(cfg)

	if running, _ := readRunningPID(cfg.DataDir); running != 0 {
		return fmt.Errorf("bridge already running (pid %d)", running)
	}

	level := logger.ParseLevel(cfg.Logging.Level)
	if startVerbose {
		level = logger.DebugLevel
	}
	logOut := os.Stdout
	switch cfg.Logging.Output {
	case "", "stdout":
	case "stderr":
		logOut = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log output: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	log := logger.New(logOut, level)
	log.Info("bridge: starting", logger.String("version", version.Version))

	id, err := identity.Init(filepath.Join(cfg.DataDir, "keys"))
	if err != nil {
		return fmt.Errorf("init identity: %w", err)
	}

	audit, err := auditlog.Open(filepath.Join(cfg.DataDir, "audit.log"), id.Private.D.Bytes())
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	pairingReg := pairing.NewRegistry(cfg.Pairing.CodeTTL, mustPEM(id), audit, log)
	defer pairingReg.Close()

	sessions, err := session.NewStore(session.Config{
		SessionTimeout:       cfg.Session.TTL,
		RefreshThreshold:     cfg.Session.RefreshThreshold,
		MaxCommandsPerMinute: cfg.Session.RateLimitBurst,
	}, audit, log)
	if err != nil {
		return fmt.Errorf("start session store: %w", err)
	}
	defer sessions.Close()

	if cfg.Postgres.DSN != "" {
		mirror, err := session.NewPostgresStore(context.Background(), cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("start postgres mirror: %w", err)
		}
		defer mirror.Close()
		sessions.SetMirror(mirror)
		log.Info("bridge: durable session mirror enabled")
	}

	plans := plan.NewRegistry(audit, log)
	defer plans.Close()

	sup := agent.NewSupervisor(cfg.Agent.OutputRingBytes, cfg.Agent.KillGrace, nil, log)

	ws := workspace.NewGitAdapter(filepath.Join(cfg.DataDir, "backups"), log)

	var hub *transport.Hub
	coord := execution.NewCoordinator(plans, sup, ws, func(e execution.Event) {
		if hub != nil {
			hub.DeliverExecutionEvent(e)
		}
	}, log)

	hub = transport.NewHub(cfg.HTTP.AllowedOrigins, id.Public, sessions, pairingReg, coord, log)

	api, err := httpapi.New(cfg.HTTP.AllowedOrigins, pairingReg, sessions, ws, agentKindsOffered, log)
	if err != nil {
		return fmt.Errorf("build control surface: %w", err)
	}

	if err := writePIDFile(cfg.DataDir); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer removePIDFile(cfg.DataDir)

	httpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.HTTP.Port)
	wsAddr := fmt.Sprintf("127.0.0.1:%d", cfg.WS.Port)

	controlMux := http.NewServeMux()
	controlMux.Handle("/", api)
	if cfg.Metrics.Enabled {
		controlMux.Handle(cfg.Metrics.Path, metrics.Handler())
	}

	httpServer := &http.Server{Addr: httpAddr, Handler: controlMux}
	wsServer := &http.Server{Addr: wsAddr, Handler: hub}

	errCh := make(chan error, 2)
	go func() {
		log.Info("bridge: control surface listening", logger.String("addr", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.Info("bridge: message channel listening", logger.String("addr", wsAddr))
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ws server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("bridge: received signal, shutting down", logger.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("bridge: server failed", logger.Err(err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	_ = wsServer.Shutdown(ctx)
	_ = coord.EmergencyStop("daemon shutdown")

	return nil
}

func applyStartFlagOverrides(cfg *config.Config) {
	if startPort != 0 {
		cfg.HTTP.Port = startPort
		cfg.WS.Port = startPort + 1
	}
	if startAgent != "" {
		cfg.Agent.DefaultKind = startAgent
	}
	if startHub != "" {
		cfg.HTTP.HubURL = startHub
	}
}

func mustPEM(id *identity.Identity) string {
	pem, err := id.PublicPEM()
	if err != nil {
		return ""
	}
	return pem
}
