package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go.uber.org/zap"

	"github.com/zette-dev/natron/internal/bot"
	"github.com/zette-dev/natron/internal/config"
	"github.com/zette-dev/natron/internal/core"
	"github.com/zette-dev/natron/internal/events"
	"github.com/zette-dev/natron/internal/logging"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Telegram bot and its assistant sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, debug)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable human-readable debug logging")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, debug bool) error {
	log, err := logging.New(debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observer := events.NewFanoutObserver(events.NewLoggingObserver(log))
	c, err := core.New(ctx, log, cfg, observer)
	if err != nil {
		return fmt.Errorf("start core: %w", err)
	}

	transport, err := bot.New(log, cfg.Telegram, cfg.Session, c)
	if err != nil {
		shutdownCore(log, c)
		return fmt.Errorf("start telegram transport: %w", err)
	}

	log.Infow("orchestrator ready", "default_session", cfg.Session.DefaultName)
	transport.Start(ctx)

	shutdownCore(log, c)
	log.Infow("orchestrator shut down")
	return nil
}

func shutdownCore(log *zap.SugaredLogger, c *core.Core) {
	log.Infow("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.Shutdown(ctx)
}
