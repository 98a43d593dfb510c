package main

import (
	"context"
	"os/signal"
	"syscall"

	"terminal/internal/config"
	"terminal/internal/hostcheck"
	"terminal/internal/server"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the terminal gateway",
	RunE:  runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.DevMode {
		logger.Warn("Development mode: host security self-check skipped")
	} else {
		report := hostcheck.Run(ctx, hostcheck.Defaults(server.PingDocker), logger)
		if err := report.Err(); err != nil {
			logger.Error("Refusing to start on an insecure host", "error", err)
			return err
		}
	}

	deps, err := server.InitDeps(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialise dependencies", "error", err)
		return err
	}
	defer deps.Close()

	srv, err := server.NewServer(ctx, cfg, deps)
	if err != nil {
		logger.Error("Failed to build server", "error", err)
		return err
	}
	return srv.Start(ctx)
}
