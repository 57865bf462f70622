package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/teamsync/internal/config"
	"github.com/agentworkforce/teamsync/internal/httpapi"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event stream and webhook inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, level, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.configPath, cfg, level, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, configPath string, cfg *config.Config, level *slog.LevelVar, logger *slog.Logger) error {
	if strings.TrimSpace(cfg.Server.JWTSecret) == "" {
		return errors.New("server.jwt_secret (or TEAMSYNC_JWT_SECRET) is required to serve")
	}
	application, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Error("shutdown cleanup failed", "error", err)
		}
	}()
	application.inbox.Start(ctx)

	if configPath != "" {
		manager := config.NewManager(cfg)
		watcher, err := config.Watch(configPath, manager, func(updated *config.Config) {
			applyReload(cfg, updated, level, logger)
		}, logger)
		if err != nil {
			logger.Warn("config watch disabled", "path", configPath, "error", err)
		} else {
			defer watcher.Close()
		}
	}

	server := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpapi.NewServer(httpapi.Services{
			Engine: application.engine,
			Bridge: application.bridge,
			Inbox:  application.inbox,
			Hub:    application.hub,
		}, httpapi.ServerConfig{
			JWTSecret:       cfg.Server.JWTSecret,
			RateLimitMax:    cfg.Server.RateLimitMax,
			RateLimitWindow: cfg.Server.RateLimitWindow.Duration,
			MaxBodyBytes:    cfg.Server.MaxBodyBytes,
			StoreBackend:    application.storeBackend,
			Logger:          logger,
		}),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("teamsync listening", "addr", cfg.Server.Addr, "store", application.storeBackend)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout.Duration.String())
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// applyReload adopts the settings that can change at runtime. Anything that
// would need new listeners or backends is logged and left for a restart.
func applyReload(running, updated *config.Config, level *slog.LevelVar, logger *slog.Logger) {
	if parsed, err := config.ParseLevel(updated.Log.Level); err == nil && parsed != level.Level() {
		level.Set(parsed)
		logger.Info("log level changed", "level", parsed.String())
	}
	for _, field := range restartRequired(running, updated) {
		logger.Warn("config change requires restart", "field", field)
	}
}

func restartRequired(running, updated *config.Config) []string {
	var fields []string
	if strings.TrimSpace(running.Server.Addr) != strings.TrimSpace(updated.Server.Addr) {
		fields = append(fields, "server.addr")
	}
	if running.Server.JWTSecret != updated.Server.JWTSecret {
		fields = append(fields, "server.jwt_secret")
	}
	if running.Store != updated.Store {
		fields = append(fields, "store")
	}
	if running.Inbox != updated.Inbox {
		fields = append(fields, "inbox")
	}
	if running.Tracker != updated.Tracker {
		fields = append(fields, "tracker")
	}
	return fields
}
