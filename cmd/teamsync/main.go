package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/teamsync/internal/config"
)

var Version = "dev"

type rootOptions struct {
	configPath string
	dev        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "teamsync",
		Short:         "Team collaboration sync service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("TEAMSYNC_CONFIG"), "path to TOML config file")
	rootCmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "use text log format (default is JSON)")

	rootCmd.AddCommand(serveCmd(opts))
	rootCmd.AddCommand(importCmd(opts))
	return rootCmd
}

// configureLogger builds the process logger. level is shared so a config
// reload can change verbosity without rebuilding handlers.
func configureLogger(w io.Writer, format string, useDev bool, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if useDev || strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func loadConfig(opts *rootOptions) (*config.Config, *slog.LevelVar, *slog.Logger, error) {
	cfg, err := config.Load(strings.TrimSpace(opts.configPath))
	if err != nil {
		return nil, nil, nil, err
	}
	level := new(slog.LevelVar)
	parsed, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, nil, err
	}
	level.Set(parsed)
	logger := configureLogger(os.Stderr, cfg.Log.Format, opts.dev, level)
	slog.SetDefault(logger)
	return cfg, level, logger, nil
}
