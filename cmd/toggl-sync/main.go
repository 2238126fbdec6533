package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"toggl-sync/internal/app"
	"toggl-sync/internal/config"
)

var Version = "dev"

var (
	configPath string
	verbose    bool

	cfg    config.Config
	logger *slog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "toggl-sync",
		Short:         "Two-way sync between Toggl Track and the local time ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger = newLogger(cfg.Log, verbose)
			slog.SetDefault(logger)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default: $TOGGL_SYNC_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(mappingCmd())
	rootCmd.AddCommand(credentialsCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(calendarCmd())
	rootCmd.AddCommand(projectsCmd())

	// Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newLogger(c config.Log, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newApp(ctx context.Context) (*app.App, error) {
	application, err := app.New(ctx, logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize app: %w", err)
	}
	return application, nil
}
