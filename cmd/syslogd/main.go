// Command syslogd runs the syslog ingestion daemon.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"syslogd/internal/logging"
	"syslogd/internal/receiver"
	"syslogd/internal/settings"
	"syslogd/internal/store"
	"syslogd/internal/store/searchstore"
	"syslogd/internal/store/sqlitestore"
	"syslogd/internal/supervisor"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // filtering is done by ComponentFilterHandler
	})
	logger := slog.New(logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo))

	rootCmd := &cobra.Command{
		Use:   "syslogd",
		Short: "Syslog ingestion daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := settingsFromFlags(cmd)
			if err != nil {
				return err
			}
			if cfg.Debug {
				logger = slog.New(logging.NewComponentFilterHandler(baseHandler, slog.LevelDebug))
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, cfg)
		},
	}

	bindFlags(rootCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		var cfgErr *settings.ConfigError
		var bindErr *receiver.BindError
		switch {
		case errors.As(err, &cfgErr):
			logger.Error("invalid configuration", "field", cfgErr.Field, "reason", cfgErr.Reason)
		case errors.As(err, &bindErr):
			logger.Error("failed to bind socket", "addr", bindErr.Addr, "error", bindErr.Err)
		default:
			logger.Error("fatal error", "error", err)
		}
		os.Exit(1)
	}
}

// bindFlags registers every key from the configuration surface table as
// a flag on cmd, one-to-one with settings.Settings.
func bindFlags(cmd *cobra.Command) {
	d := settings.Defaults()
	cmd.Flags().String("bind-ip", d.BindIP, "UDP bind address")
	cmd.Flags().Int("bind-port", d.BindPort, "UDP bind port")
	cmd.Flags().String("driver", string(d.Driver), "backend selector: sqlite or search")
	cmd.Flags().Int("batch-size", d.BatchSize, "flush threshold (records)")
	cmd.Flags().Duration("batch-timeout", d.BatchTimeout, "flush timeout")
	cmd.Flags().String("sqlite-database", d.SQLiteDatabase, "partition filename template")
	cmd.Flags().String("search-url", "", "search-engine endpoint URL")
	cmd.Flags().String("search-api-key", "", "search-engine API key")
	cmd.Flags().Bool("debug", d.Debug, "verbose logging")
}

func settingsFromFlags(cmd *cobra.Command) (settings.Settings, error) {
	s := settings.Defaults()

	s.BindIP, _ = cmd.Flags().GetString("bind-ip")
	s.BindPort, _ = cmd.Flags().GetInt("bind-port")
	driver, _ := cmd.Flags().GetString("driver")
	s.Driver = settings.Driver(driver)
	s.BatchSize, _ = cmd.Flags().GetInt("batch-size")
	s.BatchTimeout, _ = cmd.Flags().GetDuration("batch-timeout")
	s.SQLiteDatabase, _ = cmd.Flags().GetString("sqlite-database")
	s.SearchURL, _ = cmd.Flags().GetString("search-url")
	s.SearchAPIKey, _ = cmd.Flags().GetString("search-api-key")
	s.Debug, _ = cmd.Flags().GetBool("debug")

	if err := s.Validate(); err != nil {
		return settings.Settings{}, err
	}
	return s, nil
}

// run instantiates the configured backend and blocks inside the
// supervisor until ctx is cancelled.
func run(ctx context.Context, logger *slog.Logger, cfg settings.Settings) error {
	backend, err := openBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}

	sup, err := supervisor.New(cfg, backend, logger)
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}

	logger.Info("syslogd starting", "addr", cfg.Addr(), "driver", cfg.Driver)
	return sup.Run(ctx)
}

func openBackend(cfg settings.Settings, logger *slog.Logger) (store.Backend, error) {
	retry := store.RetryConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}

	switch cfg.Driver {
	case settings.DriverSQLite:
		return sqlitestore.New(sqlitestore.Config{
			PathTemplate: cfg.SQLiteDatabase,
			Retry:        retry,
			Logger:       logger,
		}), nil
	case settings.DriverSearch:
		return searchstore.New(searchstore.Config{
			URL:         cfg.SearchURL,
			APIKey:      cfg.SearchAPIKey,
			IndexPrefix: "syslog",
			Retry:       retry,
			Logger:      logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}
