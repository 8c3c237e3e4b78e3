// Package main is the entry point for the pagewatch CLI.
//
// pagewatch polls one web page, extracts a single value from it and emails
// the configured recipients whenever the value changes. It runs until the
// process is killed; use a process manager to restart it on crash.
//
// Usage:
//
//	pagewatch -c settings.yaml          # Watch the page forever
//	pagewatch -c settings.yaml --once   # Run one check and exit
//	pagewatch --metrics-addr :9090      # Serve Prometheus metrics on /metrics
//	pagewatch validate -c settings.yaml # Validate configuration
//	pagewatch version                   # Show version info
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pevans/pagewatch"
	"github.com/pevans/pagewatch/config"
	"github.com/pevans/pagewatch/metrics"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "pagewatch",
	Short: "Watch a web page value and email on change",
	Long: `pagewatch polls a web page, reads one value next to a fixed label
and sends an email when the value differs from the last one seen.

The last notified value is kept in a plain text file so restarts do not
repeat notifications.

Example settings.yaml:
  url: https://example.edu/rekrutacja
  check period: 15
  access retry period: 5
  notification retry period: 1
  notification max retries: 3
  email subject: Rekrutacja
  message: "Nowy status: {{.Value}}"
  email recipients: [student@example.com]
  sender email: watcher@gmail.com
  sender password: app-password
  debugging logs: false`,
	SilenceUsage: true,
	RunE:         runWatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pagewatch %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "settings.yaml", "path to settings file")
	rootCmd.PersistentFlags().String("env-file", ".env", "optional dotenv file loaded before the settings")

	rootCmd.Flags().String("state", "", "path to the last value file (overrides \"state file\")")
	rootCmd.Flags().Bool("once", false, "run a single check and exit")
	rootCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (disabled when empty)")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger creates a text logger on w at info level, or debug level when
// debug is set.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadSettings reads the dotenv file (if present) and then the settings file.
func loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	configFile, _ := cmd.Flags().GetString("config")
	return config.Load(configFile)
}

func runWatch(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	if statePath, _ := cmd.Flags().GetString("state"); statePath != "" {
		settings.StateFile = statePath
	}

	logger := newLogger(cmd.ErrOrStderr(), settings.DebuggingLogs)
	logger.Info("settings file loaded")
	logger.Debug("settings", "settings", settings)

	monitor, err := pagewatch.NewFromSettings(settings, logger)
	if err != nil {
		return err
	}

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		srv := serveMetrics(addr, monitor, logger)
		defer srv.Close()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if once, _ := cmd.Flags().GetBool("once"); once {
		outcome, err := monitor.Cycle(ctx)
		if err != nil {
			return err
		}
		logger.Info("check finished", "outcome", outcome)
		return nil
	}

	return monitor.Run(ctx)
}

// serveMetrics registers the monitor metrics and serves them on addr in the
// background.
func serveMetrics(addr string, monitor *pagewatch.Monitor, logger *slog.Logger) *http.Server {
	reg := prom.NewRegistry()
	monitor.SetRecorder(metrics.NewPrometheusRecorder(reg))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(reg))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	return srv
}
