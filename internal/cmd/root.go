package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/faize-ai/appcast/internal/config"
	"github.com/faize-ai/appcast/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "appcast",
	Short: "appcast - remote GUI application sessions",
	Long: `appcast launches GUI applications as per-user sessions, either directly on
the host compositor or inside a virtual display exported over VNC.

Register an application:
  appcast apps add calculator --name Calculator -- xcalc

Start and inspect sessions:
  appcast create calculator --user alice
  appcast ps
  appcast status <session-id>

Tear down:
  appcast close <session-id>
  appcast cleanup`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.appcast/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads configuration and installs the CLI logger as the default
func loadConfig() (*config.Config, *slog.Logger, error) {
	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Debug("config loaded", "data_dir", cfg.DataDir, "mode", cfg.Environment.Mode)
	return cfg, logger, nil
}

func newOrchestrator() (*orchestrator.Orchestrator, *config.Config, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	orch, err := orchestrator.FromConfig(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize sessions: %w", err)
	}
	return orch, cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
