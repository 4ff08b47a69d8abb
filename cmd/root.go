// Package cmd provides the coedit command line.
package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/adalundhe/coedit/core/config"
)

var (
	configPaths []string
	logLevel    string
	logFormat   string
)

var rootCmd = &cobra.Command{
	Use:   "coedit",
	Short: "coedit - real-time collaborative document synchronization",
	Long: `coedit keeps shared text documents convergent under concurrent edits.

It applies operational transformation to every change, detects and resolves
conflicting edits, and tracks who is present in each document.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", []string{"coedit.yaml"}, "Config files, layered in order")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format override (text, json)")
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig builds a manager from the persistent flags and loads it once.
func loadConfig(logger *slog.Logger) (*config.Manager, error) {
	m := config.NewManager(logger, configPaths...)
	m.SetOverrides(&config.Config{
		Log: config.LogConfig{Level: logLevel, Format: logFormat},
	})
	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return m, nil
}

// newLogger builds the process logger. The returned LevelVar lets a config
// reload change the level of a running logger.
func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, *slog.LevelVar, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	opts := &slog.HandlerOptions{Level: levelVar}
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), levelVar, nil
}
