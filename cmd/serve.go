package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/adalundhe/coedit/core/config"
)

var serveWatchConfig bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration service",
	Long: `Run the document, conflict and presence engines with the HTTP inspection
API, and optionally the Redis presence mirror and the Kafka change relay.

The service runs until SIGINT or SIGTERM. With --watch, edits to the config
files are applied without a restart: the log level, conflict user priorities
and the default conflict strategy.

Examples:
  coedit serve
  coedit serve -c coedit.yaml -c coedit.local.yaml
  COEDIT_KAFKA_ENABLED=true COEDIT_KAFKA_BROKERS=k1:9092 coedit serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVarP(&serveWatchConfig, "watch", "w", true, "Reload config files when they change")
}

func runServe(cmd *cobra.Command, _ []string) error {
	bootLogger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	manager, err := loadConfig(bootLogger)
	if err != nil {
		return err
	}
	cfg := manager.Get()

	logger, levelVar, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger, appDeps{})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}

	manager.OnChange(func(next *config.Config) {
		if level, err := config.ParseLevel(next.Log.Level); err == nil {
			levelVar.Set(level)
		}
		a.applyConfig(next)
		logger.Info("config applied",
			"log_level", next.Log.Level,
			"default_strategy", next.Conflict.DefaultStrategy)
	})

	logger.Info("coedit started",
		"http", cfg.HTTP.Enabled,
		"redis", cfg.Redis.Enabled,
		"kafka", cfg.Kafka.Enabled)

	g, gctx := errgroup.WithContext(ctx)
	if serveWatchConfig {
		g.Go(func() error { return manager.Watch(gctx) })
	}
	if a.server != nil {
		g.Go(func() error { return a.server.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	logger.Info("coedit stopping")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
