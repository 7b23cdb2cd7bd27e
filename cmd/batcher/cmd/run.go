package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Cray-HPE/cfs-batcher/internal/batching"
	"github.com/Cray-HPE/cfs-batcher/internal/cfsclient"
	"github.com/Cray-HPE/cfs-batcher/internal/config"
	"github.com/Cray-HPE/cfs-batcher/internal/driver"
	"github.com/Cray-HPE/cfs-batcher/internal/liveness"
	"github.com/Cray-HPE/cfs-batcher/internal/options"
	"github.com/Cray-HPE/cfs-batcher/pkg/logging"
	"github.com/Cray-HPE/cfs-batcher/pkg/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the batching control loop forever",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if env := os.Getenv("CFS_LOG_LEVEL"); env != "" {
		cfg.Log.Level = env
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	m := metrics.New(cfg.Metrics.Namespace)
	client := cfsclient.New(cfg.CFS, logger.Logger, m)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("rebuilding in-flight state from CFS")
	manager, err := batching.New(ctx, client, cfg.Agent.SessionPrefix, logger.Logger, m)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("rebuilding batch manager state: %w", err)
	}

	optionsCache := options.New(client, logger.Logger)

	heartbeat, err := liveness.NewHeartbeat(cfg.Liveness.Path, cfg.Liveness.HeartbeatInterval, logger.Logger)
	if err != nil {
		return fmt.Errorf("starting liveness heartbeat: %w", err)
	}
	go heartbeat.Run(ctx)

	d := driver.New(manager, optionsCache, logger, m)
	logger.Info("cfs-batcher starting", slog.String("cfs_base_url", cfg.CFS.BaseURL))
	d.Run(ctx)

	logger.Info("cfs-batcher stopped")
	return nil
}
