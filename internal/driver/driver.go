// Package driver runs the periodic tick that drives the batching engine:
// refresh options, adjust the log level, poll/admit/dispatch, and let the
// liveness heartbeat run alongside it.
package driver

import (
	"context"
	"log/slog"
	"time"

	"github.com/Cray-HPE/cfs-batcher/internal/batching"
	"github.com/Cray-HPE/cfs-batcher/internal/options"
	"github.com/Cray-HPE/cfs-batcher/pkg/logging"
	"github.com/Cray-HPE/cfs-batcher/pkg/metrics"
)

// tickErrorCooldown is the fixed sleep the driver takes after an unexpected
// error in a tick, to avoid hammering CFS or the log with a tight crash
// loop while still making forward progress.
const tickErrorCooldown = 5 * time.Second

// Driver owns the options cache and the batching manager and ticks them in
// the order §2/§5 require: checkStatus before admit, admit before dispatch.
type Driver struct {
	manager      *batching.Manager
	optionsCache *options.Cache
	logger       *logging.Logger
	metrics      *metrics.BatcherMetrics
}

// New builds a Driver.
func New(manager *batching.Manager, optionsCache *options.Cache, logger *logging.Logger, m *metrics.BatcherMetrics) *Driver {
	return &Driver{manager: manager, optionsCache: optionsCache, logger: logger, metrics: m}
}

// Run executes the tick loop until ctx is canceled. There is no clean
// shutdown protocol beyond that: the process is expected to be terminated
// by its host.
func (d *Driver) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		sleep := d.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// tick runs one pass of the pipeline and returns how long to sleep before
// the next one. A panic anywhere in the pipeline is caught, logged, and
// answered with a fixed cooldown instead of propagating or crashing the
// process.
func (d *Driver) tick(ctx context.Context) (sleep time.Duration) {
	sleep = tickErrorCooldown

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("unexpected error in tick, cooling down", slog.Any("panic", r))
			sleep = tickErrorCooldown
		}
	}()

	start := time.Now()

	d.optionsCache.Refresh(ctx)
	snap := d.optionsCache.Current()
	d.logger.SetLevel(logging.ParseLevel(snap.LoggingLevel()))

	if err := d.manager.CheckStatus(ctx, snap); err != nil {
		d.logger.Error("checkStatus failed", slog.String("error", err.Error()))
	}

	if snap.Disabled() {
		d.logger.Debug("batcher disabled, skipping admit/dispatch")
	} else {
		if err := d.manager.Admit(ctx, snap); err != nil {
			d.logger.Error("admit failed", slog.String("error", err.Error()))
		}
		if err := d.manager.Dispatch(ctx, snap); err != nil {
			d.logger.Error("dispatch failed", slog.String("error", err.Error()))
		}
	}

	d.metrics.ObserveTick("total", time.Since(start))
	return snap.CheckInterval()
}
