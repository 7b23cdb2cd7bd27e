// Package options maintains the cached snapshot of CFS-delivered tunables
// the batching engine consults every tick.
package options

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Cray-HPE/cfs-batcher/internal/cfsclient"
)

// Defaults are the built-in values used for any key CFS has not yet been
// told about. They are also what gets patched back to CFS on first use, so
// a fresh deployment converges to having explicit values rather than
// relying on the client's implicit defaults forever.
var Defaults = map[string]any{
	"batcherCheckInterval":      10,
	"batchSize":                 25,
	"batchWindow":               60,
	"defaultBatcherRetryPolicy": 3,
	"batcherMaxBackoff":         3600,
	"batcherDisable":            false,
	"batcherPendingTimeout":     300,
	"loggingLevel":              "INFO",
}

// Snapshot is an immutable value view over one refresh's worth of options.
// Operations that need options take a Snapshot by value rather than reach
// into a shared singleton.
type Snapshot struct {
	values map[string]any
}

// CheckInterval is the main-loop tick period.
func (s Snapshot) CheckInterval() time.Duration {
	return time.Duration(s.int("batcherCheckInterval")) * time.Second
}

// BatchSize is the max members admitted into one Batch.
func (s Snapshot) BatchSize() int { return s.int("batchSize") }

// BatchWindow is the max wait from Batch creation to forced dispatch.
func (s Snapshot) BatchWindow() time.Duration {
	return time.Duration(s.int("batchWindow")) * time.Second
}

// DefaultRetryPolicy is an advisory retry count consumed externally by CFS.
func (s Snapshot) DefaultRetryPolicy() int { return s.int("defaultBatcherRetryPolicy") }

// MaxBackoff caps the adaptive backoff window.
func (s Snapshot) MaxBackoff() time.Duration {
	return time.Duration(s.int("batcherMaxBackoff")) * time.Second
}

// Disabled pauses admission and dispatch; status reconciliation keeps
// running regardless.
func (s Snapshot) Disabled() bool { return s.bool("batcherDisable") }

// PendingTimeout is how long a dispatched session may sit "pending" in CFS
// before the agent deletes it and treats the batch as terminally failed.
func (s Snapshot) PendingTimeout() time.Duration {
	return time.Duration(s.int("batcherPendingTimeout")) * time.Second
}

// LoggingLevel is the process-wide log level to apply this tick.
func (s Snapshot) LoggingLevel() string { return s.string("loggingLevel") }

func (s Snapshot) int(key string) int {
	switch v := s.values[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return toInt(Defaults[key])
	}
}

func (s Snapshot) bool(key string) bool {
	if v, ok := s.values[key].(bool); ok {
		return v
	}
	if v, ok := Defaults[key].(bool); ok {
		return v
	}
	return false
}

func (s Snapshot) string(key string) string {
	if v, ok := s.values[key].(string); ok {
		return v
	}
	if v, ok := Defaults[key].(string); ok {
		return v
	}
	return ""
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Cache fetches and caches the options document. A failed refresh keeps the
// last successful snapshot, per §4.1.
type Cache struct {
	client *cfsclient.Client
	logger *slog.Logger

	mu       sync.RWMutex
	snapshot Snapshot
}

// New builds a Cache seeded with built-in defaults so Current() is usable
// even before the first successful Refresh.
func New(client *cfsclient.Client, logger *slog.Logger) *Cache {
	seed := make(map[string]any, len(Defaults))
	for k, v := range Defaults {
		seed[k] = v
	}
	return &Cache{client: client, logger: logger, snapshot: Snapshot{values: seed}}
}

// Current returns the last successfully refreshed snapshot.
func (c *Cache) Current() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Refresh fetches the options document from CFS, fills in any missing keys
// with built-in defaults, patches those missing keys back to CFS, and
// replaces the cached snapshot. On failure the prior snapshot is kept.
func (c *Cache) Refresh(ctx context.Context) {
	doc, err := c.client.GetOptions(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "options refresh failed, keeping prior snapshot", slog.String("error", err.Error()))
		return
	}

	merged := make(map[string]any, len(Defaults))
	for k, v := range Defaults {
		merged[k] = v
	}
	patch := map[string]any{}
	for k, v := range Defaults {
		if _, present := doc[k]; !present {
			patch[k] = v
		}
	}
	for k, v := range doc {
		merged[k] = v
	}

	if len(patch) > 0 {
		if err := c.client.PatchOptions(ctx, patch); err != nil {
			c.logger.WarnContext(ctx, "failed to patch back missing option defaults", slog.String("error", err.Error()))
		} else {
			for k, v := range patch {
				c.logger.InfoContext(ctx, "set missing option to default", slog.String("key", k), slog.Any("value", v))
			}
		}
	}

	c.mu.Lock()
	c.snapshot = Snapshot{values: merged}
	c.mu.Unlock()
}
