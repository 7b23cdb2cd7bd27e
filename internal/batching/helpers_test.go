package batching

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Cray-HPE/cfs-batcher/internal/cfsclient"
	"github.com/Cray-HPE/cfs-batcher/internal/config"
	"github.com/Cray-HPE/cfs-batcher/pkg/metrics"
)

// testClientFor builds a cfsclient.Client pointed at a local test server,
// with retries effectively disabled so failing test assertions surface
// immediately instead of stalling on backoff.
func testClientFor(t *testing.T, baseURL string) *cfsclient.Client {
	t.Helper()
	cfg := config.CFSConfig{
		BaseURL:            baseURL,
		Timeout:            2 * time.Second,
		RateLimitPerSecond: 1000,
		RateLimitBurst:     100,
		MaxRetries:         0,
		BaseBackoff:        time.Millisecond,
		MaxBackoff:         time.Millisecond,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfsclient.New(cfg, logger, metrics.New("batchingtest_"+sanitize(t.Name())))
}

func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
