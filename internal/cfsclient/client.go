// Package cfsclient is the HTTP client for the external Configuration
// Framework Service: components, sessions, and options endpoints, with
// paginated iteration and transport-level retry/backoff.
package cfsclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/Cray-HPE/cfs-batcher/internal/config"
	"github.com/Cray-HPE/cfs-batcher/pkg/metrics"
)

// Client talks to CFS's components, sessions, and options endpoints.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
	metrics     *metrics.BatcherMetrics
}

// New builds a Client from bootstrap configuration.
func New(cfg config.CFSConfig, logger *slog.Logger, m *metrics.BatcherMetrics) *Client {
	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			},
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     cfg.BaseURL,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		logger:      logger,
		metrics:     m,
	}
}

// doJSON issues method against path+query, marshaling body (if non-nil) as
// the request payload and unmarshaling the response into out (if non-nil).
// It applies the outbound rate limiter, then retries transient failures with
// exponential backoff; a 404 is surfaced as SessionNotFoundError only by
// callers that know 404 means "deleted" (sessions), otherwise as
// HTTPStatusError.
func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cfsclient: %s: marshal request: %w", op, err)
		}
		bodyBytes = b
	}

	reqURL := c.baseURL + path
	if query != nil && len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	start := time.Now()
	backoff := c.baseBackoff
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WarnContext(ctx, "retrying CFS request",
				slog.String("op", op), slog.Int("attempt", attempt), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return &TransportError{Op: op, Err: ctx.Err(), Retryable: false}
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return &TransportError{Op: op, Err: err, Retryable: false}
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
		if err != nil {
			return &TransportError{Op: op, Err: err, Retryable: false}
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &TransportError{Op: op, Err: err, Retryable: true}
			c.metrics.ObserveCFSRequest(op, "transport_error", time.Since(start))
			if attempt < c.maxRetries {
				backoff = c.nextBackoff(backoff)
				continue
			}
			return lastErr
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			c.metrics.ObserveCFSRequest(op, "not_found", time.Since(start))
			return &HTTPStatusError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = &HTTPStatusError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
			c.metrics.ObserveCFSRequest(op, "http_error", time.Since(start))
			if lastErr.(*HTTPStatusError).Retryable() && attempt < c.maxRetries {
				if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
					if secs, err := strconv.Atoi(retryAfter); err == nil {
						backoff = time.Duration(secs) * time.Second
					}
				} else {
					backoff = c.nextBackoff(backoff)
				}
				continue
			}
			return lastErr
		}

		if readErr != nil {
			lastErr = &DecodeError{Op: op, Err: readErr}
			c.metrics.ObserveCFSRequest(op, "decode_error", time.Since(start))
			if attempt < c.maxRetries {
				backoff = c.nextBackoff(backoff)
				continue
			}
			return lastErr
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				lastErr = &DecodeError{Op: op, Err: err}
				c.metrics.ObserveCFSRequest(op, "decode_error", time.Since(start))
				if attempt < c.maxRetries {
					backoff = c.nextBackoff(backoff)
					continue
				}
				return lastErr
			}
		}

		c.metrics.ObserveCFSRequest(op, "success", time.Since(start))
		return nil
	}

	return lastErr
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > c.maxBackoff {
		return c.maxBackoff
	}
	return next
}
