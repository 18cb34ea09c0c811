// Package webhook delivers App lifecycle notifications (session start/stop)
// to App backends. Delivery is asynchronous and best effort: failures are
// logged and counted, never fatal to the session, and no call is made while
// holding session state.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360/lenslink/errors"
	"github.com/c360/lenslink/metric"
	"github.com/c360/lenslink/pkg/retry"
)

// Kind identifies the lifecycle event being delivered.
type Kind string

const (
	KindSessionStart Kind = "session_start"
	KindSessionStop  Kind = "session_stop"
)

// payload is the JSON body posted to the App backend.
type payload struct {
	Type      Kind   `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// Dispatcher posts lifecycle webhooks with bounded retry.
type Dispatcher struct {
	client  *http.Client
	retry   retry.Config
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithMetrics wires delivery counters.
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRetryConfig overrides the delivery retry policy.
func WithRetryConfig(cfg retry.Config) Option {
	return func(d *Dispatcher) { d.retry = cfg }
}

// NewDispatcher creates a dispatcher with webhook-tuned retry defaults.
func NewDispatcher(logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry.Webhook(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify posts a lifecycle event to url. Blocks until delivered or retries
// are exhausted; callers run it on its own goroutine and apply any follow-up
// through the session's single-writer path.
func (d *Dispatcher) Notify(ctx context.Context, url string, kind Kind, identity string) error {
	if url == "" {
		return nil // App has no backend webhook configured
	}

	body, err := json.Marshal(payload{
		Type:      kind,
		SessionID: identity,
		UserID:    identity,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return errors.WrapInvalid(err, "Dispatcher", "Notify", "marshal payload")
	}

	err = retry.Do(ctx, d.retry, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if reqErr != nil {
			return retry.NonRetryable(reqErr)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := d.client.Do(req)
		if doErr != nil {
			return doErr
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// The backend rejected the event; retrying won't change that.
			return retry.NonRetryable(fmt.Errorf("webhook rejected: %s", resp.Status))
		default:
			return fmt.Errorf("webhook failed: %s", resp.Status)
		}
	})

	status := "ok"
	if err != nil {
		status = "failed"
		d.logger.Warn("webhook delivery failed",
			"url", url, "kind", string(kind), "identity", identity, "error", err)
	}
	if d.metrics != nil {
		d.metrics.WebhookDeliveries.WithLabelValues(string(kind), status).Inc()
	}
	if err != nil {
		return errors.WrapTransient(err, "Dispatcher", "Notify", "deliver "+string(kind))
	}
	return nil
}
