package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/internal/stream"
)

// DefaultWebhookTimeout bounds one POST when WebhookConfig.Timeout is zero.
const DefaultWebhookTimeout = 5 * time.Second

// maxErrorBody caps how much of a failed response is quoted in the error.
const maxErrorBody = 512

// WebhookConfig configures a [Webhook] sink.
type WebhookConfig struct {
	// URL is the primary endpoint.
	URL string

	// FallbackURLs are tried in order when URL fails or its breaker is open.
	FallbackURLs []string

	// Timeout bounds a single POST. Default: [DefaultWebhookTimeout].
	Timeout time.Duration

	// Headers are set on every request.
	Headers map[string]string

	// IncludeAudio embeds the segment WAV, base64 encoded, in STOP payloads.
	IncludeAudio bool

	// Breaker tunes the per-endpoint circuit breaker.
	Breaker resilience.CircuitBreakerConfig

	// Client is the HTTP client to use. Default: a client without its own
	// timeout, since Timeout is applied per request.
	Client *http.Client
}

// Webhook POSTs each notification as JSON. Every endpoint has its own
// circuit breaker; a failing endpoint is skipped in favour of the next one.
type Webhook struct {
	cfg       WebhookConfig
	endpoints *resilience.FallbackGroup[string]
	client    *http.Client
	prop      propagation.TextMapPropagator
	closed    atomic.Bool
}

// NewWebhook validates cfg and returns a Webhook sink.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sink: webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWebhookTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}

	fg := resilience.NewFallbackGroup(cfg.URL, cfg.URL, resilience.FallbackConfig{CircuitBreaker: cfg.Breaker})
	for _, u := range cfg.FallbackURLs {
		fg.AddFallback(u, u)
	}
	return &Webhook{
		cfg:       cfg,
		endpoints: fg,
		client:    cfg.Client,
		prop:      propagation.TraceContext{},
	}, nil
}

// Name returns "webhook".
func (w *Webhook) Name() string { return "webhook" }

// Deliver POSTs n to the first endpoint that accepts it.
func (w *Webhook) Deliver(ctx context.Context, n stream.Notification) error {
	if w.closed.Load() {
		return ErrSinkClosed
	}
	body, err := json.Marshal(n.Payload(w.cfg.IncludeAudio))
	if err != nil {
		return fmt.Errorf("sink: webhook marshal: %w", err)
	}
	if err := w.endpoints.Execute(ctx, func(ctx context.Context, url string) error {
		return w.post(ctx, url, body)
	}); err != nil {
		return fmt.Errorf("sink: webhook: %w", err)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}
	w.prop.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Healthy reports whether at least one endpoint's breaker is not open.
func (w *Webhook) Healthy(context.Context) error {
	if w.endpoints.Healthy() {
		return nil
	}
	return fmt.Errorf("sink: webhook: all %d endpoints open", w.endpoints.Len())
}

// Endpoints returns the breaker state of every endpoint keyed by URL.
func (w *Webhook) Endpoints() map[string]resilience.State {
	return w.endpoints.States()
}

// Close marks the sink closed and releases idle connections.
func (w *Webhook) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.client.CloseIdleConnections()
	return nil
}
