// Package notify delivers attestation events to external collaborators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jmcleod/rangebook/attest"
	"github.com/jmcleod/rangebook/internal/uuid"
)

const (
	defaultQueueSize  = 1024
	defaultMaxRetries = 3
	defaultTimeout    = 10 * time.Second
)

// WebhookConfig configures outbound event delivery.
type WebhookConfig struct {
	URL        string `koanf:"url"`
	AuthHeader string `koanf:"auth_header"` // "Header: Value", e.g. "Authorization: Bearer xxx"
	QueueSize  int    `koanf:"queue_size"`
	MaxRetries uint64 `koanf:"max_retries"`

	// InitialInterval is the first retry delay. Zero uses the backoff default.
	InitialInterval time.Duration `koanf:"initial_interval"`
	Timeout         time.Duration `koanf:"timeout"`
}

// payload is the JSON body POSTed to the endpoint.
type payload struct {
	ID string `json:"id"`
	attest.Event
}

// Webhook posts events to an HTTP endpoint from a background goroutine.
// Publish never blocks; when the queue is full the event is dropped.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	logger *zap.Logger
	events chan payload
	wg     sync.WaitGroup
	once   sync.Once
}

var _ attest.Publisher = (*Webhook)(nil)

// NewWebhook starts a dispatcher for cfg.
func NewWebhook(cfg WebhookConfig, logger *zap.Logger) *Webhook {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "webhook")),
		events: make(chan payload, cfg.QueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Publish enqueues ev for delivery.
func (w *Webhook) Publish(_ context.Context, ev attest.Event) {
	select {
	case w.events <- payload{ID: uuid.New(), Event: ev}:
	default:
		w.logger.Warn("queue full, dropping event", zap.String("type", string(ev.Type)))
	}
}

// Close stops accepting events and waits for queued ones to be sent.
func (w *Webhook) Close() {
	w.once.Do(func() {
		close(w.events)
	})
	w.wg.Wait()
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for p := range w.events {
		if err := w.deliver(p); err != nil {
			w.logger.Warn("delivery failed",
				zap.String("id", p.ID),
				zap.String("type", string(p.Type)),
				zap.Error(err))
		}
	}
}

// deliver POSTs p, retrying network errors and 5xx responses.
func (w *Webhook) deliver(p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	if w.cfg.InitialInterval > 0 {
		b.InitialInterval = w.cfg.InitialInterval
	}
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		req, err := http.NewRequest(http.MethodPost, w.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Rangebook-Webhook/1.0")
		req.Header.Set("X-Rangebook-Event", string(p.Type))
		req.Header.Set("X-Rangebook-Event-ID", p.ID)
		if name, value, ok := strings.Cut(w.cfg.AuthHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Debug("request failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			w.logger.Debug("server error", zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
			return fmt.Errorf("server error: %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("client error: %d", resp.StatusCode))
		}
	}, backoff.WithMaxRetries(b, w.cfg.MaxRetries))
}
