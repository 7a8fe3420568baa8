// Package alert delivers operator alerts, such as an outbox event that
// exhausted its retries, to chat webhooks.
package alert

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/zulandar/milepost/internal/config"
	"github.com/zulandar/milepost/internal/logging"
	"go.uber.org/zap"
)

const (
	// maxRetries is the max number of retries for rate-limited webhook calls.
	maxRetries = 3
	// baseBackoff is the initial wait between rate-limited attempts.
	baseBackoff = time.Second
	// maxBackoff caps the wait between attempts.
	maxBackoff = 30 * time.Second
)

// Sink posts a single alert.
type Sink interface {
	Name() string
	Alert(ctx context.Context, title, text string) error
}

// Multi fans an alert out to every configured sink. A failing sink does
// not stop delivery to the others.
type Multi struct {
	sinks []Sink
	log   *zap.Logger
}

// NewMulti creates a Multi over sinks.
func NewMulti(log *zap.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, log: logging.OrNop(log)}
}

// FromConfig builds the sinks enabled in cfg. An empty config yields a
// Multi that only logs.
func FromConfig(cfg config.AlertsConfig, log *zap.Logger) *Multi {
	var sinks []Sink
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, NewSlack(cfg.SlackWebhookURL))
	}
	if cfg.DiscordWebhookID != "" && cfg.DiscordWebhookToken != "" {
		sinks = append(sinks, NewDiscord(cfg.DiscordWebhookID, cfg.DiscordWebhookToken))
	}
	return NewMulti(log, sinks...)
}

// Len reports the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Alert(ctx context.Context, title, text string) error {
	m.log.Warn("alert", zap.String("title", title), zap.String("text", text))

	var errs []error
	for _, s := range m.sinks {
		if err := s.Alert(ctx, title, text); err != nil {
			m.log.Error("alert delivery failed", zap.String("sink", s.Name()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// retryOnRateLimit calls fn and retries with exponential backoff while
// limited reports the error as a rate limit. retryAfter, when positive,
// overrides the computed wait.
func retryOnRateLimit(ctx context.Context, base time.Duration, fn func() error, limited func(error) (bool, time.Duration)) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		ok, retryAfter := limited(err)
		if !ok || attempt == maxRetries {
			return err
		}

		wait := retryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * base
		}
		if wait > maxBackoff {
			wait = maxBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
