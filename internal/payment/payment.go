// Package payment invokes the external processor's release hook, at most
// once per milestone.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zulandar/milepost/internal/models"
	"github.com/zulandar/milepost/internal/outbox"
)

// Releaser pays out a released milestone. Implementations must be safe to
// call more than once for the same milestone.
type Releaser interface {
	Release(ctx context.Context, r outbox.Release) error
}

// ErrNotConfigured is returned when no release endpoint is set.
var ErrNotConfigured = errors.New("payment: release url is not configured")

// Client posts release requests to the processor. The milestone id is sent
// as the Idempotency-Key so the processor can collapse retries.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a Client for the release endpoint at url.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) Release(ctx context.Context, r outbox.Release) error {
	if c.url == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("payment: marshal release %s: %w", r.MilestoneID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("payment: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", r.MilestoneID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payment: release %s: %w", r.MilestoneID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already released under this key.
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("payment: release %s: processor returned %d: %s", r.MilestoneID, resp.StatusCode, bytes.TrimSpace(msg))
}

// Handler returns the outbox handler for milestone.released events.
func Handler(r Releaser) outbox.Handler {
	return outbox.HandlerFunc(func(ctx context.Context, ev models.OutboxEvent, env outbox.Envelope) error {
		if env.Release == nil {
			return fmt.Errorf("payment: event %d carries no release", ev.ID)
		}
		return r.Release(ctx, *env.Release)
	})
}
