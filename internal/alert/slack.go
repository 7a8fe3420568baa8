package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"
)

// webhookPoster abstracts the incoming-webhook call, enabling test mocks.
type webhookPoster func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error

// Slack posts alerts to a Slack incoming webhook.
type Slack struct {
	url     string
	post    webhookPoster
	backoff time.Duration
}

// NewSlack creates a Slack sink for the incoming webhook at url.
func NewSlack(url string) *Slack {
	return &Slack{url: url, post: slackapi.PostWebhookContext, backoff: baseBackoff}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Alert(ctx context.Context, title, text string) error {
	msg := &slackapi.WebhookMessage{
		Text: fmt.Sprintf("*%s*\n%s", title, text),
	}
	err := retryOnRateLimit(ctx, s.backoff, func() error {
		return s.post(ctx, s.url, msg)
	}, func(err error) (bool, time.Duration) {
		var rle *slackapi.RateLimitedError
		if errors.As(err, &rle) {
			return true, rle.RetryAfter
		}
		return false, 0
	})
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	return nil
}
