package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// maxDiscordContent is Discord's message content limit.
const maxDiscordContent = 2000

// webhookExecutor abstracts the discordgo.Session method we use.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts alerts through a Discord channel webhook.
type Discord struct {
	sess    webhookExecutor
	id      string
	token   string
	backoff time.Duration
}

// NewDiscord creates a Discord sink for the webhook id and token. Webhook
// execution needs no bot token, so the session is created without one.
func NewDiscord(id, token string) *Discord {
	sess, _ := discordgo.New("")
	return &Discord{sess: sess, id: id, token: token, backoff: baseBackoff}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Alert(ctx context.Context, title, text string) error {
	content := fmt.Sprintf("**%s**\n%s", title, text)
	if len(content) > maxDiscordContent {
		content = content[:maxDiscordContent-3] + "..."
	}
	params := &discordgo.WebhookParams{Content: content}

	err := retryOnRateLimit(ctx, d.backoff, func() error {
		_, err := d.sess.WebhookExecute(d.id, d.token, false, params, discordgo.WithContext(ctx))
		return err
	}, func(err error) (bool, time.Duration) {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil &&
			restErr.Response.StatusCode == http.StatusTooManyRequests {
			return true, 0
		}
		return false, 0
	})
	if err != nil {
		return fmt.Errorf("discord: execute webhook: %w", err)
	}
	return nil
}
