package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DiscordSender delivers notifications by posting to a Discord channel
// webhook. Each alert becomes one message with the title in bold on the first
// line.
type DiscordSender struct {
	webhookURL string
	client     *resty.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     resty.New().SetTimeout(10 * time.Second),
	}
}

// Send posts one message to the webhook. Any non-2xx answer from Discord is
// returned as an error carrying the status code.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"content": fmt.Sprintf("**%s**\n%s", title, message)}).
		Post(d.webhookURL)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	// Discord answers 204 No Content on success.
	if resp.IsError() {
		body := resp.String()
		if len(body) > 1024 {
			body = body[:1024]
		}
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode(), body)
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string { return "discord" }
