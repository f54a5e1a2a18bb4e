package notify

import (
	"context"
	"fmt"
	"html"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// messageSender is the part of *bot.Bot the sender uses.
type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramSender delivers notifications to one chat through the Bot API.
type TelegramSender struct {
	api    messageSender
	chatID int64
}

// NewTelegramSender creates a TelegramSender for the bot token and chat. The
// token is not checked until the first send.
func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot: %w", err)
	}
	return &TelegramSender{api: b, chatID: chatID}, nil
}

// Send posts the message with the title in bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	_, err := t.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    t.chatID,
		Text:      fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(title), html.EscapeString(message)),
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string { return "telegram" }
