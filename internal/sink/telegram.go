package sink

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"digestd/internal/model"
)

// Sender is the part of the Telegram API the sink uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts one message per digest to a chat.
type Telegram struct {
	api    Sender
	chatID int64
	pause  time.Duration
}

// NewTelegram creates a Telegram sink posting to chatID.
func NewTelegram(api Sender, chatID int64) *Telegram {
	// ~20 messages/sec max for Telegram
	return &Telegram{api: api, chatID: chatID, pause: 50 * time.Millisecond}
}

// Deliver implements Sink.
func (t *Telegram) Deliver(ctx context.Context, feed model.Feed, digests []model.Digest) error {
	for i, d := range digests {
		if i > 0 && t.pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.pause):
			}
		}
		msg := tgbotapi.NewMessage(t.chatID, FormatDigest(feed.Name, d))
		msg.DisableWebPagePreview = true
		if _, err := t.api.Send(msg); err != nil {
			return fmt.Errorf("send digest %s: %w", d.ID, err)
		}
	}
	return nil
}
