package notify

import (
	"context"
	"fmt"

	tele "gopkg.in/telebot.v4"
)

// TelegramSender delivers messages to a fixed chat. The bot is
// send-only: no poller, no handlers.
type TelegramSender struct {
	bot  *tele.Bot
	chat *tele.Chat
}

// NewTelegramSender builds the sender. NewBot validates the token
// against the API, so a bad token fails here rather than on first send.
func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	bot, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, fmt.Errorf("notify: telegram bot: %w", err)
	}
	return &TelegramSender{bot: bot, chat: &tele.Chat{ID: chatID}}, nil
}

// Send implements Sender. Telebot has no context plumbing on Send; the
// ctx deadline is approximated by the bot's HTTP client timeout, and a
// cancelled ctx short-circuits before the call.
func (t *TelegramSender) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text)
	return err
}
