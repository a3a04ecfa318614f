// Package notify sends best-effort operator alerts when a supervised
// backend misbehaves. It is diagnostic only: a send failure is logged and
// swallowed, never surfaced to the caller.
package notify

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram implements supervisor.Notifier by sending one outbound message
// per alert to a fixed chat ID. Unlike the long-polling bot it is adapted
// from, it never reads updates — procgate has nothing for a human to say
// back to it.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *slog.Logger
}

// NewTelegram connects to the Telegram Bot API with the given token.
func NewTelegram(token string, chatID int64, log *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	bot.Debug = false
	if log == nil {
		log = slog.Default()
	}
	return &Telegram{bot: bot, chatID: chatID, log: log}, nil
}

// UnexpectedExit alerts that a supervised child died without being told to.
func (t *Telegram) UnexpectedExit(supervisor string) {
	t.send(fmt.Sprintf("procgate: %s exited unexpectedly", supervisor))
}

// KillEscalation alerts that a graceful terminate had to escalate to a
// forceful kill.
func (t *Telegram) KillEscalation(supervisor string) {
	t.send(fmt.Sprintf("procgate: %s did not stop gracefully and was killed", supervisor))
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.log.Warn("telegram notify failed", "error", err)
	}
}

// Noop implements supervisor.Notifier by doing nothing, used when no bot
// token is configured.
type Noop struct{}

func (Noop) UnexpectedExit(string) {}
func (Noop) KillEscalation(string) {}
