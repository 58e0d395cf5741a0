package push

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"gopkg.in/telebot.v3"

	"offline0/internal/clients"
)

// Broadcaster delivers a typed message to every connected window.
type Broadcaster interface {
	Broadcast(ctx context.Context, typ string, v any) (int, error)
}

// WindowPresenter shows notifications inside the connected windows.
type WindowPresenter struct {
	b Broadcaster
}

func NewWindowPresenter(b Broadcaster) *WindowPresenter { return &WindowPresenter{b: b} }

func (p *WindowPresenter) Name() string { return "windows" }

func (p *WindowPresenter) Present(ctx context.Context, n Notification) error {
	_, err := p.b.Broadcast(ctx, clients.TypeNotification, n)
	return err
}

type telegramSender interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

// TelegramPresenter mirrors notifications into a Telegram chat.
type TelegramPresenter struct {
	bot    telegramSender
	chatID int64
}

// NewTelegramBot connects to the Bot API. The bot only sends, it is never
// started.
func NewTelegramBot(token string) (*telebot.Bot, error) {
	return telebot.NewBot(telebot.Settings{
		Token:  token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	})
}

func NewTelegramPresenter(bot *telebot.Bot, chatID int64) *TelegramPresenter {
	return &TelegramPresenter{bot: bot, chatID: chatID}
}

func (p *TelegramPresenter) Name() string { return "telegram" }

func (p *TelegramPresenter) Present(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := []interface{}{telebot.ModeHTML}
	if n.Options.Silent {
		opts = append(opts, telebot.Silent)
	}
	if _, err := p.bot.Send(&telebot.Chat{ID: p.chatID}, telegramText(n), opts...); err != nil {
		return fmt.Errorf("send to chat %d: %w", p.chatID, err)
	}
	return nil
}

func telegramText(n Notification) string {
	var b strings.Builder
	b.WriteString("🔔 <b>")
	b.WriteString(html.EscapeString(n.Title))
	b.WriteString("</b>")
	if n.Options.Body != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(n.Options.Body))
	}
	if u := stringValue(n.Options.Data["url"]); u != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(u))
	}
	return b.String()
}
