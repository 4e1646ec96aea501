// Package telegram sends operator alerts to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"cronrelay/internal/alert"
)

// Telegram rejects longer messages.
const textLimit = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int // forum topic; 0 for the main chat

	// APIURL overrides the Bot API endpoint (tests, self-hosted API servers).
	APIURL string
}

// Sink implements alert.Sink over the Bot API. No updates are polled.
type Sink struct {
	bot  *tele.Bot
	chat *tele.Chat
	opts *tele.SendOptions
}

var _ alert.Sink = (*Sink)(nil)

func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram: chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: 8 * time.Second},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Sink{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opts: &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ThreadID:              cfg.ThreadID,
		},
	}, nil
}

func (s *Sink) Name() string { return "telegram" }

// Send posts the alert. telebot has no context support, so ctx is only
// checked before the call; the HTTP client timeout bounds the request.
func (s *Sink) Send(ctx context.Context, a alert.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(s.chat, Format(a), s.opts)
	return err
}

// Format renders an alert as Telegram HTML.
func Format(a alert.Alert) string {
	var b strings.Builder
	b.WriteString(icon(a.Severity))
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(a.Title))
	b.WriteString("</b>\n")
	b.WriteString(html.EscapeString(a.Text))
	if !a.At.IsZero() {
		b.WriteString("\n<i>")
		b.WriteString(a.At.UTC().Format(time.RFC3339))
		b.WriteString("</i>")
	}
	out := b.String()
	if len(out) > textLimit {
		// cut on a rune boundary; escaped entities may be split, so drop markup
		out = truncate(html.EscapeString(a.Title)+"\n"+html.EscapeString(a.Text), textLimit)
	}
	return out
}

func icon(s alert.Severity) string {
	switch s {
	case alert.SeverityCritical:
		return "🚨 "
	case alert.SeverityWarning:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("…")
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
