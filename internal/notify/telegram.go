package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	telegramBaseURL = "https://api.telegram.org"

	// Telegram rejects messages over 4096 characters.
	maxMessageLen = 4096

	sendTimeout = 10 * time.Second
)

// Telegram sends messages through the Bot API. Sends are throttled to one
// message per second with a burst of five, below Telegram's own limits.
type Telegram struct {
	http    *resty.Client
	limiter *rate.Limiter
	token   string
	chatID  string
	log     zerolog.Logger
}

// NewTelegram creates a notifier from credentials. Use New to fall back to
// the disabled stub on missing credentials.
func NewTelegram(cfg Config, log zerolog.Logger) *Telegram {
	httpClient := resty.New().
		SetBaseURL(telegramBaseURL).
		SetTimeout(sendTimeout).
		SetHeader("Content-Type", "application/json; charset=utf-8")

	return &Telegram{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		log:     log.With().Str("component", "notify").Logger(),
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// Send delivers one Markdown message to the configured chat.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate wait: %w", err)
	}

	if len(text) > maxMessageLen {
		text = text[:maxMessageLen-3] + "..."
	}

	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(sendMessageRequest{ChatID: t.chatID, Text: text, ParseMode: "Markdown"}).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		// Transport errors embed the request URL, which carries the
		// bot token in its path.
		return fmt.Errorf("telegram send: %s", t.redact(err.Error()))
	}

	var result sendMessageResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return fmt.Errorf("telegram response (status %d): %w", resp.StatusCode(), err)
	}
	if !result.OK {
		return fmt.Errorf("telegram API refused send (status %d): %s", resp.StatusCode(), result.Description)
	}

	t.log.Debug().Int("length", len(text)).Msg("Notification sent")
	return nil
}

// Enabled reports true.
func (t *Telegram) Enabled() bool { return true }

func (t *Telegram) redact(s string) string {
	return strings.ReplaceAll(s, t.token, "***")
}
