// Package notify delivers out-of-band operator alerts over Telegram.
// Absent credentials produce a disabled notifier that only logs, so every
// caller can alert unconditionally.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Notifier sends operator alerts.
type Notifier interface {
	// Send delivers one message. Failures are returned, never retried;
	// callers treat alerts as best-effort and must not stall on them.
	Send(ctx context.Context, text string) error
	// Enabled reports whether messages actually leave the process.
	Enabled() bool
}

// Config carries the Telegram credentials, from the environment.
type Config struct {
	BotToken string
	ChatID   string
}

// New returns a Telegram notifier when both credentials are present and a
// log-only stub otherwise.
func New(cfg Config, log zerolog.Logger) Notifier {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		log.Warn().Msg("Telegram credentials absent, notifications disabled")
		return &Noop{log: log.With().Str("component", "notify").Logger()}
	}
	return NewTelegram(cfg, log)
}

// Noop is the disabled notifier. Messages are logged at debug level and
// reported as sent.
type Noop struct {
	log zerolog.Logger
}

// Send logs the message and succeeds.
func (n *Noop) Send(_ context.Context, text string) error {
	n.log.Debug().Str("text", text).Msg("Notification suppressed (notifier disabled)")
	return nil
}

// Enabled reports false.
func (n *Noop) Enabled() bool { return false }
