// Package token owns the brokerage access token: one refresh at a time
// across processes (file lock), at most one issuer call per minute, and
// atomic 0600 persistence so concurrent readers never see a torn file.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

const (
	// refreshFloor is the minimum spacing between issuer calls. The broker
	// rejects token requests issued more often than once a minute.
	refreshFloor = 60 * time.Second

	// expiryMargin refreshes tokens slightly early so in-flight requests
	// never carry a token that dies mid-call.
	expiryMargin = 5 * time.Minute

	refreshAttempts = 3
	lockRetryDelay  = 100 * time.Millisecond
)

// AccessToken is a freshly issued brokerage token.
type AccessToken struct {
	Value     string
	Type      string
	ExpiresIn int // seconds
}

// Issuer requests a new token from the brokerage auth endpoint.
type Issuer interface {
	IssueToken(ctx context.Context) (AccessToken, error)
}

// FileName returns the persisted token file name for an environment.
func FileName(env string) string {
	return "token_info_" + env + ".json"
}

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Manager caches the access token in memory and coordinates refreshes.
// Readers block on the in-flight refresh, never on the file lock.
type Manager struct {
	path      string
	issuer    Issuer
	onRefresh func(expiresAt time.Time)
	log       zerolog.Logger

	mu          sync.Mutex
	current     tokenFile
	refreshing  chan struct{}
	lastAttempt time.Time

	// test seams
	now       func() time.Time
	floor     time.Duration
	margin    time.Duration
	retryBase time.Duration
}

// New creates a manager persisting to path. The issuer is called only
// when neither memory nor the file holds a usable token. onRefresh, if
// non-nil, runs after every refresh this process performed itself.
func New(path string, issuer Issuer, onRefresh func(expiresAt time.Time), log zerolog.Logger) *Manager {
	return &Manager{
		path:      path,
		issuer:    issuer,
		onRefresh: onRefresh,
		log:       log.With().Str("component", "token").Logger(),
		now:       time.Now,
		floor:     refreshFloor,
		margin:    expiryMargin,
		retryBase: time.Second,
	}
}

// Token returns a valid access token, refreshing if needed.
func (m *Manager) Token(ctx context.Context) (string, error) {
	for {
		m.mu.Lock()
		if m.usable(m.current) {
			tok := m.current.AccessToken
			m.mu.Unlock()
			return tok, nil
		}
		if m.refreshing != nil {
			ch := m.refreshing
			m.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		ch := make(chan struct{})
		m.refreshing = ch
		m.mu.Unlock()

		err := m.refresh(ctx, "")
		m.finish(ch)
		if err != nil {
			return "", err
		}
	}
}

// ForceRefresh discards the current token and obtains a new one. Called
// when the broker rejects the token as expired. If a concurrent refresh
// already replaced the rejected token, its result is adopted as-is.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	m.mu.Lock()
	rejected := m.current.AccessToken
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if m.usable(m.current) && m.current.AccessToken != rejected {
			m.mu.Unlock()
			return nil
		}
		if m.refreshing != nil {
			ch := m.refreshing
			m.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		ch := make(chan struct{})
		m.refreshing = ch
		m.mu.Unlock()

		err := m.refresh(ctx, rejected)
		m.finish(ch)
		return err
	}
}

// Ready reports whether a usable token is held in memory.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usable(m.current)
}

// ExpiresAt returns the current token's expiry, zero if none is held.
func (m *Manager) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.ExpiresAt
}

func (m *Manager) finish(ch chan struct{}) {
	m.mu.Lock()
	m.refreshing = nil
	m.mu.Unlock()
	close(ch)
}

// usable reports whether tf is non-empty and clear of the expiry margin.
// Callers must hold m.mu.
func (m *Manager) usable(tf tokenFile) bool {
	return tf.AccessToken != "" && m.now().Before(tf.ExpiresAt.Add(-m.margin))
}

// refresh runs the cross-process refresh flow. rejected, if non-empty, is
// a token the broker already refused; a re-read matching it is not adopted.
func (m *Manager) refresh(ctx context.Context, rejected string) error {
	lock := flock.New(m.path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquiring token file lock: %w", err)
	}
	if !locked {
		return errors.New("token file lock not acquired")
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to release token file lock")
		}
	}()

	// Another process may have refreshed while we waited on the lock.
	if tf, err := m.readFile(); err == nil {
		m.mu.Lock()
		ok := m.usable(tf) && tf.AccessToken != rejected
		if ok {
			m.current = tf
		}
		m.mu.Unlock()
		if ok {
			m.log.Debug().Msg("Adopted token refreshed by another process")
			return nil
		}
	}

	if wait := m.floorWait(); wait > 0 {
		m.log.Debug().Dur("wait", wait).Msg("Honoring token refresh spacing")
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	var tok AccessToken
	var lastErr error
	backoff := m.retryBase
	for attempt := 1; attempt <= refreshAttempts; attempt++ {
		m.mu.Lock()
		m.lastAttempt = m.now()
		m.mu.Unlock()

		tok, lastErr = m.issuer.IssueToken(ctx)
		if lastErr == nil {
			break
		}
		m.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("Token issue failed")
		if attempt < refreshAttempts {
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			backoff *= 2
		}
	}
	if lastErr != nil {
		return fmt.Errorf("issuing access token: %w", lastErr)
	}

	now := m.now()
	tf := tokenFile{
		AccessToken: tok.Value,
		TokenType:   tok.Type,
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if err := m.writeFile(tf); err != nil {
		return err
	}

	m.mu.Lock()
	m.current = tf
	m.mu.Unlock()
	m.log.Info().Time("expires_at", tf.ExpiresAt).Msg("Access token refreshed")
	if m.onRefresh != nil {
		m.onRefresh(tf.ExpiresAt)
	}
	return nil
}

// floorWait returns how long to wait before the next issuer call may go
// out, honoring both this process's attempts and the persisted issue time.
func (m *Manager) floorWait() time.Duration {
	m.mu.Lock()
	last := m.lastAttempt
	m.mu.Unlock()
	if tf, err := m.readFile(); err == nil && tf.IssuedAt.After(last) {
		last = tf.IssuedAt
	}
	if last.IsZero() {
		return 0
	}
	remaining := m.floor - m.now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (m *Manager) readFile() (tokenFile, error) {
	var tf tokenFile
	data, err := os.ReadFile(m.path)
	if err != nil {
		return tf, err
	}
	if err := json.Unmarshal(data, &tf); err != nil {
		return tf, fmt.Errorf("parsing token file: %w", err)
	}
	if tf.AccessToken == "" {
		return tf, errors.New("token file holds no access token")
	}
	return tf, nil
}

// writeFile persists tf atomically: write a temp sibling, fsync-free
// rename into place, 0600 throughout.
func (m *Manager) writeFile(tf tokenFile) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token file: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}
