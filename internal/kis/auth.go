package kis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/token"
)

// AuthClient calls the broker's credential endpoints. It is separate from
// Client on purpose: token issuance runs before a usable token exists and
// is paced by the Token Manager's own one-per-minute rule, not by the
// request governor.
type AuthClient struct {
	http      *resty.Client
	appKey    string
	appSecret string
	log       zerolog.Logger
}

var _ token.Issuer = (*AuthClient)(nil)

// NewAuthClient creates the credential client for the given environment.
func NewAuthClient(cfg Config, log zerolog.Logger) *AuthClient {
	base := cfg.BaseURL
	if base == "" {
		base = baseURLFor(cfg.Env)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AuthClient{
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json; charset=utf-8"),
		appKey:    cfg.AppKey,
		appSecret: cfg.AppSecret,
		log:       log.With().Str("component", "kis-auth").Logger(),
	}
}

// IssueToken requests a new access token.
func (a *AuthClient) IssueToken(ctx context.Context) (token.AccessToken, error) {
	var out tokenResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     a.appKey,
			"appsecret":  a.appSecret,
		}).
		SetResult(&out).
		Post(pathToken)
	if err != nil {
		return token.AccessToken{}, fmt.Errorf("requesting access token: %w", err)
	}
	if resp.IsError() || out.AccessToken == "" {
		return token.AccessToken{}, fmt.Errorf("token endpoint refused request (status %d)", resp.StatusCode())
	}
	return token.AccessToken{
		Value:     out.AccessToken,
		Type:      out.TokenType,
		ExpiresIn: out.ExpiresIn,
	}, nil
}

// IssueApprovalKey requests a websocket approval key. Keys are per-session;
// the stream fetches a fresh one on every (re)connect.
func (a *AuthClient) IssueApprovalKey(ctx context.Context) (string, error) {
	var out approvalResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     a.appKey,
			// The approval endpoint names the secret differently from tokenP.
			"secretkey": a.appSecret,
		}).
		SetResult(&out).
		Post(pathApproval)
	if err != nil {
		return "", fmt.Errorf("requesting approval key: %w", err)
	}
	if resp.IsError() || out.ApprovalKey == "" {
		return "", fmt.Errorf("approval endpoint refused request (status %d)", resp.StatusCode())
	}
	return out.ApprovalKey, nil
}
