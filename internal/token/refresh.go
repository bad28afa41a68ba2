package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pquerna/otp/totp"
)

// RefresherConfig configures the broker login refresher. The broker's token
// endpoint takes a refresh token plus a fresh TOTP code from the account's
// registered authenticator secret.
type RefresherConfig struct {
	URL        string
	APIKey     string
	APISecret  string
	TOTPSecret string

	Timeout time.Duration // default: 7s
}

// NewRefresher builds a RefreshFunc that posts to the broker's token
// endpoint. The TOTP secret is optional; brokers without a 2FA login flow
// leave it empty.
func NewRefresher(cfg RefresherConfig) RefreshFunc {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 7 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context, userID, refreshToken string) (Credentials, error) {
		body := map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     cfg.APIKey,
			"client_secret": cfg.APISecret,
		}
		if cfg.TOTPSecret != "" {
			code, err := totp.GenerateCode(cfg.TOTPSecret, time.Now())
			if err != nil {
				return Credentials{}, fmt.Errorf("totp code: %w", err)
			}
			body["totp"] = code
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return Credentials{}, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return Credentials{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return Credentials{}, fmt.Errorf("token endpoint: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return Credentials{}, err
		}
		if resp.StatusCode != http.StatusOK {
			return Credentials{}, fmt.Errorf("token endpoint: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
		}

		var out struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int64  `json:"expires_in"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return Credentials{}, fmt.Errorf("token endpoint: decode: %w", err)
		}
		if out.AccessToken == "" {
			return Credentials{}, fmt.Errorf("token endpoint: empty access token")
		}
		next := refreshToken
		if out.RefreshToken != "" {
			next = out.RefreshToken
		}
		expiresIn := out.ExpiresIn
		if expiresIn == 0 {
			// Broker tokens without an explicit expiry last the trading day.
			expiresIn = 12 * 3600
		}
		return Credentials{
			UserID:       userID,
			AccessToken:  out.AccessToken,
			RefreshToken: next,
			ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
		}, nil
	}
}
