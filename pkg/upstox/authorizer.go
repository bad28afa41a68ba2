package upstox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultAuthorizeURL is the broker endpoint that exchanges an access
// token for a short-lived websocket URL.
const DefaultAuthorizeURL = "https://api.upstox.com/v3/feed/market-data-feed/authorize"

// Authorizer exchanges an access token for an authorized feed URL.
type Authorizer interface {
	Authorize(ctx context.Context, accessToken string) (string, error)
}

// FeedAuthorizer performs the authorize exchange over HTTP.
type FeedAuthorizer struct {
	URL    string
	Client *http.Client
}

// NewFeedAuthorizer returns an authorizer against url, or the broker
// default when url is empty.
func NewFeedAuthorizer(url string) *FeedAuthorizer {
	if url == "" {
		url = DefaultAuthorizeURL
	}
	return &FeedAuthorizer{
		URL:    url,
		Client: &http.Client{Timeout: 7 * time.Second},
	}
}

type authorizeResponse struct {
	Status string `json:"status"`
	Data   struct {
		AuthorizedRedirectURI string `json:"authorized_redirect_uri"`
	} `json:"data"`
	Errors []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errors"`
}

// Authorize calls the authorize endpoint with a Bearer token and returns
// the short-lived websocket URL. 401/403 and non-success payloads yield a
// *AuthError; other failures are transport errors and retryable.
func (a *FeedAuthorizer) Authorize(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return "", fmt.Errorf("authorize request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("authorize call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &AuthError{Status: resp.StatusCode, Reason: "access token rejected"}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("authorize call: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("authorize read: %w", err)
	}

	var parsed authorizeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("authorize parse: %w", err)
	}
	if parsed.Status != "success" || parsed.Data.AuthorizedRedirectURI == "" {
		reason := "authorization not granted"
		if len(parsed.Errors) > 0 {
			reason = parsed.Errors[0].Message
		}
		return "", &AuthError{Status: resp.StatusCode, Reason: reason}
	}
	return parsed.Data.AuthorizedRedirectURI, nil
}
