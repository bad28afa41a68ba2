package token

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the session credential does not map to any user.
	ErrNotFound = errors.New("token: session not found")
	// ErrNotLinked means the user exists but has no broker token stored.
	ErrNotLinked = errors.New("token: broker account not linked")
	// ErrExpired means the stored access token is past its expiry and could
	// not be refreshed.
	ErrExpired = errors.New("token: access token expired")
)

// Credentials is a user's broker access, resolved from a session credential.
type Credentials struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Source resolves downstream session credentials into broker credentials and
// hands out access tokens for upstream feed authorization.
type Source interface {
	// Resolve maps a session credential to the owning user's broker
	// credentials. Returns ErrNotFound, ErrNotLinked or ErrExpired.
	Resolve(ctx context.Context, credential string) (Credentials, error)

	// AccessToken returns a currently valid access token for the user,
	// refreshing a stale one when a refresh path is configured.
	AccessToken(ctx context.Context, userID string) (string, error)

	// Invalidate marks the user's stored token as expired so later lookups
	// fail fast instead of reusing a token the broker already rejected.
	Invalidate(ctx context.Context, userID string) error
}
