package token

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RefreshFunc exchanges a refresh token for a new access token. Implementations
// call the broker's token endpoint; a nil RefreshFunc disables refresh and
// stale tokens surface as ErrExpired.
type RefreshFunc func(ctx context.Context, userID, refreshToken string) (Credentials, error)

// Store is a SQLite-backed Source. Sessions map downstream credentials to
// users; broker_tokens holds each user's current access token.
type Store struct {
	db      *sql.DB
	refresh RefreshFunc
	log     *slog.Logger

	// serializes refresh per process so concurrent feeds for the same user
	// do not race the broker's one-time refresh tokens
	refreshMu sync.Mutex

	now func() time.Time
}

// Open opens (and if needed creates) the token database.
func Open(path string, refresh RefreshFunc, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	log.Info("token store opened", "path", path)
	return &Store{db: db, refresh: refresh, log: log, now: time.Now}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			credential TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);

		CREATE TABLE IF NOT EXISTS broker_tokens (
			user_id       TEXT PRIMARY KEY,
			access_token  TEXT NOT NULL,
			refresh_token TEXT,
			expires_at    INTEGER NOT NULL
		);
	`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// SaveSession records a session credential for a user.
func (s *Store) SaveSession(ctx context.Context, credential, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (credential, user_id) VALUES (?, ?)`,
		credential, userID)
	return err
}

// SaveToken stores or replaces a user's broker token.
func (s *Store) SaveToken(ctx context.Context, c Credentials) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO broker_tokens (user_id, access_token, refresh_token, expires_at)
		 VALUES (?, ?, ?, ?)`,
		c.UserID, c.AccessToken, c.RefreshToken, c.ExpiresAt.Unix())
	return err
}

func (s *Store) Resolve(ctx context.Context, credential string) (Credentials, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM sessions WHERE credential = ?`, credential).Scan(&userID)
	if err == sql.ErrNoRows {
		return Credentials{}, ErrNotFound
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("session lookup: %w", err)
	}
	return s.credentials(ctx, userID)
}

func (s *Store) AccessToken(ctx context.Context, userID string) (string, error) {
	c, err := s.credentials(ctx, userID)
	if err != nil {
		return "", err
	}
	return c.AccessToken, nil
}

func (s *Store) Invalidate(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broker_tokens SET expires_at = 0 WHERE user_id = ?`, userID)
	return err
}

// credentials loads the user's token, refreshing a stale one when possible.
func (s *Store) credentials(ctx context.Context, userID string) (Credentials, error) {
	c, err := s.load(ctx, userID)
	if err != nil {
		return Credentials{}, err
	}
	if c.ExpiresAt.After(s.now()) {
		return c, nil
	}
	if s.refresh == nil || c.RefreshToken == "" {
		return Credentials{}, ErrExpired
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	c, err = s.load(ctx, userID)
	if err != nil {
		return Credentials{}, err
	}
	if c.ExpiresAt.After(s.now()) {
		return c, nil
	}

	fresh, err := s.refresh(ctx, userID, c.RefreshToken)
	if err != nil {
		s.log.Warn("token refresh failed", "user", userID, "error", err)
		return Credentials{}, ErrExpired
	}
	fresh.UserID = userID
	if err := s.SaveToken(ctx, fresh); err != nil {
		return Credentials{}, fmt.Errorf("save refreshed token: %w", err)
	}
	s.log.Info("broker token refreshed", "user", userID, "expires_at", fresh.ExpiresAt)
	return fresh, nil
}

func (s *Store) load(ctx context.Context, userID string) (Credentials, error) {
	var (
		c         Credentials
		refresh   sql.NullString
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at FROM broker_tokens WHERE user_id = ?`,
		userID).Scan(&c.AccessToken, &refresh, &expiresAt)
	if err == sql.ErrNoRows {
		return Credentials{}, ErrNotLinked
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("token lookup: %w", err)
	}
	c.UserID = userID
	c.RefreshToken = refresh.String
	c.ExpiresAt = time.Unix(expiresAt, 0)
	return c, nil
}
