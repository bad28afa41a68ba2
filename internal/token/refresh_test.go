package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRefresherExchangesToken(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	refresh := NewRefresher(RefresherConfig{
		URL:        srv.URL,
		APIKey:     "key",
		APISecret:  "secret",
		TOTPSecret: "JBSWY3DPEHPK3PXP",
	})

	c, err := refresh(context.Background(), "u1", "rt-old")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if c.AccessToken != "at-new" || c.RefreshToken != "rt-new" || c.UserID != "u1" {
		t.Errorf("credentials = %+v", c)
	}
	if c.ExpiresAt.Before(time.Now().Add(30 * time.Minute)) {
		t.Errorf("expires too soon: %v", c.ExpiresAt)
	}

	if got["grant_type"] != "refresh_token" || got["refresh_token"] != "rt-old" {
		t.Errorf("request body = %v", got)
	}
	if len(got["totp"]) != 6 {
		t.Errorf("totp = %q, want a 6-digit code", got["totp"])
	}
}

func TestRefresherRejectsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	refresh := NewRefresher(RefresherConfig{URL: srv.URL})
	if _, err := refresh(context.Background(), "u1", "rt"); err == nil {
		t.Fatal("expected error on HTTP 400")
	}
}

func TestRefresherKeepsOldRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No rotation: response omits refresh_token and expiry.
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "at-new"})
	}))
	defer srv.Close()

	refresh := NewRefresher(RefresherConfig{URL: srv.URL})
	c, err := refresh(context.Background(), "u1", "rt-old")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if c.RefreshToken != "rt-old" {
		t.Errorf("refresh token = %q, want carried over", c.RefreshToken)
	}
	if c.ExpiresAt.Before(time.Now().Add(time.Hour)) {
		t.Errorf("default expiry too short: %v", c.ExpiresAt)
	}
}
