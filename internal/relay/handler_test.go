package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tickrelay/internal/token"
	"tickrelay/pkg/upstox"
)

type resolveTokens struct {
	fakeTokens
	resolve func(credential string) (token.Credentials, error)
}

func (s *resolveTokens) Resolve(ctx context.Context, credential string) (token.Credentials, error) {
	return s.resolve(credential)
}

type wsHarness struct {
	srv    *httptest.Server
	sup    *Supervisor
	tokens *resolveTokens

	mu    sync.Mutex
	feeds map[string]*fakeFeed
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &wsHarness{feeds: make(map[string]*fakeFeed)}
	h.tokens = &resolveTokens{resolve: func(credential string) (token.Credentials, error) {
		switch credential {
		case "valid":
			return token.Credentials{UserID: "u1", AccessToken: "at"}, nil
		case "stale":
			return token.Credentials{}, token.ErrExpired
		default:
			return token.Credentials{}, token.ErrNotFound
		}
	}}
	h.sup = NewSupervisor(ctx, SupervisorConfig{
		Tokens: h.tokens,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewFeed: func(cfg upstox.FeedConfig) Feed {
			f := newFakeFeed()
			h.mu.Lock()
			h.feeds[cfg.SessionID] = f
			h.mu.Unlock()
			return f
		},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/market", h.sup.HandleWS)
	mux.HandleFunc("/market/connections", h.sup.HandleStats)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		h.srv.Close()
		cancel()
	})
	return h
}

func (h *wsHarness) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/market" + query
}

func (h *wsHarness) feed(session string) *fakeFeed {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.feeds[session]
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return msg
}

func expectError(t *testing.T, conn *websocket.Conn, reason string) {
	t.Helper()
	msg := readJSON(t, conn)
	if msg["type"] != "error" || msg["reason"] != reason {
		t.Fatalf("msg = %v, want error %q", msg, reason)
	}
	// The server closes right after the error message.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection stayed open after terminal error")
	}
}

func subscribePayload(keys ...string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"data": map[string]interface{}{"instrumentKeys": keys},
	})
	return b
}

func TestHandleWSRejectsMissingToken(t *testing.T) {
	h := newWSHarness(t)
	conn := dialWS(t, h.wsURL(""))
	expectError(t, conn, ReasonMissingToken)
}

func TestHandleWSRejectsUnknownToken(t *testing.T) {
	h := newWSHarness(t)
	conn := dialWS(t, h.wsURL("?token=nope"))
	expectError(t, conn, ReasonInvalidToken)
}

func TestHandleWSRejectsExpiredToken(t *testing.T) {
	h := newWSHarness(t)
	conn := dialWS(t, h.wsURL("?token=stale"))
	expectError(t, conn, ReasonTokenExpired)
}

func TestHandleWSRejectsEmptyInstrumentList(t *testing.T) {
	h := newWSHarness(t)
	conn := dialWS(t, h.wsURL("?token=valid"))
	if err := conn.WriteMessage(websocket.TextMessage, subscribePayload()); err != nil {
		t.Fatal(err)
	}
	expectError(t, conn, ReasonNoInstruments)
}

func TestHandleWSStreamsTicks(t *testing.T) {
	h := newWSHarness(t)
	conn := dialWS(t, h.wsURL("?token=valid"))

	if err := conn.WriteMessage(websocket.TextMessage, subscribePayload("NSE_EQ|A")); err != nil {
		t.Fatal(err)
	}

	msg := readJSON(t, conn)
	if msg["status"] != "connected" {
		t.Fatalf("first message = %v, want connected ack", msg)
	}

	waitCond(t, "feed creation", func() bool { return h.feed("u1") != nil })
	h.feed("u1").events <- upstox.Event{
		Kind:  upstox.EventTicks,
		Feeds: map[string]upstox.TickData{"NSE_EQ|A": {LTP: 101.5}},
	}

	msg = readJSON(t, conn)
	if msg["type"] != "live_feed" {
		t.Fatalf("msg = %v, want live_feed", msg)
	}
	data := msg["data"].(map[string]interface{})
	tick := data["NSE_EQ|A"].(map[string]interface{})
	if tick["ltp"] != 101.5 {
		t.Errorf("ltp = %v", tick["ltp"])
	}
}

func TestHandleWSPingPong(t *testing.T) {
	h := newWSHarness(t)
	conn := dialWS(t, h.wsURL("?token=valid"))
	conn.WriteMessage(websocket.TextMessage, subscribePayload("NSE_EQ|A"))
	readJSON(t, conn) // connected

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "pong" {
		t.Errorf("got %q, want pong", raw)
	}
}

func TestHandleWSTerminalErrorReachesClient(t *testing.T) {
	h := newWSHarness(t)

	// Repeat the teardown to catch any reintroduced race between queuing
	// the terminal message and closing the socket.
	var prev *fakeFeed
	for round := 0; round < 10; round++ {
		conn := dialWS(t, h.wsURL("?token=valid"))
		if err := conn.WriteMessage(websocket.TextMessage, subscribePayload("NSE_EQ|A")); err != nil {
			t.Fatal(err)
		}
		if msg := readJSON(t, conn); msg["status"] != "connected" {
			t.Fatalf("round %d: first message = %v", round, msg)
		}

		waitCond(t, "feed creation", func() bool {
			f := h.feed("u1")
			return f != nil && f != prev
		})
		feed := h.feed("u1")
		prev = feed

		feed.events <- upstox.Event{
			Kind:  upstox.EventStateChange,
			State: upstox.StateFailed,
			Err:   &upstox.AuthError{Status: 401, Reason: "access token rejected"},
		}
		feed.finish()

		msg := readJSON(t, conn)
		if msg["type"] != "error" || msg["reason"] != ReasonTokenExpired {
			t.Fatalf("round %d: msg = %v, want token_expired before close", round, msg)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err == nil {
			t.Fatalf("round %d: connection stayed open after terminal error", round)
		}
		waitCond(t, "session teardown", func() bool { return h.sup.SessionCount() == 0 })
	}
}

func TestHandleWSDisconnectTearsDownSession(t *testing.T) {
	h := newWSHarness(t)
	conn := dialWS(t, h.wsURL("?token=valid"))
	conn.WriteMessage(websocket.TextMessage, subscribePayload("NSE_EQ|A"))
	readJSON(t, conn) // connected
	waitCond(t, "session start", func() bool { return h.sup.SessionCount() == 1 })

	conn.Close()
	waitCond(t, "session teardown", func() bool { return h.sup.SessionCount() == 0 })
}

func TestHandleStats(t *testing.T) {
	h := newWSHarness(t)
	conn := dialWS(t, h.wsURL("?token=valid"))
	conn.WriteMessage(websocket.TextMessage, subscribePayload("NSE_EQ|A", "NSE_EQ|B"))
	readJSON(t, conn) // connected

	resp, err := http.Get(h.srv.URL + "/market/connections")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var stats struct {
		Sessions    int `json:"sessions"`
		Clients     int `json:"clients"`
		Instruments int `json:"instruments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Sessions != 1 || stats.Clients != 1 || stats.Instruments != 2 {
		t.Errorf("stats = %+v", stats)
	}
}
