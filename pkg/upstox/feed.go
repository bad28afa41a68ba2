package upstox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection lifecycle state, owned exclusively by FeedConn.
type State int32

const (
	StateDisconnected State = iota
	StateAuthorizing
	StateConnecting
	StateStreaming
	StateReconnecting
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthorizing:
		return "authorizing"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind tags feed events.
type EventKind int

const (
	EventTicks EventKind = iota
	EventMarketInfo
	EventStateChange
)

// Event is one typed message from the upstream task to its consumer.
// The feed emits events on a channel instead of invoking callbacks so the
// decode loop is decoupled from broadcast timing.
type Event struct {
	Kind   EventKind
	Feeds  map[string]TickData // EventTicks
	Market *MarketInfo         // EventMarketInfo
	State  State               // EventStateChange
	Err    error               // terminal cause for StateFailed
}

// Conn is the subset of a websocket connection the feed needs. It exists
// so the state machine can be driven by fakes in tests.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens the upstream websocket.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials with gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	conn, resp, err := wd.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// errMarketClosed signals a clean end-of-day disconnect from inside the
// streaming loop.
var errMarketClosed = errors.New("market closed")

// FeedConfig configures one upstream feed connection.
type FeedConfig struct {
	SessionID   string
	AccessToken func(ctx context.Context) (string, error)
	Authorizer  Authorizer
	Dialer      Dialer
	Subs        *SubscriptionSet
	Backoff     BackoffPolicy

	PingInterval time.Duration // default 10s
	ReadTimeout  time.Duration // default 30s
	EventBuffer  int           // default 256

	Logger *slog.Logger
}

// FeedConn owns the lifecycle of one upstream socket for one session:
// authorize, connect, subscribe, stream, detect market close, reconnect
// with bounded backoff, or fail.
type FeedConn struct {
	cfg    FeedConfig
	state  atomic.Int32
	events chan Event
	addCh  chan []string
	log    *slog.Logger
}

// NewFeedConn creates a feed connection. Run must be called to start it.
func NewFeedConn(cfg FeedConfig) *FeedConn {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FeedConn{
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
		addCh:  make(chan []string, 16),
		log:    cfg.Logger.With(slog.String("session", cfg.SessionID)),
	}
}

// Events returns the event stream. It is closed when Run returns.
func (f *FeedConn) Events() <-chan Event { return f.events }

// State returns the current lifecycle state.
func (f *FeedConn) State() State { return State(f.state.Load()) }

// SubscribeKeys queues instrument keys for an incremental subscribe
// message. Keys queued while not streaming are dropped here: the full
// resend on the next entry to Streaming covers them.
func (f *FeedConn) SubscribeKeys(keys []string) {
	if len(keys) == 0 {
		return
	}
	select {
	case f.addCh <- keys:
	default:
		f.log.Warn("incremental subscribe queue full, relying on next full resend")
	}
}

// Run drives the connection state machine until a terminal state or ctx
// cancellation. The socket is closed on every exit path, including during
// backoff sleeps. The events channel is closed on return.
func (f *FeedConn) Run(ctx context.Context) {
	defer close(f.events)

	attempt := 0
	for {
		if ctx.Err() != nil {
			f.setState(ctx, StateDisconnected, nil)
			return
		}

		f.setState(ctx, StateAuthorizing, nil)
		token, err := f.cfg.AccessToken(ctx)
		if err != nil {
			var ae *AuthError
			if errors.As(err, &ae) {
				// Expired or unlinked: no amount of retrying fixes it.
				f.setState(ctx, StateFailed, err)
				return
			}
			// A lookup failure is no verdict on the token itself.
			if !f.retry(ctx, &attempt, err) {
				return
			}
			continue
		}

		url, err := f.cfg.Authorizer.Authorize(ctx, token)
		if err != nil {
			var ae *AuthError
			if errors.As(err, &ae) {
				// Invalid token: propagate upward, never blind-retry.
				f.setState(ctx, StateFailed, err)
				return
			}
			if !f.retry(ctx, &attempt, err) {
				return
			}
			continue
		}

		f.setState(ctx, StateConnecting, nil)
		conn, err := f.cfg.Dialer.Dial(ctx, url)
		if err != nil {
			if !f.retry(ctx, &attempt, err) {
				return
			}
			continue
		}

		err = f.stream(ctx, conn, &attempt)
		conn.Close()

		switch {
		case errors.Is(err, errMarketClosed):
			f.setState(ctx, StateClosed, nil)
			return
		case ctx.Err() != nil:
			f.setState(ctx, StateDisconnected, nil)
			return
		default:
			if !f.retry(ctx, &attempt, err) {
				return
			}
		}
	}
}

// retry moves to Reconnecting and sleeps per the backoff policy. It
// returns false once the retry budget is exhausted, after emitting the
// terminal Failed state.
func (f *FeedConn) retry(ctx context.Context, attempt *int, cause error) bool {
	*attempt++
	if f.cfg.Backoff.Exhausted(*attempt) {
		f.log.Error("retries exhausted", slog.Int("attempts", *attempt-1), slog.Any("error", cause))
		f.setState(ctx, StateFailed, fmt.Errorf("retries exhausted: %w", cause))
		return false
	}

	f.setState(ctx, StateReconnecting, nil)
	delay := f.cfg.Backoff.Delay(*attempt)
	f.log.Warn("upstream connection lost, backing off",
		slog.Int("attempt", *attempt), slog.Duration("delay", delay), slog.Any("error", cause))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		f.setState(ctx, StateDisconnected, nil)
		return false
	case <-timer.C:
		return true
	}
}

type readResult struct {
	data []byte
	err  error
}

// stream runs one connected episode: initial full subscribe, then the
// receive/keepalive loop. Returns errMarketClosed on a clean end-of-day
// stop, ctx.Err() on cancellation, or a transport error.
func (f *FeedConn) stream(ctx context.Context, conn Conn, attempt *int) error {
	// Drop anything queued while disconnected; the full resend covers it.
	f.drainAdds()

	// The upstream socket has no memory across reconnects: resend the full
	// current set, never just a diff.
	if err := f.sendAll(conn); err != nil {
		return fmt.Errorf("initial subscribe: %w", err)
	}
	f.setState(ctx, StateStreaming, nil)

	conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)

	readCh := make(chan readResult)
	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case readCh <- readResult{err: err}:
				case <-done:
				}
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			select {
			case readCh <- readResult{data: data}:
			case <-done:
				return
			}
		}
	}()

	pinger := time.NewTicker(f.cfg.PingInterval)
	defer pinger.Stop()

	tickSeen := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case keys := <-f.addCh:
			if err := f.sendIncremental(conn, keys); err != nil {
				return fmt.Errorf("incremental subscribe: %w", err)
			}

		case <-pinger.C:
			if err := conn.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return fmt.Errorf("ping: %w", err)
			}

		case r := <-readCh:
			if r.err != nil {
				return fmt.Errorf("read: %w", r.err)
			}
			conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
			*attempt = 0

			frame, err := DecodeFrame(r.data)
			if err != nil {
				// Malformed frames are skipped; the connection stays up.
				f.log.Warn("frame decode failed", slog.Any("error", err))
				f.emit(ctx, Event{Kind: EventStateChange, State: StateStreaming, Err: err})
				continue
			}

			switch frame.Kind {
			case FrameLiveFeed:
				tickSeen = true
				f.emit(ctx, Event{Kind: EventTicks, Feeds: frame.Feeds})
			case FrameMarketInfo:
				f.emit(ctx, Event{Kind: EventMarketInfo, Market: frame.Market})
				// Ignore a closing status seen before any tick flowed,
				// e.g. on a late-day reconnect before data resumes.
				if tickSeen && frame.Market.Closed() {
					f.log.Info("market closed, stopping feed")
					return errMarketClosed
				}
			}
		}
	}
}

// Closed reports whether every segment in the frame is in a closing state.
func (m *MarketInfo) Closed() bool {
	if m == nil || len(m.SegmentStatus) == 0 {
		return false
	}
	for _, status := range m.SegmentStatus {
		if !IsClosingStatus(status) {
			return false
		}
	}
	return true
}

func (f *FeedConn) sendAll(conn Conn) error {
	for _, chunk := range f.cfg.Subs.Chunks() {
		payload, err := EncodeSubscription(f.guid(), MethodSub, ModeFull, chunk)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			return err
		}
	}
	return nil
}

func (f *FeedConn) sendIncremental(conn Conn, keys []string) error {
	for start := 0; start < len(keys); start += MaxKeysPerMessage {
		end := start + MaxKeysPerMessage
		if end > len(keys) {
			end = len(keys)
		}
		payload, err := EncodeSubscription(f.guid(), MethodSub, ModeFull, keys[start:end])
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			return err
		}
	}
	return nil
}

func (f *FeedConn) guid() string { return "relay-" + f.cfg.SessionID }

func (f *FeedConn) drainAdds() {
	for {
		select {
		case <-f.addCh:
		default:
			return
		}
	}
}

func (f *FeedConn) setState(ctx context.Context, s State, err error) {
	prev := State(f.state.Swap(int32(s)))
	if prev == s && err == nil {
		return
	}
	f.emit(ctx, Event{Kind: EventStateChange, State: s, Err: err})
}

func (f *FeedConn) emit(ctx context.Context, ev Event) {
	select {
	case f.events <- ev:
	case <-ctx.Done():
	}
}
