package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tickrelay/internal/metrics"
	"tickrelay/internal/model"
	"tickrelay/internal/token"
	"tickrelay/pkg/upstox"
)

// Feed is the upstream side of a session. Satisfied by *upstox.FeedConn;
// tests substitute fakes.
type Feed interface {
	Run(ctx context.Context)
	Events() <-chan upstox.Event
	SubscribeKeys(keys []string)
}

// FeedFactory builds the upstream connection for a new session.
type FeedFactory func(cfg upstox.FeedConfig) Feed

// TickPublisher mirrors broadcast ticks onto a side channel such as Redis.
// Publish failures are the publisher's problem; broadcasts never wait on it.
type TickPublisher interface {
	PublishTicks(ctx context.Context, ticks []model.Tick)
}

type session struct {
	id     string
	subs   *upstox.SubscriptionSet
	feed   Feed
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// SupervisorConfig carries the dependencies for a Supervisor. Tokens,
// Authorizer and Dialer are required; the rest default sensibly.
type SupervisorConfig struct {
	Tokens     token.Source
	Authorizer upstox.Authorizer
	Dialer     upstox.Dialer
	Backoff    upstox.BackoffPolicy

	PingInterval time.Duration
	ReadTimeout  time.Duration

	Publisher TickPublisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// NewFeed overrides the feed constructor, for tests.
	NewFeed FeedFactory
}

// Supervisor owns the session table: one upstream feed per user session, no
// matter how many downstream clients that session has. The first client
// creates the feed, the last one tears it down.
type Supervisor struct {
	ctx      context.Context
	registry *Registry
	tokens   token.Source

	mu       sync.Mutex
	sessions map[string]*session

	authorizer upstox.Authorizer
	dialer     upstox.Dialer
	backoff    upstox.BackoffPolicy
	pingEvery  time.Duration
	readWait   time.Duration

	publisher TickPublisher
	metrics   *metrics.Metrics
	newFeed   FeedFactory
	log       *slog.Logger
}

func NewSupervisor(ctx context.Context, cfg SupervisorConfig) *Supervisor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		ctx:        ctx,
		registry:   NewRegistry(),
		tokens:     cfg.Tokens,
		sessions:   make(map[string]*session),
		authorizer: cfg.Authorizer,
		dialer:     cfg.Dialer,
		backoff:    cfg.Backoff,
		pingEvery:  cfg.PingInterval,
		readWait:   cfg.ReadTimeout,
		publisher:  cfg.Publisher,
		metrics:    cfg.Metrics,
		newFeed:    cfg.NewFeed,
		log:        log.With("component", "supervisor"),
	}
	if s.backoff.MaxAttempts == 0 {
		s.backoff = upstox.DefaultBackoff()
	}
	if s.newFeed == nil {
		s.newFeed = func(fc upstox.FeedConfig) Feed { return upstox.NewFeedConn(fc) }
	}
	s.registry.OnSessionEmpty = s.stopSession
	if s.metrics != nil {
		s.registry.OnSendFailure = func(string) { s.metrics.SendFailures.Inc() }
	}
	return s
}

// Registry exposes the fan-out table for the stats endpoint.
func (s *Supervisor) Registry() *Registry { return s.registry }

// SessionCount reports live upstream feeds.
func (s *Supervisor) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// subscribe attaches a receiver to its session's feed, creating the feed on
// first use, and forwards any keys the session was not already subscribed to.
func (s *Supervisor) subscribe(c Receiver, sessionID string, keys []string) error {
	s.mu.Lock()

	sess, ok := s.sessions[sessionID]
	for ok && sess.ctx.Err() != nil {
		// The feed was cancelled but its event pump has not cleared the
		// table yet. Attaching here would register the client against a
		// feed that will never run again; wait for the pump to finish and
		// start fresh.
		s.mu.Unlock()
		<-sess.done
		s.mu.Lock()
		sess, ok = s.sessions[sessionID]
	}
	created := false
	if !ok {
		sess = s.startSessionLocked(sessionID)
		created = true
	}

	fresh, err := sess.subs.Add(keys)
	if err != nil {
		if created {
			sess.cancel()
			delete(s.sessions, sessionID)
		}
		s.mu.Unlock()
		return err
	}
	s.registry.Register(sessionID, c)
	s.registry.AddInterest(c, keys)
	s.mu.Unlock()

	if created {
		// Launch only after the initial key set has been accepted; a
		// rejected first subscribe must not leave a feed running.
		if s.metrics != nil {
			s.metrics.SessionsActive.Inc()
		}
		go sess.feed.Run(sess.ctx)
		go s.eventPump(sess)
		s.log.Info("session feed started", "session", sessionID, "keys", len(keys))
		return nil
	}
	if len(fresh) > 0 {
		sess.feed.SubscribeKeys(fresh)
	}
	return nil
}

// startSessionLocked creates the session entry and its feed without
// launching it. Caller holds s.mu.
func (s *Supervisor) startSessionLocked(sessionID string) *session {
	ctx, cancel := context.WithCancel(s.ctx)
	sess := &session{
		id:     sessionID,
		subs:   upstox.NewSubscriptionSet(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sess.feed = s.newFeed(upstox.FeedConfig{
		SessionID: sessionID,
		AccessToken: func(ctx context.Context) (string, error) {
			tok, err := s.tokens.AccessToken(ctx, sessionID)
			if err != nil {
				// Only a verdict on the token itself is terminal. A
				// storage hiccup during lookup takes the retry path.
				if errors.Is(err, token.ErrExpired) || errors.Is(err, token.ErrNotLinked) || errors.Is(err, token.ErrNotFound) {
					return "", &upstox.AuthError{Reason: err.Error()}
				}
				return "", err
			}
			return tok, nil
		},
		Authorizer:   s.authorizer,
		Dialer:       s.dialer,
		Subs:         sess.subs,
		Backoff:      s.backoff,
		PingInterval: s.pingEvery,
		ReadTimeout:  s.readWait,
		Logger:       s.log,
	})
	s.sessions[sessionID] = sess
	return sess
}

func (s *Supervisor) unsubscribe(c Receiver, keys []string) {
	// Only this client's interest shrinks. The upstream subscription stays;
	// other clients of the session may still want those keys.
	s.registry.RemoveInterest(c, keys)
}

// disconnect is the read pump's exit path. Removing the last receiver of a
// session triggers stopSession via the registry callback.
func (s *Supervisor) disconnect(c Receiver) {
	s.registry.Unregister(c)
	if s.metrics != nil {
		s.metrics.ClientsConnected.Dec()
	}
}

// stopSession cancels the session's feed. The event pump removes the table
// entry when the feed's event channel closes. Cancelling under the lock is
// what lets subscribe spot a dying session before attaching to it.
func (s *Supervisor) stopSession(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		sess.cancel()
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Info("last client left, stopping session feed", "session", sessionID)
}

// markDying cancels the session under the table lock so a concurrent
// subscribe cannot attach between a terminal feed event and the pump exit.
func (s *Supervisor) markDying(sess *session) {
	s.mu.Lock()
	sess.cancel()
	s.mu.Unlock()
}

// Shutdown stops every session feed and waits for their pumps to drain.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
	}
	for _, sess := range sessions {
		<-sess.done
	}
}

// eventPump translates one feed's events into downstream broadcasts. It is
// the only consumer of the feed's event channel and exits when the feed does.
func (s *Supervisor) eventPump(sess *session) {
	defer func() {
		s.mu.Lock()
		sess.cancel()
		if cur, ok := s.sessions[sess.id]; ok && cur == sess {
			delete(s.sessions, sess.id)
		}
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.SessionsActive.Dec()
		}
		close(sess.done)
	}()

	for ev := range sess.feed.Events() {
		switch ev.Kind {
		case upstox.EventTicks:
			ticks := ticksFromFeeds(ev.Feeds)
			if s.metrics != nil {
				s.metrics.FramesTotal.Inc()
				s.metrics.TicksTotal.Add(float64(len(ticks)))
				s.metrics.BroadcastsTotal.Inc()
				s.metrics.ObserveTick()
			}
			s.registry.BroadcastTicks(sess.id, ticks)
			if s.publisher != nil {
				s.publisher.PublishTicks(s.ctx, ticks)
			}
		case upstox.EventMarketInfo:
			s.registry.BroadcastRaw(sess.id, marketInfoMessage(ev.Market))
		case upstox.EventStateChange:
			s.onStateChange(sess, ev)
		}
	}
}

func (s *Supervisor) onStateChange(sess *session, ev upstox.Event) {
	switch ev.State {
	case upstox.StateStreaming:
		if ev.Err != nil {
			if s.metrics != nil {
				s.metrics.DecodeErrors.Inc()
			}
		}
	case upstox.StateReconnecting:
		if s.metrics != nil {
			s.metrics.Reconnects.Inc()
		}
		s.log.Warn("session feed reconnecting", "session", sess.id, "error", ev.Err)
	case upstox.StateClosed:
		s.markDying(sess)
		s.log.Info("market closed, ending session", "session", sess.id)
		s.teardownClients(sess.id, marketClosedMessage())
	case upstox.StateFailed:
		s.failSession(sess, ev.Err)
	}
}

// failSession ends the session after an unrecoverable feed error. Auth
// failures also invalidate the stored broker token so the next client gets a
// clean token_expired instead of another doomed feed.
func (s *Supervisor) failSession(sess *session, cause error) {
	s.markDying(sess)
	reason := ReasonFeedFailed
	var authErr *upstox.AuthError
	if errors.As(cause, &authErr) {
		reason = ReasonTokenExpired
		if s.metrics != nil {
			s.metrics.AuthFailures.Inc()
		}
		if err := s.tokens.Invalidate(s.ctx, sess.id); err != nil {
			s.log.Error("token invalidation failed", "session", sess.id, "error", err)
		}
	}
	s.log.Error("session feed failed", "session", sess.id, "reason", reason, "error", cause)
	s.teardownClients(sess.id, errorMessage(reason))
}

// teardownClients notifies every receiver of the session and closes them.
// Closing triggers each client's disconnect path, which empties the registry.
func (s *Supervisor) teardownClients(sessionID string, msg []byte) {
	receivers := s.registry.Receivers(sessionID)
	for _, c := range receivers {
		c.Deliver(msg)
	}
	for _, c := range receivers {
		c.Close()
		s.registry.Unregister(c)
	}
}

func reasonFor(err error) string {
	var limitErr *upstox.LimitError
	if errors.As(err, &limitErr) {
		return ReasonSubscriptionLimit
	}
	return ReasonFeedFailed
}
