package relay

import (
	"sync"

	"tickrelay/internal/model"
)

// Receiver is a downstream consumer attached to a session. Deliver must not
// block; a Receiver that returns an error is evicted from the registry.
type Receiver interface {
	Deliver(msg []byte) error
	Close() error
}

type interestSet map[string]struct{}

// Registry maps user sessions to their downstream receivers and tracks which
// instrument keys each receiver cares about. Broadcasts are filtered per
// receiver so a client only sees ticks for keys it asked for.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]map[Receiver]interestSet
	bySession map[Receiver]string

	// OnSessionEmpty fires after the last receiver of a session is removed.
	// Set before the first Register call.
	OnSessionEmpty func(session string)

	// OnSendFailure fires once per failed delivery, before the receiver is
	// evicted. Optional.
	OnSendFailure func(session string)
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:  make(map[string]map[Receiver]interestSet),
		bySession: make(map[Receiver]string),
	}
}

// Register attaches a receiver to a session with an empty interest set.
// Re-registering is a no-op; grow the set with AddInterest.
func (r *Registry) Register(session string, c Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients, ok := r.sessions[session]
	if !ok {
		clients = make(map[Receiver]interestSet)
		r.sessions[session] = clients
	}
	if _, ok := clients[c]; !ok {
		clients[c] = make(interestSet)
		r.bySession[c] = session
	}
}

// AddInterest grows the receiver's interest set. Unknown receivers are ignored.
func (r *Registry) AddInterest(c Receiver, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.bySession[c]
	if !ok {
		return
	}
	set := r.sessions[session][c]
	for _, k := range keys {
		set[k] = struct{}{}
	}
}

// RemoveInterest shrinks the receiver's interest set. The receiver stays
// registered even with zero keys.
func (r *Registry) RemoveInterest(c Receiver, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.bySession[c]
	if !ok {
		return
	}
	set := r.sessions[session][c]
	for _, k := range keys {
		delete(set, k)
	}
}

// Unregister detaches a receiver. When the session is left with no receivers
// the session entry is dropped and OnSessionEmpty fires.
func (r *Registry) Unregister(c Receiver) {
	r.mu.Lock()
	session, ok := r.bySession[c]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bySession, c)
	delete(r.sessions[session], c)
	empty := len(r.sessions[session]) == 0
	if empty {
		delete(r.sessions, session)
	}
	cb := r.OnSessionEmpty
	r.mu.Unlock()

	if empty && cb != nil {
		cb(session)
	}
}

// Receivers returns a snapshot of the session's receivers.
func (r *Registry) Receivers(session string) []Receiver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Receiver, 0, len(r.sessions[session]))
	for c := range r.sessions[session] {
		out = append(out, c)
	}
	return out
}

// Counts reports connected receivers and distinct interest keys across all
// sessions, for the stats endpoint.
func (r *Registry) Counts() (clients int, instruments int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, cs := range r.sessions {
		clients += len(cs)
		for _, set := range cs {
			for k := range set {
				seen[k] = struct{}{}
			}
		}
	}
	return clients, len(seen)
}

// BroadcastTicks delivers each receiver the subset of ticks it is interested
// in. Receivers whose Deliver fails are evicted afterwards; one bad socket
// never stalls the rest of the session.
func (r *Registry) BroadcastTicks(session string, ticks []model.Tick) {
	r.mu.RLock()
	type target struct {
		c   Receiver
		set interestSet
	}
	targets := make([]target, 0, len(r.sessions[session]))
	for c, set := range r.sessions[session] {
		targets = append(targets, target{c, set})
	}
	r.mu.RUnlock()

	var failed []Receiver
	for _, t := range targets {
		var matched []model.Tick
		for _, tick := range ticks {
			if _, ok := t.set[tick.InstrumentKey]; ok {
				matched = append(matched, tick)
			}
		}
		if len(matched) == 0 {
			continue
		}
		if err := t.c.Deliver(liveFeedMessage(matched)); err != nil {
			failed = append(failed, t.c)
		}
	}
	r.evict(session, failed)
}

// BroadcastRaw sends an already-encoded message to every receiver of the
// session, with the same failure eviction as BroadcastTicks.
func (r *Registry) BroadcastRaw(session string, msg []byte) {
	var failed []Receiver
	for _, c := range r.Receivers(session) {
		if err := c.Deliver(msg); err != nil {
			failed = append(failed, c)
		}
	}
	r.evict(session, failed)
}

func (r *Registry) evict(session string, failed []Receiver) {
	for _, c := range failed {
		if r.OnSendFailure != nil {
			r.OnSendFailure(session)
		}
		r.Unregister(c)
	}
}
