package upstox

import "sync"

// SubscriptionSet tracks the ordered set of instrument keys one session is
// subscribed to. Mutation is routed through the relay supervisor (single
// writer); the feed connection reads chunks when (re)building subscribe
// payloads, so access is guarded internally.
type SubscriptionSet struct {
	mu      sync.RWMutex
	keys    []string
	present map[string]struct{}
}

// NewSubscriptionSet returns an empty subscription set.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{present: make(map[string]struct{})}
}

// Add merges keys into the set and returns only the keys that were not
// already present. Re-adding known keys is a no-op with an empty result.
// If the merge would push the set past MaxSubscriptions, nothing is added
// and a *LimitError is returned.
func (s *SubscriptionSet) Add(keys []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []string
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := s.present[k]; ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		fresh = append(fresh, k)
	}

	if len(s.keys)+len(fresh) > MaxSubscriptions {
		return nil, &LimitError{Requested: len(s.keys) + len(fresh), Limit: MaxSubscriptions}
	}

	for _, k := range fresh {
		s.present[k] = struct{}{}
		s.keys = append(s.keys, k)
	}
	return fresh, nil
}

// Remove drops keys from the set. Unknown keys are ignored.
func (s *SubscriptionSet) Remove(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := s.present[k]; ok {
			drop[k] = struct{}{}
			delete(s.present, k)
		}
	}
	if len(drop) == 0 {
		return
	}
	kept := s.keys[:0]
	for _, k := range s.keys {
		if _, gone := drop[k]; !gone {
			kept = append(kept, k)
		}
	}
	s.keys = kept
}

// Contains reports whether a key is subscribed.
func (s *SubscriptionSet) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.present[key]
	return ok
}

// Len returns the current number of subscribed keys.
func (s *SubscriptionSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Keys returns a copy of the subscribed keys in insertion order.
func (s *SubscriptionSet) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Chunks splits the current set into protocol-sized batches of at most
// MaxKeysPerMessage keys each. The invariant Len() <= MaxSubscriptions
// guarantees at most MaxChunks batches; their union is the full set.
func (s *SubscriptionSet) Chunks() [][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.keys) == 0 {
		return nil
	}
	var chunks [][]string
	for i := 0; i < len(s.keys); i += MaxKeysPerMessage {
		end := i + MaxKeysPerMessage
		if end > len(s.keys) {
			end = len(s.keys)
		}
		chunk := make([]string, end-i)
		copy(chunk, s.keys[i:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}
