package stream

import (
	"context"
	"sync"
)

// Subscriber is a live handle that receives task events. Implementations
// must be safe for concurrent use; Deliver should honour ctx.
type Subscriber interface {
	ID() string
	Deliver(ctx context.Context, msg Message) error
	Reachable() bool
}

// FinishDetacher is implemented by subscribers that follow a task only until
// it finishes, such as sinks attached to every task on creation. They are
// removed after the terminal status event so the task can be evicted.
type FinishDetacher interface {
	DetachOnFinish() bool
}

func detachesOnFinish(sub Subscriber) bool {
	d, ok := sub.(FinishDetacher)
	return ok && d.DetachOnFinish()
}

// SubscriberSet is a concurrency-safe set of subscribers keyed by ID.
type SubscriberSet struct {
	mu   sync.RWMutex
	subs map[string]Subscriber
}

func newSubscriberSet() *SubscriberSet {
	return &SubscriberSet{subs: make(map[string]Subscriber)}
}

// Add inserts sub, replacing any subscriber with the same ID.
func (s *SubscriberSet) Add(sub Subscriber) {
	s.mu.Lock()
	s.subs[sub.ID()] = sub
	s.mu.Unlock()
}

// Remove deletes the subscriber with the given ID and reports whether it was present.
func (s *SubscriberSet) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return false
	}
	delete(s.subs, id)
	return true
}

// RemoveFunc deletes every subscriber for which fn returns true and
// returns how many were removed.
func (s *SubscriberSet) RemoveFunc(fn func(Subscriber) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sub := range s.subs {
		if fn(sub) {
			delete(s.subs, id)
			n++
		}
	}
	return n
}

// Has reports whether a subscriber with the given ID is present.
func (s *SubscriberSet) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[id]
	return ok
}

// Len returns the number of subscribers.
func (s *SubscriberSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Snapshot returns the current members.
func (s *SubscriberSet) Snapshot() []Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}
