// Package observable implements the external-store primitive every domain
// store embeds.
//
// A Store holds one immutable state value. Commands replace the whole value
// with Set and every subscriber is notified synchronously, once per Set, in
// subscription order. Readers take the current value with Snapshot and can
// build memoized projections with Select.
//
// # Notification Rounds
//
// Set applies the new state immediately and then delivers one notification
// round. Rounds never overlap: a Set issued while a round is in progress
// (from a listener, or from another goroutine) is applied at once but its
// round is queued and delivered by the goroutine already draining, right
// after the current round. This keeps two guarantees:
//
//   - a listener is never invoked twice for one notification
//   - rounds arrive in the order their mutations were applied
//
// Each round iterates a copy of the listener list taken when the round
// starts. Listeners added during a round first hear about the next one.
// A listener removed during a round is skipped from that point on.
package observable

import (
	"sync"
	"sync/atomic"
)

// Store is a generic observable state container.
//
// The zero value is not usable; construct with New.
type Store[S any] struct {
	mu        sync.Mutex
	state     S
	version   uint64
	listeners []*listener
	nextID    uint64

	pending   int
	notifying bool
}

type listener struct {
	id     uint64
	fn     func()
	active atomic.Bool
}

// New creates a Store holding initial.
func New[S any](initial S) *Store[S] {
	return &Store[S]{state: initial}
}

// Snapshot returns the current state. The value does not change until the
// next Set.
func (s *Store[S]) Snapshot() S {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Version returns a counter that increments on every Set. Selectors use it
// to detect that the underlying state was replaced.
func (s *Store[S]) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Subscribe registers fn to be called after every committed Set.
//
// The returned function detaches fn. Calling it more than once is a no-op.
func (s *Store[S]) Subscribe(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	l := &listener{id: s.nextID, fn: fn}
	l.active.Store(true)
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	return func() {
		if !l.active.CompareAndSwap(true, false) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, other := range s.listeners {
			if other.id == l.id {
				// Copy-on-write so an in-flight round keeps its own slice.
				next := make([]*listener, 0, len(s.listeners)-1)
				next = append(next, s.listeners[:i]...)
				next = append(next, s.listeners[i+1:]...)
				s.listeners = next
				return
			}
		}
	}
}

// ListenerCount returns the number of active subscriptions.
func (s *Store[S]) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Set replaces the state with update(current) and notifies subscribers.
//
// update must return a new value rather than mutate shared data reachable
// from the previous one (slices and maps referenced by the old state stay
// visible to readers holding the old snapshot).
func (s *Store[S]) Set(update func(S) S) {
	s.mu.Lock()
	s.state = update(s.state)
	s.version++
	s.pending++
	if s.notifying {
		s.mu.Unlock()
		return
	}
	s.notifying = true
	s.drain()
}

// Replace sets the state to next and notifies subscribers.
func (s *Store[S]) Replace(next S) {
	s.Set(func(S) S { return next })
}

// Update is Set for conditional mutations: when fn reports false the state
// is left as is and nobody is notified. Returns whether the state changed.
func (s *Store[S]) Update(fn func(S) (S, bool)) bool {
	s.mu.Lock()
	next, changed := fn(s.state)
	if !changed {
		s.mu.Unlock()
		return false
	}
	s.state = next
	s.version++
	s.pending++
	if s.notifying {
		s.mu.Unlock()
		return true
	}
	s.notifying = true
	s.drain()
	return true
}

// drain delivers queued notification rounds. Called with s.mu held; returns
// with it released.
func (s *Store[S]) drain() {
	defer func() {
		// A panicking listener must not leave the store stuck in the
		// notifying state.
		if r := recover(); r != nil {
			s.mu.Lock()
			s.notifying = false
			s.pending = 0
			s.mu.Unlock()
			panic(r)
		}
	}()

	for s.pending > 0 {
		s.pending--
		round := s.listeners
		s.mu.Unlock()

		for _, l := range round {
			if l.active.Load() {
				l.fn()
			}
		}

		s.mu.Lock()
	}
	s.notifying = false
	s.mu.Unlock()
}
