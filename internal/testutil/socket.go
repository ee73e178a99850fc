package testutil

import (
	"sync"

	"github.com/roach88/flowsync/internal/transport"
)

// FakeSocket is an in-memory transport.Socket handing out FakeChannels.
type FakeSocket struct {
	mu        sync.Mutex
	connected bool
	channels  map[string]*FakeChannel
	opens     map[int]func()
	closes    map[int]func()
	hookID    int

	// Configure runs on every channel the socket creates, before it is
	// returned.
	Configure func(ch *FakeChannel)
}

// NewFakeSocket creates a connected socket.
func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		connected: true,
		channels:  make(map[string]*FakeChannel),
		opens:     make(map[int]func()),
		closes:    make(map[int]func()),
	}
}

// Channel implements transport.Socket. Asking again for a topic replaces
// the previous channel.
func (s *FakeSocket) Channel(topic string, params map[string]any) transport.RoomChannel {
	ch := NewFakeChannel(topic)
	ch.Params = params
	if s.Configure != nil {
		s.Configure(ch)
	}
	s.mu.Lock()
	s.channels[topic] = ch
	s.mu.Unlock()
	return ch
}

// Last returns the most recent channel created for topic.
func (s *FakeSocket) Last(topic string) *FakeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[topic]
}

// Valid reports whether s is a non-nil socket.
func (s *FakeSocket) Valid() bool { return s != nil }

// IsConnected implements transport.Socket.
func (s *FakeSocket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetConnected fires the open or close hooks on transitions.
func (s *FakeSocket) SetConnected(connected bool) {
	s.mu.Lock()
	if s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	src := s.closes
	if connected {
		src = s.opens
	}
	hooks := make([]func(), 0, len(src))
	for id := 1; id <= s.hookID; id++ {
		if fn, ok := src[id]; ok {
			hooks = append(hooks, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// OnOpen implements transport.Socket.
func (s *FakeSocket) OnOpen(fn func()) func() { return s.add(s.opens, fn) }

// OnClose implements transport.Socket.
func (s *FakeSocket) OnClose(fn func()) func() { return s.add(s.closes, fn) }

func (s *FakeSocket) add(hooks map[int]func(), fn func()) func() {
	s.mu.Lock()
	s.hookID++
	id := s.hookID
	hooks[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(hooks, id)
		s.mu.Unlock()
	}
}
