// Package testutil provides in-memory fakes for the transport and provider
// contracts.
package testutil

import (
	"encoding/json"
	"sync"

	"github.com/roach88/flowsync/internal/transport"
)

// ReplyFunc answers a push synchronously. Returning nil leaves the push
// pending for the test to resolve.
type ReplyFunc func(payload json.RawMessage) *transport.Reply

// PushRecord is one push seen by a FakeChannel.
type PushRecord struct {
	Event   string
	Payload json.RawMessage
	Push    *transport.PendingPush
}

// FakeChannel is an in-memory transport.RoomChannel.
//
// Thread-safety: FakeChannel is safe for concurrent use. Handlers run on the
// goroutine that calls Emit or SetJoined.
type FakeChannel struct {
	topic  string
	Params map[string]any

	mu        sync.Mutex
	pushes    []PushRecord
	replies   map[string]ReplyFunc
	handlers  map[transport.Ref]fakeBinding
	nextRef   transport.Ref
	joined    bool
	left      bool
	joinCalls int
	watchers  map[int]func(bool)
	watcherID int

	// AutoJoin makes Join succeed immediately.
	AutoJoin bool
}

type fakeBinding struct {
	event   string
	handler func(json.RawMessage)
}

// NewFakeChannel creates a channel for topic with AutoJoin enabled.
func NewFakeChannel(topic string) *FakeChannel {
	return &FakeChannel{
		topic:    topic,
		replies:  make(map[string]ReplyFunc),
		handlers: make(map[transport.Ref]fakeBinding),
		watchers: make(map[int]func(bool)),
		AutoJoin: true,
	}
}

// Reply registers an automatic answer for event.
func (c *FakeChannel) Reply(event string, fn ReplyFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[event] = fn
}

// ReplyOK answers event with ok and payload (marshaled to JSON).
func (c *FakeChannel) ReplyOK(event string, payload any) {
	data, _ := json.Marshal(payload)
	c.Reply(event, func(json.RawMessage) *transport.Reply {
		return &transport.Reply{Status: transport.StatusOK, Payload: data}
	})
}

// ReplyError answers event with an error carrying reason.
func (c *FakeChannel) ReplyError(event, reason string) {
	data, _ := json.Marshal(map[string]string{"reason": reason})
	c.Reply(event, func(json.RawMessage) *transport.Reply {
		return &transport.Reply{Status: transport.StatusError, Payload: data}
	})
}

// ReplyTimeout answers event with a timeout.
func (c *FakeChannel) ReplyTimeout(event string) {
	c.Reply(event, func(json.RawMessage) *transport.Reply {
		return &transport.Reply{Status: transport.StatusTimeout}
	})
}

// Topic implements transport.RoomChannel.
func (c *FakeChannel) Topic() string { return c.topic }

// Push implements transport.Channel.
func (c *FakeChannel) Push(event string, payload any) transport.Push {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
	}
	p := transport.NewPendingPush()

	c.mu.Lock()
	c.pushes = append(c.pushes, PushRecord{Event: event, Payload: data, Push: p})
	reply := c.replies[event]
	c.mu.Unlock()

	if reply != nil {
		if r := reply(data); r != nil {
			p.Resolve(r.Status, r.Payload)
		}
	}
	return p
}

// On implements transport.Channel.
func (c *FakeChannel) On(event string, handler func(json.RawMessage)) transport.Ref {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRef++
	c.handlers[c.nextRef] = fakeBinding{event: event, handler: handler}
	return c.nextRef
}

// Off implements transport.Channel.
func (c *FakeChannel) Off(event string, ref transport.Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.handlers[ref]; ok && b.event == event {
		delete(c.handlers, ref)
	}
}

// Join implements transport.RoomChannel.
func (c *FakeChannel) Join() transport.Push {
	c.mu.Lock()
	c.joinCalls++
	auto := c.AutoJoin
	c.mu.Unlock()

	p := transport.NewPendingPush()
	if auto {
		c.SetJoined(true)
		p.Resolve(transport.StatusOK, json.RawMessage(`{}`))
	}
	return p
}

// Leave implements transport.RoomChannel.
func (c *FakeChannel) Leave() transport.Push {
	c.mu.Lock()
	c.left = true
	c.mu.Unlock()
	c.SetJoined(false)

	p := transport.NewPendingPush()
	p.Resolve(transport.StatusOK, json.RawMessage(`{}`))
	return p
}

// IsJoined implements transport.RoomChannel.
func (c *FakeChannel) IsJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// OnStateChange implements transport.RoomChannel.
func (c *FakeChannel) OnStateChange(fn func(bool)) func() {
	c.mu.Lock()
	c.watcherID++
	id := c.watcherID
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// SetJoined simulates a join or a connection drop. Watchers only hear
// transitions.
func (c *FakeChannel) SetJoined(joined bool) {
	c.mu.Lock()
	if c.joined == joined {
		c.mu.Unlock()
		return
	}
	c.joined = joined
	watchers := make([]func(bool), 0, len(c.watchers))
	for id := 1; id <= c.watcherID; id++ {
		if fn, ok := c.watchers[id]; ok {
			watchers = append(watchers, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range watchers {
		fn(joined)
	}
}

// Emit delivers a server-sent event to every handler bound to event.
func (c *FakeChannel) Emit(event string, payload any) {
	data, _ := json.Marshal(payload)
	c.mu.Lock()
	var handlers []func(json.RawMessage)
	for ref := transport.Ref(1); ref <= c.nextRef; ref++ {
		if b, ok := c.handlers[ref]; ok && b.event == event {
			handlers = append(handlers, b.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

// Pushes returns the pushes seen so far.
func (c *FakeChannel) Pushes() []PushRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PushRecord(nil), c.pushes...)
}

// PushesFor returns the pushes for event.
func (c *FakeChannel) PushesFor(event string) []PushRecord {
	var out []PushRecord
	for _, p := range c.Pushes() {
		if p.Event == event {
			out = append(out, p)
		}
	}
	return out
}

// HandlerCount returns the number of bound handlers for event.
func (c *FakeChannel) HandlerCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.handlers {
		if b.event == event {
			n++
		}
	}
	return n
}

// JoinCalls returns how many times Join was called.
func (c *FakeChannel) JoinCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinCalls
}

// Left reports whether Leave was called.
func (c *FakeChannel) Left() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}
