package phoenix

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/flowsync/internal/clock"
	"github.com/roach88/flowsync/internal/transport"
)

type channelState int

const (
	stateClosed channelState = iota
	stateJoining
	stateJoined
	stateErrored
	stateLeaving
)

func (s channelState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateJoining:
		return "joining"
	case stateJoined:
		return "joined"
	case stateErrored:
		return "errored"
	case stateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

type binding struct {
	ref     transport.Ref
	event   string
	handler func(json.RawMessage)
}

// deferredPush is a push made before the channel joined.
type deferredPush struct {
	event   string
	payload json.RawMessage
	push    *transport.PendingPush
	timer   clock.Timer
}

// Channel is one topic on a Socket.
type Channel struct {
	socket *Socket
	topic  string
	params json.RawMessage

	mu          sync.Mutex
	state       channelState
	joinRef     string
	joinPush    *transport.PendingPush
	joinedOnce  bool
	wasJoined   bool
	bindings    []binding
	bindingRef  transport.Ref
	buffer      []*deferredPush
	rejoinTries int
	rejoinTimer clock.Timer
	watchers    map[uint64]func(bool)
	watcherSeq  uint64
}

func newChannel(s *Socket, topic string, params map[string]any) *Channel {
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		body = json.RawMessage(`{}`)
	}
	return &Channel{
		socket:   s,
		topic:    topic,
		params:   body,
		watchers: make(map[uint64]func(bool)),
	}
}

// Topic implements transport.RoomChannel.
func (c *Channel) Topic() string { return c.topic }

// State returns the channel state name, for logs and tests.
func (c *Channel) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// Join implements transport.RoomChannel. The returned push resolves with
// the outcome of the first join attempt; later calls return the same push.
func (c *Channel) Join() transport.Push {
	c.mu.Lock()
	if c.joinedOnce {
		p := c.joinPush
		c.mu.Unlock()
		return p
	}
	c.joinedOnce = true
	c.joinPush = transport.NewPendingPush()
	c.state = stateJoining
	p := c.joinPush
	c.mu.Unlock()

	c.rejoin()
	return p
}

// rejoin sends a join if the socket is up. Otherwise the join goes out
// when the socket opens.
func (c *Channel) rejoin() {
	if !c.socket.IsConnected() {
		return
	}
	c.mu.Lock()
	if c.state == stateClosed || c.state == stateLeaving {
		c.mu.Unlock()
		return
	}
	c.state = stateJoining
	ref := c.socket.nextRef()
	c.joinRef = ref
	c.mu.Unlock()

	c.socket.send(c.topic, eventJoin, c.params, ref, ref).
		Receive(transport.StatusOK, func(resp json.RawMessage) { c.joinSucceeded(ref, resp) }).
		Receive(transport.StatusError, func(resp json.RawMessage) { c.joinFailed(ref, transport.StatusError, resp) }).
		Receive(transport.StatusTimeout, func(json.RawMessage) { c.joinFailed(ref, transport.StatusTimeout, nil) })
}

func (c *Channel) joinSucceeded(ref string, resp json.RawMessage) {
	c.mu.Lock()
	if c.joinRef != ref || c.state != stateJoining {
		c.mu.Unlock()
		return
	}
	c.state = stateJoined
	c.rejoinTries = 0
	buffered := c.buffer
	c.buffer = nil
	first := c.joinPush
	c.mu.Unlock()

	c.socket.logger.Debug("channel joined", "topic", c.topic)
	first.Resolve(transport.StatusOK, resp)
	for _, d := range buffered {
		c.flush(d)
	}
	c.setJoined(true)
}

func (c *Channel) joinFailed(ref string, status transport.Status, resp json.RawMessage) {
	c.mu.Lock()
	if c.joinRef != ref || c.state != stateJoining {
		c.mu.Unlock()
		return
	}
	c.state = stateErrored
	c.rejoinTries++
	delay := c.socket.rejoinAfter(c.rejoinTries)
	first := c.joinPush
	c.mu.Unlock()

	c.socket.logger.Warn("channel join failed", "topic", c.topic, "status", status, "retry_in", delay)
	first.Resolve(status, resp)
	c.setJoined(false)
	c.scheduleRejoin(delay)
}

func (c *Channel) scheduleRejoin(delay time.Duration) {
	timer := c.socket.clk.AfterFunc(delay, func() {
		c.mu.Lock()
		retry := c.state == stateErrored
		c.mu.Unlock()
		if retry {
			c.rejoin()
		}
	})
	c.mu.Lock()
	if c.rejoinTimer != nil {
		c.rejoinTimer.Stop()
	}
	c.rejoinTimer = timer
	c.mu.Unlock()
}

func (c *Channel) socketOpened() {
	c.mu.Lock()
	active := c.joinedOnce && c.state != stateClosed && c.state != stateLeaving
	c.mu.Unlock()
	if active {
		c.rejoin()
	}
}

func (c *Channel) socketClosed() {
	c.mu.Lock()
	if c.state == stateJoined || c.state == stateJoining {
		c.state = stateErrored
	}
	if c.rejoinTimer != nil {
		c.rejoinTimer.Stop()
		c.rejoinTimer = nil
	}
	c.mu.Unlock()
	c.setJoined(false)
}

// Push implements transport.Channel. Pushes made before the channel joins
// are buffered and sent on join; each still times out on its own.
func (c *Channel) Push(event string, payload any) transport.Push {
	body, err := json.Marshal(payload)
	if err != nil {
		p := transport.NewPendingPush()
		p.Resolve(transport.StatusError, errorPayload(err.Error()))
		return p
	}

	c.mu.Lock()
	switch {
	case c.state == stateClosed && c.joinedOnce, c.state == stateLeaving:
		c.mu.Unlock()
		p := transport.NewPendingPush()
		p.Resolve(transport.StatusError, errorPayload("channel closed"))
		return p
	case c.state == stateJoined && c.socket.IsConnected():
		joinRef := c.joinRef
		c.mu.Unlock()
		return c.socket.send(c.topic, event, body, joinRef, c.socket.nextRef())
	}

	d := &deferredPush{event: event, payload: body, push: transport.NewPendingPush()}
	c.buffer = append(c.buffer, d)
	c.mu.Unlock()

	timer := c.socket.clk.AfterFunc(c.socket.timeout, func() {
		c.dropDeferred(d)
		d.push.Resolve(transport.StatusTimeout, nil)
	})
	c.mu.Lock()
	d.timer = timer
	c.mu.Unlock()
	return d.push
}

func (c *Channel) dropDeferred(d *deferredPush) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.buffer {
		if other == d {
			c.buffer = append(c.buffer[:i], c.buffer[i+1:]...)
			return
		}
	}
}

// flush sends a buffered push and forwards its outcome.
func (c *Channel) flush(d *deferredPush) {
	c.mu.Lock()
	timer := d.timer
	joinRef := c.joinRef
	c.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if _, done := d.push.Result(); done {
		return
	}
	c.socket.send(c.topic, d.event, d.payload, joinRef, c.socket.nextRef()).
		Receive(transport.StatusOK, func(p json.RawMessage) { d.push.Resolve(transport.StatusOK, p) }).
		Receive(transport.StatusError, func(p json.RawMessage) { d.push.Resolve(transport.StatusError, p) }).
		Receive(transport.StatusTimeout, func(json.RawMessage) { d.push.Resolve(transport.StatusTimeout, nil) })
}

// On implements transport.Channel.
func (c *Channel) On(event string, handler func(payload json.RawMessage)) transport.Ref {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindingRef++
	c.bindings = append(c.bindings, binding{ref: c.bindingRef, event: event, handler: handler})
	return c.bindingRef
}

// Off implements transport.Channel.
func (c *Channel) Off(event string, ref transport.Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make([]binding, 0, len(c.bindings))
	for _, b := range c.bindings {
		if b.event == event && b.ref == ref {
			continue
		}
		next = append(next, b)
	}
	c.bindings = next
}

// Leave implements transport.RoomChannel.
func (c *Channel) Leave() transport.Push {
	c.mu.Lock()
	wasJoined := c.state == stateJoined
	joinRef := c.joinRef
	c.state = stateLeaving
	buffered := c.buffer
	c.buffer = nil
	if c.rejoinTimer != nil {
		c.rejoinTimer.Stop()
		c.rejoinTimer = nil
	}
	c.mu.Unlock()

	for _, d := range buffered {
		if d.timer != nil {
			d.timer.Stop()
		}
		d.push.Resolve(transport.StatusError, errorPayload("channel left"))
	}

	finish := func(json.RawMessage) {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		c.socket.remove(c)
	}

	var p transport.Push
	if wasJoined && c.socket.IsConnected() {
		p = c.socket.send(c.topic, eventLeave, json.RawMessage(`{}`), joinRef, c.socket.nextRef())
	} else {
		pp := transport.NewPendingPush()
		pp.Resolve(transport.StatusOK, json.RawMessage(`{}`))
		p = pp
	}
	p.Receive(transport.StatusOK, finish).
		Receive(transport.StatusError, finish).
		Receive(transport.StatusTimeout, finish)
	c.setJoined(false)
	return p
}

// IsJoined implements transport.RoomChannel.
func (c *Channel) IsJoined() bool {
	c.mu.Lock()
	joined := c.state == stateJoined
	c.mu.Unlock()
	return joined && c.socket.IsConnected()
}

// OnStateChange implements transport.RoomChannel.
func (c *Channel) OnStateChange(fn func(joined bool)) (cancel func()) {
	c.mu.Lock()
	c.watcherSeq++
	id := c.watcherSeq
	c.watchers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

// setJoined notifies watchers on transitions only.
func (c *Channel) setJoined(joined bool) {
	c.mu.Lock()
	if c.wasJoined == joined {
		c.mu.Unlock()
		return
	}
	c.wasJoined = joined
	watchers := make([]func(bool), 0, len(c.watchers))
	for _, id := range slices.Sorted(maps.Keys(c.watchers)) {
		watchers = append(watchers, c.watchers[id])
	}
	c.mu.Unlock()

	for _, fn := range watchers {
		fn(joined)
	}
}

// handle processes a frame for this topic.
func (c *Channel) handle(msg Message) {
	c.mu.Lock()
	joinRef := c.joinRef
	c.mu.Unlock()
	if msg.JoinRef != "" && msg.JoinRef != joinRef {
		return
	}

	switch msg.Event {
	case eventReply:
		return
	case eventError:
		c.mu.Lock()
		joined := c.state == stateJoined || c.state == stateJoining
		if joined {
			c.state = stateErrored
			c.rejoinTries++
		}
		delay := c.socket.rejoinAfter(c.rejoinTries)
		c.mu.Unlock()
		if joined {
			c.socket.logger.Warn("channel errored", "topic", c.topic)
			c.setJoined(false)
			c.scheduleRejoin(delay)
		}
		return
	case eventClose:
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		c.setJoined(false)
		c.socket.remove(c)
		return
	}

	c.mu.Lock()
	var handlers []func(json.RawMessage)
	for _, b := range c.bindings {
		if b.event == msg.Event {
			handlers = append(handlers, b.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg.Payload)
	}
}
