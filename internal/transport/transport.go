// Package transport defines the channel contract the stores and the
// provider are written against.
//
// A Channel carries request/reply pushes and server-sent events for one
// topic. Every push resolves to exactly one terminal outcome: ok (with a
// response payload), error (with a payload carrying a reason) or timeout
// (no payload). Implementations live in subpackages (phoenix) and in
// internal/testutil for tests.
package transport

import (
	"context"
	"encoding/json"
)

// Status is the terminal outcome of a push.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Push is a sent message awaiting its reply.
type Push interface {
	// Receive registers cb for status and returns the push for chaining.
	// If the push already resolved with status, cb runs immediately.
	Receive(status Status, cb func(payload json.RawMessage)) Push
}

// Ref identifies an event binding for Off.
type Ref uint64

// Channel is the request/event surface of one topic.
type Channel interface {
	// Push sends event with payload. payload is marshaled to JSON.
	Push(event string, payload any) Push

	// On binds handler to server-sent event and returns a reference for
	// Off.
	On(event string, handler func(payload json.RawMessage)) Ref

	// Off removes the binding created by On. Unknown refs are ignored.
	Off(event string, ref Ref)
}

// RoomChannel is a Channel that must be joined before pushes go out.
type RoomChannel interface {
	Channel

	// Topic returns the channel topic, e.g. "workflow:<id>".
	Topic() string

	// Join sends the join request. Pushes made before the join succeeds are
	// buffered.
	Join() Push

	// Leave leaves the topic. The channel is unusable afterwards.
	Leave() Push

	// IsJoined reports whether the last join succeeded and the socket is
	// still open.
	IsJoined() bool

	// OnStateChange registers fn for joined/unjoined transitions (join
	// replies, socket drops, rejoins) and returns a function removing it.
	OnStateChange(fn func(joined bool)) (cancel func())
}

// Socket is a connection multiplexing RoomChannels.
type Socket interface {
	// Channel returns a channel for topic. params are sent with the join.
	Channel(topic string, params map[string]any) RoomChannel

	// IsConnected reports whether the underlying connection is open.
	IsConnected() bool

	// OnOpen and OnClose register connection hooks and return functions
	// removing them.
	OnOpen(fn func()) (cancel func())
	OnClose(fn func()) (cancel func())
}

// Usable reports whether s can be used: it is non-nil, and a Socket that
// has a Valid method reports true. Pointer implementations define Valid so
// a typed nil such as (*phoenix.Socket)(nil) is caught here instead of
// panicking inside Channel.
func Usable(s Socket) bool {
	if s == nil {
		return false
	}
	if v, ok := s.(interface{ Valid() bool }); ok {
		return v.Valid()
	}
	return true
}

// Reply is the outcome of a push.
type Reply struct {
	Status  Status
	Payload json.RawMessage
}

// Reason extracts the "reason" field of an error payload. It falls back to
// the raw payload text.
func (r Reply) Reason() string {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(r.Payload, &body); err == nil && body.Reason != "" {
		return body.Reason
	}
	if len(r.Payload) == 0 {
		return "unknown error"
	}
	return string(r.Payload)
}

// Request pushes event and blocks until its single outcome. A done ctx
// yields a timeout reply.
func Request(ctx context.Context, ch Channel, event string, payload any) Reply {
	done := make(chan Reply, 1)
	deliver := func(status Status) func(json.RawMessage) {
		return func(p json.RawMessage) {
			select {
			case done <- Reply{Status: status, Payload: p}:
			default:
			}
		}
	}

	ch.Push(event, payload).
		Receive(StatusOK, deliver(StatusOK)).
		Receive(StatusError, deliver(StatusError)).
		Receive(StatusTimeout, deliver(StatusTimeout))

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return Reply{Status: StatusTimeout}
	}
}
