package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubChannel resolves every push through resolve.
type stubChannel struct {
	pushes  []string
	resolve func(p *PendingPush)
}

func (c *stubChannel) Push(event string, payload any) Push {
	c.pushes = append(c.pushes, event)
	p := NewPendingPush()
	if c.resolve != nil {
		c.resolve(p)
	}
	return p
}

func (c *stubChannel) On(string, func(json.RawMessage)) Ref { return 0 }
func (c *stubChannel) Off(string, Ref)                      {}

func TestPendingPush_SingleOutcome(t *testing.T) {
	p := NewPendingPush()
	var got []Status
	p.Receive(StatusOK, func(json.RawMessage) { got = append(got, StatusOK) }).
		Receive(StatusError, func(json.RawMessage) { got = append(got, StatusError) }).
		Receive(StatusTimeout, func(json.RawMessage) { got = append(got, StatusTimeout) })

	assert.True(t, p.Resolve(StatusError, json.RawMessage(`{"reason":"nope"}`)))
	assert.False(t, p.Resolve(StatusOK, nil))
	assert.False(t, p.Resolve(StatusTimeout, nil))

	assert.Equal(t, []Status{StatusError}, got)
	reply, ok := p.Result()
	require.True(t, ok)
	assert.Equal(t, "nope", reply.Reason())
}

func TestPendingPush_ReceiveAfterResolve(t *testing.T) {
	p := NewPendingPush()
	p.Resolve(StatusOK, json.RawMessage(`{"a":1}`))

	var payload json.RawMessage
	p.Receive(StatusError, func(json.RawMessage) { t.Fatal("wrong status") })
	p.Receive(StatusOK, func(m json.RawMessage) { payload = m })
	assert.JSONEq(t, `{"a":1}`, string(payload))
}

func TestRequest_Outcomes(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		body   string
	}{
		{"ok", StatusOK, `{"adaptors":[]}`},
		{"error", StatusError, `{"reason":"boom"}`},
		{"timeout", StatusTimeout, ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &stubChannel{resolve: func(p *PendingPush) {
				go p.Resolve(tt.status, json.RawMessage(tt.body))
			}}
			reply := Request(context.Background(), ch, "request_adaptors", map[string]any{})
			assert.Equal(t, tt.status, reply.Status)
			assert.Equal(t, []string{"request_adaptors"}, ch.pushes)
		})
	}
}

func TestRequest_ContextDoneIsTimeout(t *testing.T) {
	ch := &stubChannel{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	reply := Request(ctx, ch, "request_adaptors", nil)
	assert.Equal(t, StatusTimeout, reply.Status)
	assert.Empty(t, reply.Payload)
}

func TestReply_Reason(t *testing.T) {
	assert.Equal(t, "unknown error", Reply{}.Reason())
	assert.Equal(t, "plain", Reply{Payload: json.RawMessage(`plain`)}.Reason())
	assert.Equal(t, "denied", Reply{Payload: json.RawMessage(`{"reason":"denied"}`)}.Reason())
}
