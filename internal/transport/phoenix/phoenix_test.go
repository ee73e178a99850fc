package phoenix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsync/internal/transport"
)

// fakeServer speaks enough of the Phoenix protocol for the client tests.
type fakeServer struct {
	t     *testing.T
	srv   *httptest.Server
	joins atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/socket/websocket", fs.handle)
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/socket"
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "drop")
	}
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}

		switch {
		case msg.Event == eventHeartbeat:
			fs.reply(ctx, conn, msg, "ok", `{}`)
		case msg.Event == eventJoin && msg.Topic == "room:deny":
			fs.reply(ctx, conn, msg, "error", `{"reason":"unauthorized"}`)
		case msg.Event == eventJoin:
			fs.joins.Add(1)
			fs.reply(ctx, conn, msg, "ok", `{}`)
		case msg.Event == eventLeave:
			fs.reply(ctx, conn, msg, "ok", `{}`)
		case msg.Event == "request_adaptors":
			fs.reply(ctx, conn, msg, "ok", `{"adaptors":[{"name":"http"}]}`)
		case msg.Event == "fail":
			fs.reply(ctx, conn, msg, "error", `{"reason":"boom"}`)
		case msg.Event == "echo":
			fs.write(ctx, conn, Message{JoinRef: msg.JoinRef, Topic: msg.Topic, Event: "echoed", Payload: msg.Payload})
			fs.reply(ctx, conn, msg, "ok", `{}`)
		case msg.Event == "ignore":
		}
	}
}

func (fs *fakeServer) reply(ctx context.Context, conn *websocket.Conn, msg Message, status, response string) {
	payload := json.RawMessage(`{"status":"` + status + `","response":` + response + `}`)
	fs.write(ctx, conn, Message{JoinRef: msg.JoinRef, Ref: msg.Ref, Topic: msg.Topic, Event: eventReply, Payload: payload})
}

func (fs *fakeServer) write(ctx context.Context, conn *websocket.Conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		fs.t.Errorf("marshal: %v", err)
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func fastReconnect(int) time.Duration { return 10 * time.Millisecond }

func connect(t *testing.T, fs *fakeServer, opts ...Option) *Socket {
	t.Helper()
	opts = append([]Option{WithReconnectAfter(fastReconnect)}, opts...)
	s := NewSocket(fs.url(), opts...)
	s.Connect(context.Background())
	t.Cleanup(s.Disconnect)
	require.Eventually(t, s.IsConnected, 2*time.Second, 5*time.Millisecond)
	return s
}

func join(t *testing.T, ch *Channel) {
	t.Helper()
	joined := make(chan struct{})
	ch.Join().Receive(transport.StatusOK, func(json.RawMessage) { close(joined) })
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("join did not complete")
	}
}

// ============================================================================
// Socket and channel
// ============================================================================

func TestChannel_JoinAndRequest(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs)
	ch := s.NewChannel("workflow:abc", map[string]any{"token": "t"})
	join(t, ch)

	assert.True(t, ch.IsJoined())
	assert.Equal(t, "joined", ch.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply := transport.Request(ctx, ch, "request_adaptors", map[string]any{})
	require.Equal(t, transport.StatusOK, reply.Status)
	assert.JSONEq(t, `{"adaptors":[{"name":"http"}]}`, string(reply.Payload))

	reply = transport.Request(ctx, ch, "fail", nil)
	require.Equal(t, transport.StatusError, reply.Status)
	assert.Equal(t, "boom", reply.Reason())
}

func TestChannel_PushBeforeJoinIsBuffered(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs)
	ch := s.NewChannel("workflow:abc", nil)

	got := make(chan transport.Status, 1)
	ch.Push("request_adaptors", map[string]any{}).
		Receive(transport.StatusOK, func(json.RawMessage) { got <- transport.StatusOK }).
		Receive(transport.StatusTimeout, func(json.RawMessage) { got <- transport.StatusTimeout })

	join(t, ch)
	select {
	case status := <-got:
		assert.Equal(t, transport.StatusOK, status)
	case <-time.After(2 * time.Second):
		t.Fatal("buffered push never resolved")
	}
}

func TestChannel_ServerEventsAndOff(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs)
	ch := s.NewChannel("workflow:abc", nil)
	join(t, ch)

	var mu sync.Mutex
	var events []string
	ref := ch.On("echoed", func(p json.RawMessage) {
		mu.Lock()
		events = append(events, string(p))
		mu.Unlock()
	})

	ctx := context.Background()
	require.Equal(t, transport.StatusOK, transport.Request(ctx, ch, "echo", map[string]any{"n": 1}).Status)
	ch.Off("echoed", ref)
	require.Equal(t, transport.StatusOK, transport.Request(ctx, ch, "echo", map[string]any{"n": 2}).Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"n":1}`}, events)
}

func TestChannel_JoinError(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs, WithRejoinAfter(func(int) time.Duration { return time.Hour }))
	ch := s.NewChannel("room:deny", nil)

	reason := make(chan string, 1)
	ch.Join().Receive(transport.StatusError, func(p json.RawMessage) {
		reason <- transport.Reply{Payload: p}.Reason()
	})
	select {
	case r := <-reason:
		assert.Equal(t, "unauthorized", r)
	case <-time.After(2 * time.Second):
		t.Fatal("join error not delivered")
	}
	assert.False(t, ch.IsJoined())
	assert.Equal(t, "errored", ch.State())
}

func TestPush_Timeout(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs, WithTimeout(50*time.Millisecond))
	ch := s.NewChannel("workflow:abc", nil)
	join(t, ch)

	reply := transport.Request(context.Background(), ch, "ignore", nil)
	assert.Equal(t, transport.StatusTimeout, reply.Status)
}

func TestSocket_ReconnectRejoins(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs)
	ch := s.NewChannel("workflow:abc", nil)

	var mu sync.Mutex
	var transitions []bool
	ch.OnStateChange(func(joined bool) {
		mu.Lock()
		transitions = append(transitions, joined)
		mu.Unlock()
	})
	closed := make(chan struct{}, 1)
	s.OnClose(func() {
		select {
		case closed <- struct{}{}:
		default:
		}
	})

	join(t, ch)
	fs.dropAll()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close hook not called")
	}
	require.Eventually(t, func() bool { return fs.joins.Load() == 2 && ch.IsJoined() }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, transitions)
}

func TestChannel_Leave(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs)
	ch := s.NewChannel("workflow:abc", nil)
	join(t, ch)

	left := make(chan struct{})
	ch.Leave().Receive(transport.StatusOK, func(json.RawMessage) { close(left) })
	select {
	case <-left:
	case <-time.After(2 * time.Second):
		t.Fatal("leave not acknowledged")
	}
	assert.False(t, ch.IsJoined())

	reply := transport.Request(context.Background(), ch, "request_adaptors", nil)
	assert.Equal(t, transport.StatusError, reply.Status)
}

// ============================================================================
// Frames and buffer
// ============================================================================

func TestMessage_JSON(t *testing.T) {
	data, err := json.Marshal(Message{JoinRef: "1", Ref: "2", Topic: "workflow:x", Event: "yjs", Payload: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `["1","2","workflow:x","yjs",{"a":1}]`, string(data))

	var m Message
	require.NoError(t, json.Unmarshal([]byte(`[null,null,"phoenix","heartbeat",{}]`), &m))
	assert.Equal(t, "", m.JoinRef)
	assert.Equal(t, "", m.Ref)
	assert.Equal(t, "phoenix", m.Topic)
	assert.Equal(t, "heartbeat", m.Event)

	assert.Error(t, json.Unmarshal([]byte(`["1","2","t"]`), &m))
}

func TestEndpointURL(t *testing.T) {
	s := NewSocket("ws://example.test/socket/", WithParams(map[string]string{"token": "abc"}))
	u, err := s.endpointURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://example.test/socket/websocket?token=abc&vsn=2.0.0", u)
}

func TestSendBuffer_FIFOAndReset(t *testing.T) {
	b := newSendBuffer()
	require.True(t, b.Enqueue([]byte("a")))
	require.True(t, b.Enqueue([]byte("b")))
	b.Requeue([]byte("z"))

	for _, want := range []string{"z", "a", "b"} {
		got, ok := b.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, string(got))
	}
	_, ok := b.TryDequeue()
	assert.False(t, ok)

	b.Enqueue([]byte("stale"))
	b.Reset()
	assert.Equal(t, 0, b.Len())

	b.Close()
	assert.False(t, b.Enqueue([]byte("late")))
	for range b.Wait() {
		// drain the coalesced signal; the loop ends because Close closed it
	}
}

func TestDefaultReconnectAfter(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, DefaultReconnectAfter(1))
	assert.Equal(t, 2*time.Second, DefaultReconnectAfter(9))
	assert.Equal(t, 5*time.Second, DefaultReconnectAfter(50))
	assert.Equal(t, 10*time.Second, DefaultRejoinAfter(4))
}

func TestSocket_TypedNilIsNotUsable(t *testing.T) {
	var nilSocket *Socket
	assert.False(t, transport.Usable(nilSocket))
	assert.False(t, transport.Usable(nil))
	assert.True(t, transport.Usable(NewSocket("ws://localhost:4000/socket")))
}
