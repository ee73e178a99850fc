// Package phoenix is a Phoenix Channels client over websocket.
//
// A Socket owns one websocket connection and multiplexes Channels over it.
// Frames are JSON arrays [join_ref, ref, topic, event, payload]. Channels
// join with phx_join, replies arrive as phx_reply {status, response}, and
// the socket heartbeats on the "phoenix" topic. When the connection drops,
// Run redials with a stepped backoff and every channel that was joined
// rejoins.
//
// Socket implements transport.Socket; Channel implements
// transport.RoomChannel.
package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/flowsync/internal/clock"
	"github.com/roach88/flowsync/internal/transport"
)

const (
	// DefaultTimeout bounds every push, joins included.
	DefaultTimeout = 10 * time.Second

	// DefaultHeartbeatInterval is the heartbeat period.
	DefaultHeartbeatInterval = 30 * time.Second

	// readLimit bounds a single inbound frame. Full document syncs can be
	// large.
	readLimit = 8 << 20
)

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// DefaultReconnectAfter is the socket reconnect schedule.
func DefaultReconnectAfter(tries int) time.Duration {
	steps := []time.Duration{
		10 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond,
		150 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond,
		500 * time.Millisecond, time.Second, 2 * time.Second,
	}
	if tries < 1 {
		tries = 1
	}
	if tries > len(steps) {
		return 5 * time.Second
	}
	return steps[tries-1]
}

// DefaultRejoinAfter is the channel rejoin schedule after a failed join.
func DefaultRejoinAfter(tries int) time.Duration {
	steps := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}
	if tries < 1 {
		tries = 1
	}
	if tries > len(steps) {
		return 10 * time.Second
	}
	return steps[tries-1]
}

// Option configures a Socket.
type Option func(*Socket)

// WithTimeout sets the push timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Socket) { s.timeout = d }
}

// WithHeartbeatInterval sets the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Socket) { s.heartbeat = d }
}

// WithReconnectAfter sets the reconnect schedule.
func WithReconnectAfter(fn func(tries int) time.Duration) Option {
	return func(s *Socket) { s.reconnectAfter = fn }
}

// WithRejoinAfter sets the channel rejoin schedule.
func WithRejoinAfter(fn func(tries int) time.Duration) Option {
	return func(s *Socket) { s.rejoinAfter = fn }
}

// WithParams adds query parameters (e.g. a token) to the connect URL.
func WithParams(params map[string]string) Option {
	return func(s *Socket) {
		for k, v := range params {
			s.params[k] = v
		}
	}
}

// WithClock sets the clock used for push timeouts and rejoin timers.
func WithClock(c clock.Clock) Option {
	return func(s *Socket) { s.clk = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Socket) { s.logger = l }
}

type pendingReply struct {
	push  *transport.PendingPush
	timer clock.Timer
}

// Socket is a Phoenix socket client.
//
// Thread-safety: Socket is safe for concurrent use. Hooks, reply callbacks
// and event handlers run on the socket's reader goroutine (or a timer
// goroutine for timeouts) without internal locks held.
type Socket struct {
	endpoint       string
	params         map[string]string
	timeout        time.Duration
	heartbeat      time.Duration
	reconnectAfter func(int) time.Duration
	rejoinAfter    func(int) time.Duration
	clk            clock.Clock
	logger         *slog.Logger

	buf *sendBuffer

	mu         sync.Mutex
	connected  bool
	ref        uint64
	channels   []*Channel
	pending    map[string]*pendingReply
	openHooks  map[uint64]func()
	closeHooks map[uint64]func()
	hookSeq    uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewSocket creates a socket for endpoint, e.g. "ws://localhost:4000/socket".
// It does not connect until Connect or Run is called.
func NewSocket(endpoint string, opts ...Option) *Socket {
	s := &Socket{
		endpoint:       endpoint,
		params:         map[string]string{},
		timeout:        DefaultTimeout,
		heartbeat:      DefaultHeartbeatInterval,
		reconnectAfter: DefaultReconnectAfter,
		rejoinAfter:    DefaultRejoinAfter,
		clk:            clock.Real(),
		logger:         slog.Default(),
		buf:            newSendBuffer(),
		pending:        make(map[string]*pendingReply),
		openHooks:      make(map[uint64]func()),
		closeHooks:     make(map[uint64]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// endpointURL appends the websocket path and protocol version.
func (s *Socket) endpointURL() (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	u.Path = trimSlash(u.Path) + "/websocket"
	q := u.Query()
	for k, v := range s.params {
		q.Set(k, v)
	}
	q.Set("vsn", "2.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func trimSlash(p string) string {
	for len(p) > 0 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}

// Connect starts Run in the background. Calling Connect on a running
// socket is a no-op.
func (s *Socket) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.Run(runCtx)
	}()
}

// Disconnect stops a socket started with Connect and waits for it to shut
// down.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run dials and serves the connection, redialing after failures, until ctx
// is done. It returns ctx.Err().
func (s *Socket) Run(ctx context.Context) error {
	tries := 0
	for {
		established, err := s.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			tries = 0
		}
		tries++
		delay := s.reconnectAfter(tries)
		s.logger.Warn("socket connection lost",
			"endpoint", s.endpoint,
			"error", err,
			"retry_in", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// serve runs one connection. established reports whether the dial
// succeeded.
func (s *Socket) serve(ctx context.Context) (established bool, err error) {
	endpoint, err := s.endpointURL()
	if err != nil {
		return false, err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.endpoint, err)
	}
	conn.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.opened()

	g, gctx := errgroup.WithContext(connCtx)
	g.Go(func() error { return s.readLoop(gctx, conn) })
	g.Go(func() error { return s.writeLoop(gctx, conn) })
	g.Go(func() error { return s.heartbeatLoop(gctx) })
	err = g.Wait()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.closed()
	return true, err
}

func (s *Socket) opened() {
	s.mu.Lock()
	s.connected = true
	hooks := collectHooks(s.openHooks)
	channels := append([]*Channel(nil), s.channels...)
	s.mu.Unlock()

	s.logger.Info("socket connected", "endpoint", s.endpoint)
	for _, fn := range hooks {
		fn()
	}
	for _, ch := range channels {
		ch.socketOpened()
	}
}

func (s *Socket) closed() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	hooks := collectHooks(s.closeHooks)
	channels := append([]*Channel(nil), s.channels...)
	s.mu.Unlock()

	s.buf.Reset()
	s.logger.Info("socket disconnected", "endpoint", s.endpoint)
	for _, ch := range channels {
		ch.socketClosed()
	}
	for _, fn := range hooks {
		fn()
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		s.route(msg)
	}
}

func (s *Socket) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if frame, ok := s.buf.TryDequeue(); ok {
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				s.buf.Requeue(frame)
				return fmt.Errorf("write: %w", err)
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-s.buf.Wait():
			if !ok {
				return nil
			}
		}
	}
}

func (s *Socket) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	var outstanding *transport.PendingPush
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if outstanding != nil {
				if r, ok := outstanding.Result(); !ok || r.Status != transport.StatusOK {
					return errHeartbeatTimeout
				}
			}
			outstanding = s.send(topicPhoenix, eventHeartbeat, json.RawMessage(`{}`), "", s.nextRef())
		}
	}
}

// route dispatches an inbound frame: replies resolve their push, then the
// frame goes to every channel on its topic.
func (s *Socket) route(msg Message) {
	if msg.Event == eventReply && msg.Ref != "" {
		s.resolve(msg.Ref, msg.Payload)
	}

	s.mu.Lock()
	var targets []*Channel
	for _, ch := range s.channels {
		if ch.topic == msg.Topic {
			targets = append(targets, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range targets {
		ch.handle(msg)
	}
}

func (s *Socket) resolve(ref string, payload json.RawMessage) {
	s.mu.Lock()
	pr, ok := s.pending[ref]
	delete(s.pending, ref)
	s.mu.Unlock()
	if !ok {
		return
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}

	var reply replyPayload
	if err := json.Unmarshal(payload, &reply); err != nil {
		pr.push.Resolve(transport.StatusError, errorPayload("malformed reply"))
		return
	}
	if reply.Status == string(transport.StatusOK) {
		pr.push.Resolve(transport.StatusOK, reply.Response)
		return
	}
	pr.push.Resolve(transport.StatusError, reply.Response)
}

func (s *Socket) expire(ref string) {
	s.mu.Lock()
	pr, ok := s.pending[ref]
	delete(s.pending, ref)
	s.mu.Unlock()
	if ok {
		pr.push.Resolve(transport.StatusTimeout, nil)
	}
}

func (s *Socket) nextRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref++
	return strconv.FormatUint(s.ref, 10)
}

// send queues a frame and tracks its reply under ref.
func (s *Socket) send(topic, event string, payload json.RawMessage, joinRef, ref string) *transport.PendingPush {
	p := transport.NewPendingPush()
	frame, err := json.Marshal(Message{JoinRef: joinRef, Ref: ref, Topic: topic, Event: event, Payload: payload})
	if err != nil {
		p.Resolve(transport.StatusError, errorPayload(err.Error()))
		return p
	}

	pr := &pendingReply{push: p}
	s.mu.Lock()
	s.pending[ref] = pr
	s.mu.Unlock()

	timer := s.clk.AfterFunc(s.timeout, func() { s.expire(ref) })
	s.mu.Lock()
	if _, ok := s.pending[ref]; ok {
		pr.timer = timer
	}
	s.mu.Unlock()

	if !s.buf.Enqueue(frame) {
		s.expire(ref)
	}
	return p
}

// Channel returns a channel for topic. Each call creates a new Channel.
func (s *Socket) Channel(topic string, params map[string]any) transport.RoomChannel {
	return s.NewChannel(topic, params)
}

// NewChannel is Channel with the concrete return type.
func (s *Socket) NewChannel(topic string, params map[string]any) *Channel {
	ch := newChannel(s, topic, params)
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
	return ch
}

func (s *Socket) remove(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.channels[:0]
	for _, other := range s.channels {
		if other != ch {
			next = append(next, other)
		}
	}
	s.channels = next
}

// Valid reports whether s is a non-nil socket.
func (s *Socket) Valid() bool { return s != nil }

// IsConnected reports whether the websocket is open.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// OnOpen registers fn for every successful connect.
func (s *Socket) OnOpen(fn func()) (cancel func()) {
	return s.addHook(s.openHooks, fn)
}

// OnClose registers fn for every connection loss.
func (s *Socket) OnClose(fn func()) (cancel func()) {
	return s.addHook(s.closeHooks, fn)
}

func (s *Socket) addHook(hooks map[uint64]func(), fn func()) func() {
	s.mu.Lock()
	s.hookSeq++
	id := s.hookSeq
	hooks[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(hooks, id)
			s.mu.Unlock()
		})
	}
}

// collectHooks returns hooks in registration order.
func collectHooks(hooks map[uint64]func()) []func() {
	ids := slices.Sorted(maps.Keys(hooks))
	out := make([]func(), len(ids))
	for i, id := range ids {
		out[i] = hooks[id]
	}
	return out
}

func errorPayload(reason string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"reason": reason})
	return data
}
