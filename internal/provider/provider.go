// Package provider binds a shared document and its awareness to a room
// channel.
//
// On every successful (re)join the provider runs the sync handshake: it
// pushes "yjs_sync" with its state vector, applies the update the server
// answers with, and sends back whatever the server is missing. Once that
// round trip completes the provider reports synced. Afterwards local
// document updates go out as "yjs" events and local awareness changes as
// "awareness" events; the same events from the server are applied to the
// document and awareness with the provider as origin, so they are never
// echoed back.
package provider

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/flowsync/internal/awareness"
	"github.com/roach88/flowsync/internal/transport"
	"github.com/roach88/flowsync/internal/ydoc"
)

// Channel events.
const (
	EventSync      = "yjs_sync"
	EventUpdate    = "yjs"
	EventAwareness = "awareness"
)

// Status is the connection status reported to status listeners.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Handle is what the session store needs from a provider.
type Handle interface {
	Channel() transport.RoomChannel
	Awareness() *awareness.Awareness
	IsSynced() bool
	OnStatus(fn func(Status)) (cancel func())
	OnSync(fn func(synced bool)) (cancel func())
	Destroy()
}

// Options configures New.
type Options struct {
	// Awareness to bind. When nil the provider creates one for the
	// document.
	Awareness *awareness.Awareness

	// Params are sent with the channel join.
	Params map[string]any

	Logger *slog.Logger
}

// Factory constructs a provider. New is the default.
type Factory func(socket transport.Socket, roomID string, doc *ydoc.Doc, opts Options) (Handle, error)

// Topic returns the channel topic for a room.
func Topic(roomID string) string {
	return "workflow:" + roomID
}

type syncRequest struct {
	StateVector string `json:"state_vector"`
}

type syncReply struct {
	Update      string `json:"update"`
	StateVector string `json:"state_vector"`
}

type updateMessage struct {
	Update string `json:"update"`
}

type awarenessMessage struct {
	Awareness string `json:"awareness"`
}

// Provider is the default Handle implementation.
//
// Thread-safety: Provider is safe for concurrent use. Status and sync
// listeners run on the goroutine that observed the change (the socket
// reader in production).
type Provider struct {
	doc       *ydoc.Doc
	awareness *awareness.Awareness
	channel   transport.RoomChannel
	logger    *slog.Logger

	mu          sync.Mutex
	synced      bool
	status      Status
	generation  uint64
	destroyed   bool
	statusFns   map[uint64]func(Status)
	syncFns     map[uint64]func(bool)
	listenerSeq uint64
	cleanups    []func()
}

var _ Handle = (*Provider)(nil)

// New joins the room channel for roomID on socket and binds doc to it.
func New(socket transport.Socket, roomID string, doc *ydoc.Doc, opts Options) (Handle, error) {
	if socket == nil {
		return nil, fmt.Errorf("provider: nil socket")
	}
	if doc == nil {
		return nil, fmt.Errorf("provider: nil document")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	aw := opts.Awareness
	if aw == nil {
		aw = awareness.New(doc, awareness.WithLogger(logger))
	}

	p := &Provider{
		doc:       doc,
		awareness: aw,
		channel:   socket.Channel(Topic(roomID), opts.Params),
		logger:    logger.With("room", roomID),
		status:    StatusConnecting,
		statusFns: make(map[uint64]func(Status)),
		syncFns:   make(map[uint64]func(bool)),
	}

	updateRef := p.channel.On(EventUpdate, p.handleRemoteUpdate)
	awarenessRef := p.channel.On(EventAwareness, p.handleRemoteAwareness)
	p.cleanups = append(p.cleanups,
		func() { p.channel.Off(EventUpdate, updateRef) },
		func() { p.channel.Off(EventAwareness, awarenessRef) },
		doc.OnUpdate(p.handleLocalUpdate),
		aw.OnChange(p.handleAwarenessChange),
		p.channel.OnStateChange(p.handleJoinState),
	)

	p.channel.Join()
	return p, nil
}

// Channel returns the bound room channel.
func (p *Provider) Channel() transport.RoomChannel { return p.channel }

// Awareness returns the bound awareness.
func (p *Provider) Awareness() *awareness.Awareness { return p.awareness }

// Doc returns the bound document.
func (p *Provider) Doc() *ydoc.Doc { return p.doc }

// IsSynced reports whether the last handshake completed on the current
// connection.
func (p *Provider) IsSynced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// Status returns the current connection status.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// OnStatus registers fn for status changes.
func (p *Provider) OnStatus(fn func(Status)) (cancel func()) {
	p.mu.Lock()
	p.listenerSeq++
	id := p.listenerSeq
	p.statusFns[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.statusFns, id)
			p.mu.Unlock()
		})
	}
}

// OnSync registers fn for sync changes.
func (p *Provider) OnSync(fn func(bool)) (cancel func()) {
	p.mu.Lock()
	p.listenerSeq++
	id := p.listenerSeq
	p.syncFns[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.syncFns, id)
			p.mu.Unlock()
		})
	}
}

// Destroy detaches from the document, awareness and channel and leaves the
// room. It does not destroy the document or the awareness. Later calls are
// no-ops.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.generation++
	cleanups := p.cleanups
	p.cleanups = nil
	p.statusFns = map[uint64]func(Status){}
	p.syncFns = map[uint64]func(bool){}
	p.synced = false
	p.mu.Unlock()

	for _, fn := range cleanups {
		fn()
	}
	p.channel.Leave()
	p.logger.Info("provider destroyed")
}

func (p *Provider) handleJoinState(joined bool) {
	if !joined {
		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return
		}
		p.generation++
		wasSynced := p.synced
		p.synced = false
		p.mu.Unlock()

		p.setStatus(StatusDisconnected)
		if wasSynced {
			p.emitSync(false)
		}
		return
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.generation++
	gen := p.generation
	p.mu.Unlock()

	p.setStatus(StatusConnected)
	p.startSync(gen)
	p.broadcastAwareness()
}

// startSync runs the handshake for connection generation gen. A reply for
// an older generation is dropped.
func (p *Provider) startSync(gen uint64) {
	sv, err := p.doc.EncodeStateVector()
	if err != nil {
		p.logger.Error("encode state vector failed", "error", err)
		return
	}

	p.channel.Push(EventSync, syncRequest{StateVector: encode(sv)}).
		Receive(transport.StatusOK, func(payload json.RawMessage) {
			p.finishSync(gen, payload)
		}).
		Receive(transport.StatusError, func(payload json.RawMessage) {
			p.logger.Warn("sync request failed", "reason", transport.Reply{Payload: payload}.Reason())
		}).
		Receive(transport.StatusTimeout, func(json.RawMessage) {
			p.logger.Warn("sync request timed out")
		})
}

func (p *Provider) finishSync(gen uint64, payload json.RawMessage) {
	p.mu.Lock()
	current := p.generation == gen && !p.destroyed
	p.mu.Unlock()
	if !current {
		return
	}

	var reply syncReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		p.logger.Warn("malformed sync reply", "error", err)
		return
	}
	if reply.Update != "" {
		data, err := decode(reply.Update)
		if err == nil {
			err = p.doc.ApplyUpdate(data, p)
		}
		if err != nil {
			p.logger.Warn("apply sync update failed", "error", err)
		}
	}

	serverVector, err := decode(reply.StateVector)
	if err != nil {
		p.logger.Warn("malformed server state vector", "error", err)
		serverVector = nil
	}
	missing, err := p.doc.EncodeStateAsUpdate(serverVector)
	if err != nil {
		p.logger.Error("encode missing update failed", "error", err)
	} else if u, derr := ydoc.DecodeUpdate(missing); derr == nil && len(u.Ops) > 0 {
		p.channel.Push(EventUpdate, updateMessage{Update: encode(missing)})
	}

	p.mu.Lock()
	if p.generation != gen || p.destroyed || p.synced {
		p.mu.Unlock()
		return
	}
	p.synced = true
	p.mu.Unlock()

	p.logger.Debug("document synced")
	p.emitSync(true)
}

func (p *Provider) handleLocalUpdate(u ydoc.Update, origin any) {
	if origin == p {
		return
	}
	data, err := u.Encode()
	if err != nil {
		p.logger.Error("encode update failed", "error", err)
		return
	}
	p.channel.Push(EventUpdate, updateMessage{Update: encode(data)})
}

func (p *Provider) handleRemoteUpdate(payload json.RawMessage) {
	var msg updateMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.logger.Warn("malformed update event", "error", err)
		return
	}
	data, err := decode(msg.Update)
	if err != nil {
		p.logger.Warn("malformed update event", "error", err)
		return
	}
	if err := p.doc.ApplyUpdate(data, p); err != nil {
		p.logger.Warn("apply remote update failed", "error", err)
	}
}

func (p *Provider) handleAwarenessChange(change awareness.Change, origin any) {
	if origin != "local" {
		return
	}
	clients := append(append(append([]uint64(nil), change.Added...), change.Updated...), change.Removed...)
	p.pushAwareness(clients)
}

func (p *Provider) broadcastAwareness() {
	p.pushAwareness([]uint64{p.awareness.ClientID()})
}

func (p *Provider) pushAwareness(clients []uint64) {
	data, err := p.awareness.EncodeUpdate(clients)
	if err != nil {
		p.logger.Error("encode awareness failed", "error", err)
		return
	}
	p.channel.Push(EventAwareness, awarenessMessage{Awareness: encode(data)})
}

func (p *Provider) handleRemoteAwareness(payload json.RawMessage) {
	var msg awarenessMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.logger.Warn("malformed awareness event", "error", err)
		return
	}
	data, err := decode(msg.Awareness)
	if err != nil {
		p.logger.Warn("malformed awareness event", "error", err)
		return
	}
	if err := p.awareness.ApplyUpdate(data, p); err != nil {
		p.logger.Warn("apply awareness failed", "error", err)
	}
}

func (p *Provider) setStatus(status Status) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.status = status
	fns := orderedListeners(p.statusFns)
	p.mu.Unlock()

	p.logger.Debug("provider status", "status", status)
	for _, fn := range fns {
		fn(status)
	}
}

func (p *Provider) emitSync(synced bool) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	fns := orderedListeners(p.syncFns)
	p.mu.Unlock()

	for _, fn := range fns {
		fn(synced)
	}
}

func orderedListeners[F any](m map[uint64]F) []F {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]F, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}

func encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decode(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return data, nil
}
