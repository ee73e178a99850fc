// Package awareness tracks ephemeral per-peer presence (user, cursor,
// selection) layered on top of a shared document.
//
// Presence is never stored in the document itself. Each replica owns one
// local state, identified by the document's client id; remote states
// arrive as encoded updates from the provider. A nil local state means the
// peer has left.
package awareness

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/flowsync/internal/clock"
	"github.com/roach88/flowsync/internal/ydoc"
)

// DefaultTimeout is how long a remote state survives without a refresh
// before RemoveOutdated drops it.
const DefaultTimeout = 30 * time.Second

// State is one peer's presence, e.g. {"user": {...}, "cursor": {...}}.
type State map[string]any

// Change lists the client ids affected by one awareness update.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Empty reports whether the change affects no client.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// ChangeFunc observes awareness changes. origin identifies the source:
// "local" for this replica's own writes, otherwise whatever the caller of
// ApplyUpdate passed.
type ChangeFunc func(change Change, origin any)

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

type changeListener struct {
	fn     ChangeFunc
	active atomic.Bool
}

type pendingChange struct {
	change Change
	origin any
}

// Awareness holds the presence states of every known peer.
//
// Thread-safety: Awareness is safe for concurrent use. Change listeners run
// outside the lock, one change at a time, in the order changes were made.
type Awareness struct {
	mu       sync.Mutex
	clientID uint64
	states   map[uint64]State
	meta     map[uint64]meta
	clk      clock.Clock
	logger   *slog.Logger

	listeners []*changeListener
	queue     []pendingChange
	emitting  bool
	destroyed bool
}

// Option configures an Awareness.
type Option func(*Awareness)

// WithClock sets the clock used for staleness tracking.
func WithClock(c clock.Clock) Option {
	return func(a *Awareness) { a.clk = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Awareness) { a.logger = l }
}

// New creates the awareness instance for doc. The local client id is the
// document's client id; the local state starts empty.
func New(doc *ydoc.Doc, opts ...Option) *Awareness {
	a := &Awareness{
		clientID: doc.ClientID(),
		states:   make(map[uint64]State),
		meta:     make(map[uint64]meta),
		clk:      clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.states[a.clientID] = State{}
	a.meta[a.clientID] = meta{clock: 0, lastUpdated: a.clk.Now()}
	return a
}

// ClientID returns the local client id.
func (a *Awareness) ClientID() uint64 { return a.clientID }

// LocalState returns a copy of the local state, or nil after the local
// peer left.
func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyState(a.states[a.clientID])
}

// SetLocalState replaces the local state. nil marks the local peer as
// gone.
func (a *Awareness) SetLocalState(state State) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.setLocalLocked(copyState(state))
	a.drainLocked()
}

// SetLocalStateField sets one field of the local state.
func (a *Awareness) SetLocalStateField(field string, value any) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	current, ok := a.states[a.clientID]
	if !ok || current == nil {
		a.mu.Unlock()
		return
	}
	next := copyState(current)
	next[field] = value
	a.setLocalLocked(next)
	a.drainLocked()
}

func (a *Awareness) setLocalLocked(state State) {
	prev, existed := a.states[a.clientID]
	m := a.meta[a.clientID]
	a.meta[a.clientID] = meta{clock: m.clock + 1, lastUpdated: a.clk.Now()}

	var change Change
	switch {
	case state == nil:
		delete(a.states, a.clientID)
		if existed {
			change.Removed = []uint64{a.clientID}
		}
	case !existed || prev == nil:
		a.states[a.clientID] = state
		change.Added = []uint64{a.clientID}
	default:
		a.states[a.clientID] = state
		change.Updated = []uint64{a.clientID}
	}
	if !change.Empty() {
		a.queue = append(a.queue, pendingChange{change: change, origin: "local"})
	}
}

// States returns a copy of every known state keyed by client id.
func (a *Awareness) States() map[uint64]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]State, len(a.states))
	for id, s := range a.states {
		out[id] = copyState(s)
	}
	return out
}

// OnChange registers fn and returns an idempotent function removing it.
func (a *Awareness) OnChange(fn ChangeFunc) (cancel func()) {
	l := &changeListener{fn: fn}
	l.active.Store(true)

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return func() {}
	}
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()

	return func() {
		if !l.active.CompareAndSwap(true, false) {
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		next := make([]*changeListener, 0, len(a.listeners))
		for _, other := range a.listeners {
			if other != l {
				next = append(next, other)
			}
		}
		a.listeners = next
	}
}

// ListenerCount returns the number of registered change listeners.
func (a *Awareness) ListenerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.listeners)
}

// IsDestroyed reports whether Destroy has been called.
func (a *Awareness) IsDestroyed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}

// Destroy clears the local state (peers see the local client leave on the
// next encoded update) and detaches every listener. Later calls are no-ops.
func (a *Awareness) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.setLocalLocked(nil)
	a.drainLocked()

	a.mu.Lock()
	a.destroyed = true
	for _, l := range a.listeners {
		l.active.Store(false)
	}
	a.listeners = nil
	a.queue = nil
	a.mu.Unlock()
	a.logger.Debug("awareness destroyed", "client", a.clientID)
}

// RemoveStates drops the given remote clients, e.g. when the provider
// learns they disconnected. The local client cannot be removed this way.
func (a *Awareness) RemoveStates(clients []uint64, origin any) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	var change Change
	for _, id := range clients {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			change.Removed = append(change.Removed, id)
		}
		if m, ok := a.meta[id]; ok {
			a.meta[id] = meta{clock: m.clock + 1, lastUpdated: a.clk.Now()}
		}
	}
	if !change.Empty() {
		a.queue = append(a.queue, pendingChange{change: change, origin: origin})
	}
	a.drainLocked()
}

// RemoveOutdated drops remote states not refreshed within timeout and
// returns the removed client ids.
func (a *Awareness) RemoveOutdated(timeout time.Duration) []uint64 {
	a.mu.Lock()
	now := a.clk.Now()
	var stale []uint64
	for id, m := range a.meta {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok && now.Sub(m.lastUpdated) >= timeout {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	if len(stale) > 0 {
		a.RemoveStates(stale, "timeout")
	}
	return stale
}

func (a *Awareness) drainLocked() {
	if a.emitting {
		a.mu.Unlock()
		return
	}
	a.emitting = true
	defer func() {
		if r := recover(); r != nil {
			a.mu.Lock()
			a.emitting = false
			a.queue = nil
			a.mu.Unlock()
			panic(r)
		}
	}()

	for len(a.queue) > 0 {
		ev := a.queue[0]
		a.queue = a.queue[1:]
		listeners := a.listeners
		a.mu.Unlock()

		for _, l := range listeners {
			if l.active.Load() {
				l.fn(ev.change, ev.origin)
			}
		}

		a.mu.Lock()
	}
	a.emitting = false
	a.mu.Unlock()
}

// ============================================================================
// Encoding
// ============================================================================

type wireEntry struct {
	Client uint64 `cbor:"1,keyasint"`
	Clock  uint64 `cbor:"2,keyasint"`
	State  State  `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	reflectMapType = reflect.TypeOf(map[string]any(nil))
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("awareness: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflectMapType,
	}.DecMode()
	if err != nil {
		panic("awareness: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeUpdate encodes the states of clients (every known client when
// clients is empty). Removed clients encode with a nil state.
func (a *Awareness) EncodeUpdate(clients []uint64) ([]byte, error) {
	a.mu.Lock()
	if len(clients) == 0 {
		for id := range a.meta {
			clients = append(clients, id)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	entries := make([]wireEntry, 0, len(clients))
	for _, id := range clients {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		entries = append(entries, wireEntry{Client: id, Clock: m.clock, State: copyState(a.states[id])})
	}
	a.mu.Unlock()

	data, err := encMode.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode awareness update: %w", err)
	}
	return data, nil
}

// ApplyUpdate integrates an encoded update from a peer. Entries older than
// what is already known are ignored. An entry for the local client with a
// newer clock is answered by bumping the local clock, so the local state
// wins on the next broadcast.
func (a *Awareness) ApplyUpdate(data []byte, origin any) error {
	var entries []wireEntry
	if err := decMode.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode awareness update: %w", err)
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	now := a.clk.Now()
	var change Change
	for _, e := range entries {
		current, known := a.meta[e.Client]
		if e.Client == a.clientID {
			if e.State == nil && a.states[a.clientID] != nil && e.Clock >= current.clock {
				a.meta[a.clientID] = meta{clock: e.Clock + 1, lastUpdated: now}
			}
			continue
		}
		if known && e.Clock <= current.clock {
			continue
		}
		prev, had := a.states[e.Client]
		a.meta[e.Client] = meta{clock: e.Clock, lastUpdated: now}
		switch {
		case e.State == nil:
			if had {
				delete(a.states, e.Client)
				change.Removed = append(change.Removed, e.Client)
			}
		case !had || prev == nil:
			a.states[e.Client] = e.State
			change.Added = append(change.Added, e.Client)
		default:
			a.states[e.Client] = e.State
			change.Updated = append(change.Updated, e.Client)
		}
	}
	if !change.Empty() {
		a.queue = append(a.queue, pendingChange{change: change, origin: origin})
	}
	a.drainLocked()
	return nil
}

func copyState(s State) State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
