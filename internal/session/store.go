// Package session owns the collaborative session: the shared document, the
// provider binding it to a room, and the local awareness.
//
// The Store exposes connection and sync status as observable state. Domain
// stores read the document and awareness from it by reference and never
// destroy them; only the session store tears them down.
//
// # Lifecycle
//
//	idle -> document-ready -> connecting -> connected -> synced
//
// InitializeDocument creates the document, CreateProvider binds it to a
// room, and provider status/sync events move the state forward. Teardown
// (DisconnectProvider, DestroySession, or re-initialization) destroys
// awareness, then provider, then document, detaches every handler this
// store registered, and publishes the idle state in one notification.
//
// Every command publishes at most one notification. Commands are
// serialized; provider events may arrive from other goroutines and are
// folded idempotently. Events from a provider generation that has been
// replaced are dropped.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/flowsync/internal/awareness"
	"github.com/roach88/flowsync/internal/observable"
	"github.com/roach88/flowsync/internal/provider"
	"github.com/roach88/flowsync/internal/transport"
	"github.com/roach88/flowsync/internal/ydoc"
)

// Persistence keeps document updates offline per room.
//
// Bind loads what is stored for roomID into doc and records every later
// update. The returned function stops recording.
type Persistence interface {
	Bind(ctx context.Context, roomID string, doc *ydoc.Doc) (unbind func(), err error)
}

// ProviderOptions configures CreateProvider and InitializeSession.
type ProviderOptions struct {
	// Awareness to reuse. When nil, the previously stored awareness is
	// reused, else the provider creates one.
	Awareness *awareness.Awareness

	// Params are sent with the channel join.
	Params map[string]any
}

// Option configures a Store.
type Option func(*Store)

// WithProviderFactory replaces provider.New.
func WithProviderFactory(f provider.Factory) Option {
	return func(s *Store) { s.factory = f }
}

// WithPersistence enables offline persistence.
func WithPersistence(p Persistence) Option {
	return func(s *Store) { s.persistence = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the session store.
type Store struct {
	state       *observable.Store[State]
	factory     provider.Factory
	persistence Persistence
	logger      *slog.Logger

	// mu serializes lifecycle commands.
	mu       sync.Mutex
	handlers []func()
	unbind   func()

	// generation changes whenever the provider is replaced or torn down.
	generation atomic.Uint64

	// early holds events of the current generation that arrived before its
	// provider was committed. Guarded by earlyMu, which is only taken inside
	// state updates.
	earlyMu sync.Mutex
	early   []providerEvent
}

// providerEvent is a status or sync event folded into State.
type providerEvent struct {
	status provider.Status // empty for sync events
	synced bool
}

// New creates an idle session store.
func New(opts ...Option) *Store {
	s := &Store{
		state:   observable.New(State{}),
		factory: provider.New,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State { return s.state.Snapshot() }

// Subscribe registers fn for state changes.
func (s *Store) Subscribe(fn func()) (unsubscribe func()) { return s.state.Subscribe(fn) }

// Observable exposes the underlying store for selectors.
func (s *Store) Observable() *observable.Store[State] { return s.state }

// Status returns the derived lifecycle state.
func (s *Store) Status() Status { return s.state.Snapshot().Status() }

// IsReady reports whether the document is connected and synced.
func (s *Store) IsReady() bool { return s.Status() == StatusSynced }

// Document returns the current document, or nil.
func (s *Store) Document() *ydoc.Doc { return s.state.Snapshot().Document }

// Awareness returns the current awareness, or nil.
func (s *Store) Awareness() *awareness.Awareness { return s.state.Snapshot().Awareness }

// InitializeDocument tears down any existing session and creates a fresh
// document.
func (s *Store) InitializeDocument() *ydoc.Doc {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardownLocked(s.state.Snapshot())
	doc := ydoc.New()
	s.state.Replace(State{Document: doc})
	s.logger.Info("document initialized", "client", doc.ClientID())
	return doc
}

// CreateProvider binds the current document to roomID over socket,
// destroying any previous provider first.
func (s *Store) CreateProvider(socket transport.Socket, roomID string, opts ProviderOptions) (provider.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Snapshot()
	if cur.Document == nil {
		return nil, errNoDocument
	}
	if !transport.Usable(socket) {
		return nil, errNoTransport
	}

	next, err := s.createProviderLocked(cur, socket, roomID, opts)
	s.commitLocked(next)
	if err != nil {
		return nil, err
	}
	return next.Provider, nil
}

// InitializeSession ensures a document exists (reusing the current one),
// creates the provider and publishes the local user's presence. A nil
// socket, including a typed nil, fails before anything is touched.
func (s *Store) InitializeSession(socket transport.Socket, roomID string, user *LocalUser, opts ProviderOptions) (*ydoc.Doc, provider.Handle, error) {
	if !transport.Usable(socket) {
		return nil, nil, errNoTransport
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Snapshot()
	if cur.Document == nil {
		cur = State{Document: ydoc.New()}
	}

	next, err := s.createProviderLocked(cur, socket, roomID, opts)
	if err != nil {
		s.commitLocked(next)
		return nil, nil, err
	}
	if user != nil && next.Awareness != nil {
		next.Awareness.SetLocalState(user.awarenessState())
	}
	next = s.commitLocked(next)
	s.logger.Info("session initialized", "room", roomID)
	return next.Document, next.Provider, nil
}

// DisconnectProvider tears the session down to idle. It is equivalent to
// DestroySession.
func (s *Store) DisconnectProvider() {
	s.destroy("provider disconnected")
}

// DestroySession tears the session down to idle. Safe to call repeatedly
// and on a never-initialized store.
func (s *Store) DestroySession() {
	s.destroy("session destroyed")
}

func (s *Store) destroy(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Snapshot()
	s.teardownLocked(cur)
	s.state.Update(func(st State) (State, bool) {
		return State{}, !isIdle(st)
	})
	if !isIdle(cur) {
		s.logger.Info(reason)
	}
}

// createProviderLocked replaces the provider of cur. Nothing is published;
// the caller commits the returned state with commitLocked. On error the
// returned state keeps the document without provider or awareness.
func (s *Store) createProviderLocked(cur State, socket transport.Socket, roomID string, opts ProviderOptions) (State, error) {
	s.detachLocked()

	aw := opts.Awareness
	if aw == nil {
		aw = cur.Awareness
	}
	if cur.Provider != nil {
		cur.Provider.Destroy()
	}

	if s.persistence != nil {
		if s.unbind != nil {
			s.unbind()
			s.unbind = nil
		}
		unbind, err := s.persistence.Bind(context.Background(), roomID, cur.Document)
		if err != nil {
			s.logger.Warn("offline persistence unavailable", "room", roomID, "error", err)
		} else {
			s.unbind = unbind
		}
	}

	p, err := s.factory(socket, roomID, cur.Document, provider.Options{
		Awareness: aw,
		Params:    opts.Params,
		Logger:    s.logger,
	})
	if err != nil {
		if aw != nil && aw != opts.Awareness {
			aw.Destroy()
		}
		s.logger.Error("provider creation failed", "room", roomID, "error", err)
		return State{Document: cur.Document}, fmt.Errorf("create provider for room %q: %w", roomID, err)
	}

	gen := s.generation.Load()
	s.handlers = append(s.handlers,
		p.OnStatus(func(st provider.Status) { s.handleEvent(gen, p, providerEvent{status: st}) }),
		p.OnSync(func(synced bool) { s.handleEvent(gen, p, providerEvent{synced: synced}) }),
	)

	next := State{
		Document:  cur.Document,
		Provider:  p,
		Awareness: p.Awareness(),
	}
	if ch := p.Channel(); ch != nil && ch.IsJoined() {
		next.IsConnected = true
		next.IsSynced = p.IsSynced()
		next.LastStatus = provider.StatusConnected
	}
	s.logger.Info("provider created", "room", roomID)
	return next, nil
}

// commitLocked publishes next, folding in the events its provider emitted
// since its handlers were registered. Returns the published state.
func (s *Store) commitLocked(next State) State {
	s.state.Update(func(State) (State, bool) {
		s.earlyMu.Lock()
		early := s.early
		s.early = nil
		s.earlyMu.Unlock()
		if next.Provider != nil {
			for _, ev := range early {
				next = fold(next, ev)
			}
		}
		return next, true
	})
	return next
}

// detachLocked drops this store's provider handlers and retires the
// current generation.
func (s *Store) detachLocked() {
	s.generation.Add(1)
	for _, cancel := range s.handlers {
		cancel()
	}
	s.handlers = nil
	s.earlyMu.Lock()
	s.early = nil
	s.earlyMu.Unlock()
}

// teardownLocked destroys awareness, provider and document, in that order.
func (s *Store) teardownLocked(cur State) {
	s.detachLocked()
	if s.unbind != nil {
		s.unbind()
		s.unbind = nil
	}
	if cur.Awareness != nil {
		cur.Awareness.Destroy()
	}
	if cur.Provider != nil {
		cur.Provider.Destroy()
	}
	if cur.Document != nil {
		cur.Document.Destroy()
	}
}

// handleEvent folds a provider event into the state. Events of a retired
// generation are dropped; events of a provider not committed yet are kept
// for commitLocked.
func (s *Store) handleEvent(gen uint64, p provider.Handle, ev providerEvent) {
	if ev.status != "" {
		s.logger.Debug("provider status", "status", ev.status)
	} else {
		s.logger.Debug("provider sync", "synced", ev.synced)
	}
	s.state.Update(func(cur State) (State, bool) {
		if s.generation.Load() != gen {
			return cur, false
		}
		if cur.Provider != p {
			s.earlyMu.Lock()
			s.early = append(s.early, ev)
			s.earlyMu.Unlock()
			return cur, false
		}
		next := fold(cur, ev)
		return next, next != cur
	})
}

// fold applies one provider event to cur. A sync report while disconnected
// is ignored.
func fold(cur State, ev providerEvent) State {
	next := cur
	switch ev.status {
	case "":
		if ev.synced && !cur.IsConnected {
			return cur
		}
		next.IsSynced = ev.synced
	case provider.StatusConnected:
		next.LastStatus = ev.status
		if cur.LastStatus == provider.StatusDisconnected {
			next.IsSynced = false
		}
		next.IsConnected = true
	case provider.StatusDisconnected:
		next.LastStatus = ev.status
		next.IsConnected = false
		next.IsSynced = false
	default:
		next.LastStatus = ev.status
	}
	return next
}

func isIdle(st State) bool {
	return st.Document == nil && st.Provider == nil && st.Awareness == nil &&
		!st.IsConnected && !st.IsSynced && st.LastStatus == ""
}
