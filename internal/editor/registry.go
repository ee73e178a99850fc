// Package editor assembles the stores of one editor session.
//
// A Registry is constructed once per session and handed by reference to
// every consumer. It owns nothing global: two registries are two fully
// independent sessions.
//
// The registry follows the session store. Whenever the session publishes a
// new document, awareness or provider channel, the domain stores are
// rebound to it; bindings to the previous ones are released first.
package editor

import (
	"log/slog"
	"sync"

	"github.com/roach88/flowsync/internal/awareness"
	"github.com/roach88/flowsync/internal/guard"
	"github.com/roach88/flowsync/internal/session"
	"github.com/roach88/flowsync/internal/stores"
	"github.com/roach88/flowsync/internal/transport"
	"github.com/roach88/flowsync/internal/ydoc"
)

// Registry holds the stores of one editor session.
//
// Thread-safety: Registry is safe for concurrent use. The exported store
// fields are set by New and never reassigned.
type Registry struct {
	Session        *session.Store
	Workflow       *stores.WorkflowStore
	Adaptors       *stores.AdaptorStore
	Credentials    *stores.CredentialStore
	SessionContext *stores.SessionContextStore
	Awareness      *stores.AwarenessStore
	AdaptorChange  *AdaptorChange

	logger *slog.Logger

	mu          sync.Mutex
	doc         *ydoc.Doc
	aw          *awareness.Awareness
	channel     transport.Channel
	connected   bool
	unbindDoc   func()
	unbindAw    func()
	disconnect  []func()
	unsubscribe func()
	closed      bool
}

type config struct {
	logger      *slog.Logger
	sessionOpts []session.Option
	storeOpts   []stores.Option
	guardOpts   []guard.Option
}

// Option configures a Registry.
type Option func(*config)

// WithLogger sets the logger shared by the session and every store.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithSessionOptions passes options to the session store.
func WithSessionOptions(opts ...session.Option) Option {
	return func(c *config) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// WithStoreOptions passes options to every domain store.
func WithStoreOptions(opts ...stores.Option) Option {
	return func(c *config) { c.storeOpts = append(c.storeOpts, opts...) }
}

// WithGuardOptions passes options to the adaptor change guard.
func WithGuardOptions(opts ...guard.Option) Option {
	return func(c *config) { c.guardOpts = append(c.guardOpts, opts...) }
}

// New creates a registry with an idle session.
func New(opts ...Option) *Registry {
	cfg := config{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	sessionOpts := append([]session.Option{session.WithLogger(cfg.logger)}, cfg.sessionOpts...)
	storeOpts := append([]stores.Option{stores.WithLogger(cfg.logger)}, cfg.storeOpts...)

	r := &Registry{
		Session:        session.New(sessionOpts...),
		Workflow:       stores.NewWorkflowStore(storeOpts...),
		Adaptors:       stores.NewAdaptorStore(storeOpts...),
		Credentials:    stores.NewCredentialStore(storeOpts...),
		SessionContext: stores.NewSessionContextStore(storeOpts...),
		Awareness:      stores.NewAwarenessStore(storeOpts...),
		logger:         cfg.logger,
	}
	r.AdaptorChange = NewAdaptorChange(r.Workflow, cfg.guardOpts...)
	r.unsubscribe = r.Session.Subscribe(r.follow)
	r.follow()
	return r
}

// follow rebinds the domain stores to the current session state.
func (r *Registry) follow() {
	st := r.Session.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	if st.Document != r.doc {
		if r.unbindDoc != nil {
			r.unbindDoc()
			r.unbindDoc = nil
		}
		r.doc = st.Document
		if r.doc != nil {
			r.unbindDoc = r.Workflow.Bind(r.doc)
		}
		r.logger.Debug("workflow store rebound", "bound", r.doc != nil)
	}

	if st.Awareness != r.aw {
		if r.unbindAw != nil {
			r.unbindAw()
			r.unbindAw = nil
		}
		r.aw = st.Awareness
		if r.aw != nil {
			r.unbindAw = r.Awareness.Bind(r.aw)
		}
		r.logger.Debug("awareness store rebound", "bound", r.aw != nil)
	}

	var ch transport.Channel
	if st.Provider != nil {
		if rc := st.Provider.Channel(); rc != nil {
			ch = rc
		}
	}
	if ch != r.channel {
		r.releaseChannelLocked()
		r.channel = ch
		if ch != nil {
			r.disconnect = []func(){
				r.Adaptors.ConnectChannel(ch),
				r.Credentials.ConnectChannel(ch),
				r.SessionContext.ConnectChannel(ch),
			}
		}
		r.logger.Debug("remote stores rebound", "bound", ch != nil)
	}

	if st.IsConnected != r.connected {
		r.connected = st.IsConnected
		r.Awareness.SetConnected(st.IsConnected)
	}
}

func (r *Registry) releaseChannelLocked() {
	for _, cleanup := range r.disconnect {
		cleanup()
	}
	r.disconnect = nil
}

// Close destroys the session and releases every binding. Safe to call
// more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.unsubscribe()
	if r.unbindDoc != nil {
		r.unbindDoc()
		r.unbindDoc = nil
	}
	if r.unbindAw != nil {
		r.unbindAw()
		r.unbindAw = nil
	}
	r.releaseChannelLocked()
	r.doc, r.aw, r.channel = nil, nil, nil
	r.mu.Unlock()

	r.AdaptorChange.Reset()
	r.Session.DestroySession()
	r.logger.Info("editor closed")
}
