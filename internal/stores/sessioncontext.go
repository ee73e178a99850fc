package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/flowsync/internal/observable"
	"github.com/roach88/flowsync/internal/transport"
)

const (
	EventRequestSessionContext = "request_session_context"
	EventSessionContextUpdated = "session_context_updated"
)

// User is the signed-in user.
type User struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	EmailConfirmed bool   `json:"email_confirmed,omitempty"`
	InsertedAt     string `json:"inserted_at,omitempty"`
}

// FullName joins first and last name, falling back to the email.
func (u User) FullName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	default:
		return u.Email
	}
}

// Project is the project the workflow belongs to.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AppConfig carries server-side feature settings.
type AppConfig struct {
	RequireEmailVerification bool `json:"require_email_verification,omitempty"`
}

// SessionContextState is the session-context store snapshot. Nil pointers
// mean the server has not provided the value.
type SessionContextState struct {
	User        *User
	Project     *Project
	Config      *AppConfig
	NewWorkflow bool
	Meta
}

// SessionContextStore holds who is editing, in which project, and the
// server configuration.
type SessionContextStore struct {
	state  *observable.Store[SessionContextState]
	remote *remote[SessionContextState]
}

// NewSessionContextStore creates an empty session-context store.
func NewSessionContextStore(opts ...Option) *SessionContextStore {
	cfg := newConfig(opts)
	s := &SessionContextStore{state: observable.New(SessionContextState{})}
	s.remote = &remote[SessionContextState]{
		kind:         "session context",
		requestEvent: EventRequestSessionContext,
		updateEvent:  EventSessionContextUpdated,
		state:        s.state,
		meta:         func(st *SessionContextState) *Meta { return &st.Meta },
		ingest:       s.ingestPayload,
		cfg:          cfg,
	}
	return s
}

// Snapshot returns the current session context.
func (s *SessionContextStore) Snapshot() SessionContextState { return s.state.Snapshot() }

// Subscribe registers fn for state changes.
func (s *SessionContextStore) Subscribe(fn func()) (unsubscribe func()) { return s.state.Subscribe(fn) }

// Observable exposes the underlying store for selectors.
func (s *SessionContextStore) Observable() *observable.Store[SessionContextState] { return s.state }

// SetLoading sets IsLoading.
func (s *SessionContextStore) SetLoading(loading bool) { s.remote.setLoading(loading) }

// SetError records msg and clears IsLoading. An empty msg clears the error.
func (s *SessionContextStore) SetError(msg string) { s.remote.setError(msg) }

// ClearError clears the error.
func (s *SessionContextStore) ClearError() { s.remote.clearError() }

// SetSessionContext validates and stores a raw {user, project, config}
// payload.
func (s *SessionContextStore) SetSessionContext(payload json.RawMessage) { s.remote.apply(payload) }

// RequestSessionContext asks the server for the session context.
func (s *SessionContextStore) RequestSessionContext(ctx context.Context) { s.remote.request(ctx) }

// ConnectChannel binds the store to source. See AdaptorStore.ConnectChannel.
func (s *SessionContextStore) ConnectChannel(source transport.Channel) (cleanup func()) {
	return s.remote.connect(source)
}

// CurrentUser returns the signed-in user, if known.
func (s *SessionContextStore) CurrentUser() (User, bool) {
	u := s.state.Snapshot().User
	if u == nil {
		return User{}, false
	}
	return *u, true
}

// CurrentProject returns the project, if known.
func (s *SessionContextStore) CurrentProject() (Project, bool) {
	p := s.state.Snapshot().Project
	if p == nil {
		return Project{}, false
	}
	return *p, true
}

// IsNewWorkflow reports whether the workflow has never been saved.
func (s *SessionContextStore) IsNewWorkflow() bool {
	return s.state.Snapshot().NewWorkflow
}

// RequiresEmailVerification reports whether the server requires a
// confirmed email before editing.
func (s *SessionContextStore) RequiresEmailVerification() bool {
	cfg := s.state.Snapshot().Config
	return cfg != nil && cfg.RequireEmailVerification
}

func (s *SessionContextStore) ingestPayload(payload json.RawMessage) (func(*SessionContextState), error) {
	if err := s.remote.cfg.schema.Validate("#SessionContext", payload); err != nil {
		return nil, fmt.Errorf("Invalid session context data: %v", err)
	}
	var body struct {
		User          *User      `json:"user"`
		Project       *Project   `json:"project"`
		Config        *AppConfig `json:"config"`
		IsNewWorkflow bool       `json:"is_new_workflow"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("Invalid session context data: %v", err)
	}
	return func(st *SessionContextState) {
		st.User = body.User
		st.Project = body.Project
		st.Config = body.Config
		st.NewWorkflow = body.IsNewWorkflow
	}, nil
}
