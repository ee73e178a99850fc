package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/flowsync/internal/observable"
	"github.com/roach88/flowsync/internal/transport"
)

const (
	EventRequestCredentials = "request_credentials"
	EventCredentialsUpdated = "credentials_updated"
)

// CredentialOwner is the user a project credential belongs to.
type CredentialOwner struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// ProjectCredential is a credential shared with the project.
type ProjectCredential struct {
	ID                  string           `json:"id"`
	ProjectCredentialID string           `json:"project_credential_id,omitempty"`
	Name                string           `json:"name"`
	Schema              string           `json:"schema,omitempty"`
	ExternalID          string           `json:"external_id,omitempty"`
	Owner               *CredentialOwner `json:"owner,omitempty"`
}

// KeychainCredential selects a credential at run time by path.
type KeychainCredential struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Path                string `json:"path,omitempty"`
	DefaultCredentialID string `json:"default_credential_id,omitempty"`
}

// Credential is the kind-independent view returned by lookups.
type Credential struct {
	ID       string
	Name     string
	Keychain bool
}

// CredentialState is the credential store snapshot. Both lists are sorted
// by name.
type CredentialState struct {
	ProjectCredentials  []ProjectCredential
	KeychainCredentials []KeychainCredential
	Meta
}

// CredentialStore holds the credentials visible to the current project.
type CredentialStore struct {
	state  *observable.Store[CredentialState]
	remote *remote[CredentialState]
}

// NewCredentialStore creates an empty credential store.
func NewCredentialStore(opts ...Option) *CredentialStore {
	cfg := newConfig(opts)
	s := &CredentialStore{
		state: observable.New(CredentialState{
			ProjectCredentials:  []ProjectCredential{},
			KeychainCredentials: []KeychainCredential{},
		}),
	}
	s.remote = &remote[CredentialState]{
		kind:         "credentials",
		requestEvent: EventRequestCredentials,
		updateEvent:  EventCredentialsUpdated,
		state:        s.state,
		meta:         func(st *CredentialState) *Meta { return &st.Meta },
		ingest:       s.ingestPayload,
		cfg:          cfg,
	}
	return s
}

// Snapshot returns the current credential state.
func (s *CredentialStore) Snapshot() CredentialState { return s.state.Snapshot() }

// Subscribe registers fn for state changes.
func (s *CredentialStore) Subscribe(fn func()) (unsubscribe func()) { return s.state.Subscribe(fn) }

// Observable exposes the underlying store for selectors.
func (s *CredentialStore) Observable() *observable.Store[CredentialState] { return s.state }

// SetLoading sets IsLoading.
func (s *CredentialStore) SetLoading(loading bool) { s.remote.setLoading(loading) }

// SetError records msg and clears IsLoading. An empty msg clears the error.
func (s *CredentialStore) SetError(msg string) { s.remote.setError(msg) }

// ClearError clears the error.
func (s *CredentialStore) ClearError() { s.remote.clearError() }

// SetCredentials validates and stores raw records of both kinds.
func (s *CredentialStore) SetCredentials(project, keychain []json.RawMessage) {
	s.remote.apply(mustMarshal(map[string]any{
		"project_credentials":  project,
		"keychain_credentials": keychain,
	}))
}

// RequestCredentials asks the server for the credential lists.
func (s *CredentialStore) RequestCredentials(ctx context.Context) { s.remote.request(ctx) }

// ConnectChannel binds the store to source. See AdaptorStore.ConnectChannel.
func (s *CredentialStore) ConnectChannel(source transport.Channel) (cleanup func()) {
	return s.remote.connect(source)
}

// FindCredentialByID looks up a project credential (by id or
// project_credential_id) and then a keychain credential.
func (s *CredentialStore) FindCredentialByID(id string) (Credential, bool) {
	st := s.state.Snapshot()
	for _, c := range st.ProjectCredentials {
		if c.ID == id || (c.ProjectCredentialID != "" && c.ProjectCredentialID == id) {
			return Credential{ID: c.ID, Name: c.Name}, true
		}
	}
	for _, c := range st.KeychainCredentials {
		if c.ID == id {
			return Credential{ID: c.ID, Name: c.Name, Keychain: true}, true
		}
	}
	return Credential{}, false
}

// FindCredentialByName returns the first credential called name, project
// credentials first.
func (s *CredentialStore) FindCredentialByName(name string) (Credential, bool) {
	st := s.state.Snapshot()
	if i := slices.IndexFunc(st.ProjectCredentials, func(c ProjectCredential) bool { return c.Name == name }); i >= 0 {
		c := st.ProjectCredentials[i]
		return Credential{ID: c.ID, Name: c.Name}, true
	}
	if i := slices.IndexFunc(st.KeychainCredentials, func(c KeychainCredential) bool { return c.Name == name }); i >= 0 {
		c := st.KeychainCredentials[i]
		return Credential{ID: c.ID, Name: c.Name, Keychain: true}, true
	}
	return Credential{}, false
}

func (s *CredentialStore) ingestPayload(payload json.RawMessage) (func(*CredentialState), error) {
	var body struct {
		Project  []json.RawMessage `json:"project_credentials"`
		Keychain []json.RawMessage `json:"keychain_credentials"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("Invalid credentials data: %v", err)
	}

	schema := s.remote.cfg.schema
	project, problems := decodeList[ProjectCredential](schema, "#ProjectCredential", body.Project)
	keychain, more := decodeList[KeychainCredential](schema, "#KeychainCredential", body.Keychain)
	for i := range more {
		more[i] = "keychain " + more[i]
	}
	problems = append(problems, more...)

	sortByName(project, func(c ProjectCredential) string { return c.Name })
	sortByName(keychain, func(c KeychainCredential) string { return c.Name })

	apply := func(st *CredentialState) {
		st.ProjectCredentials = project
		st.KeychainCredentials = keychain
	}
	if len(problems) > 0 {
		return apply, fmt.Errorf("Invalid credentials data: %s", strings.Join(problems, "; "))
	}
	return apply, nil
}
