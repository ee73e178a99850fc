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
	EventRequestAdaptors = "request_adaptors"
	EventAdaptorsUpdated = "adaptors_updated"
)

// AdaptorVersion is one published version of an adaptor.
type AdaptorVersion struct {
	Version string `json:"version"`
}

// Adaptor is a connector package jobs run with.
type Adaptor struct {
	Name     string           `json:"name"`
	Versions []AdaptorVersion `json:"versions"`
	Repo     string           `json:"repo,omitempty"`
	Latest   string           `json:"latest,omitempty"`
}

// AdaptorState is the adaptor store snapshot. Adaptors are sorted by name,
// and each adaptor's versions newest first.
type AdaptorState struct {
	Adaptors []Adaptor
	Meta
}

// AdaptorStore holds the adaptor catalog fetched from the server.
type AdaptorStore struct {
	state  *observable.Store[AdaptorState]
	remote *remote[AdaptorState]
}

// NewAdaptorStore creates an empty adaptor store.
func NewAdaptorStore(opts ...Option) *AdaptorStore {
	cfg := newConfig(opts)
	s := &AdaptorStore{
		state: observable.New(AdaptorState{Adaptors: []Adaptor{}}),
	}
	s.remote = &remote[AdaptorState]{
		kind:         "adaptors",
		requestEvent: EventRequestAdaptors,
		updateEvent:  EventAdaptorsUpdated,
		state:        s.state,
		meta:         func(st *AdaptorState) *Meta { return &st.Meta },
		ingest:       s.ingestPayload,
		cfg:          cfg,
	}
	return s
}

// Snapshot returns the current state.
func (s *AdaptorStore) Snapshot() AdaptorState { return s.state.Snapshot() }

// Subscribe registers fn for state changes.
func (s *AdaptorStore) Subscribe(fn func()) (unsubscribe func()) { return s.state.Subscribe(fn) }

// Observable exposes the underlying store for selectors.
func (s *AdaptorStore) Observable() *observable.Store[AdaptorState] { return s.state }

// SetLoading sets IsLoading.
func (s *AdaptorStore) SetLoading(loading bool) { s.remote.setLoading(loading) }

// SetError records msg and clears IsLoading. An empty msg clears the error.
func (s *AdaptorStore) SetError(msg string) { s.remote.setError(msg) }

// ClearError clears the error.
func (s *AdaptorStore) ClearError() { s.remote.clearError() }

// SetAdaptors validates and stores raw adaptor records.
func (s *AdaptorStore) SetAdaptors(items []json.RawMessage) {
	s.remote.apply(mustMarshal(map[string]any{"adaptors": items}))
}

// RequestAdaptors asks the server for the catalog and waits for the reply
// or ctx.
func (s *AdaptorStore) RequestAdaptors(ctx context.Context) { s.remote.request(ctx) }

// ConnectChannel binds the store to a channel: it listens for
// adaptors_updated pushes and requests the catalog once in the background.
// The returned cleanup is idempotent.
//
// Panics if source is nil.
func (s *AdaptorStore) ConnectChannel(source transport.Channel) (cleanup func()) {
	return s.remote.connect(source)
}

// FindAdaptorByName returns the adaptor called name.
func (s *AdaptorStore) FindAdaptorByName(name string) (Adaptor, bool) {
	adaptors := s.state.Snapshot().Adaptors
	i := slices.IndexFunc(adaptors, func(a Adaptor) bool { return a.Name == name })
	if i < 0 {
		return Adaptor{}, false
	}
	return adaptors[i], true
}

// GetLatestVersion returns the first of name's sorted versions. The
// server's latest field is not consulted.
func (s *AdaptorStore) GetLatestVersion(name string) (string, bool) {
	a, ok := s.FindAdaptorByName(name)
	if !ok || len(a.Versions) == 0 {
		return "", false
	}
	return a.Versions[0].Version, true
}

// GetVersions returns the versions of name, newest first. Never nil.
func (s *AdaptorStore) GetVersions(name string) []AdaptorVersion {
	a, ok := s.FindAdaptorByName(name)
	if !ok || a.Versions == nil {
		return []AdaptorVersion{}
	}
	return a.Versions
}

func (s *AdaptorStore) ingestPayload(payload json.RawMessage) (func(*AdaptorState), error) {
	var body struct {
		Adaptors []json.RawMessage `json:"adaptors"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("Invalid adaptors data: %v", err)
	}

	adaptors, problems := decodeList[Adaptor](s.remote.cfg.schema, "#Adaptor", body.Adaptors)
	for i := range adaptors {
		if adaptors[i].Versions == nil {
			adaptors[i].Versions = []AdaptorVersion{}
		}
		slices.SortStableFunc(adaptors[i].Versions, func(a, b AdaptorVersion) int {
			return compareVersionsDesc(a.Version, b.Version)
		})
	}
	sortByName(adaptors, func(a Adaptor) string { return a.Name })

	apply := func(st *AdaptorState) { st.Adaptors = adaptors }
	if len(problems) > 0 {
		return apply, fmt.Errorf("Invalid adaptors data: %s", strings.Join(problems, "; "))
	}
	return apply, nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("stores: marshal: %v", err))
	}
	return data
}
