package stores

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/roach88/flowsync/internal/awareness"
	"github.com/roach88/flowsync/internal/observable"
	"github.com/roach88/flowsync/internal/session"
)

// Cursor is a pointer position in canvas coordinates.
type Cursor struct {
	X float64
	Y float64
}

// AwarenessUser is the presence of one remote peer.
type AwarenessUser struct {
	ClientID uint64
	User     session.LocalUser
	Cursor   *Cursor
	// Selection is the id of the node the peer has selected, or empty.
	Selection string
}

// AwarenessState is the awareness store snapshot. Users holds remote peers
// only, sorted by name then client id.
type AwarenessState struct {
	Users       []AwarenessUser
	LocalUser   *session.LocalUser
	IsConnected bool
	LastUpdated time.Time
}

// AwarenessStore projects an awareness instance into observable state.
// It never owns the awareness it is bound to.
type AwarenessStore struct {
	state *observable.Store[AwarenessState]
	cfg   config

	mu      sync.Mutex
	aw      *awareness.Awareness
	cancel  func()
	binding uint64
}

// NewAwarenessStore creates an unbound awareness store.
func NewAwarenessStore(opts ...Option) *AwarenessStore {
	return &AwarenessStore{
		state: observable.New(AwarenessState{Users: []AwarenessUser{}}),
		cfg:   newConfig(opts),
	}
}

// Snapshot returns the current user list.
func (s *AwarenessStore) Snapshot() AwarenessState { return s.state.Snapshot() }

// Subscribe registers fn for state changes.
func (s *AwarenessStore) Subscribe(fn func()) (unsubscribe func()) { return s.state.Subscribe(fn) }

// Observable exposes the underlying store for selectors.
func (s *AwarenessStore) Observable() *observable.Store[AwarenessState] { return s.state }

// Bind starts projecting aw. Binding again replaces the previous binding.
// The returned cleanup only removes this store's listener.
//
// Panics if aw is nil.
func (s *AwarenessStore) Bind(aw *awareness.Awareness) (cleanup func()) {
	if aw == nil {
		panic("stores: bind awareness: nil awareness")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.binding++
	binding := s.binding
	s.aw = aw
	s.cancel = aw.OnChange(func(awareness.Change, any) { s.refresh(aw) })
	local := s.state.Snapshot().LocalUser
	s.mu.Unlock()

	if local != nil {
		aw.SetLocalStateField("user", local.Fields())
	}
	s.refresh(aw)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.binding != binding {
				return
			}
			s.cancel()
			s.cancel = nil
			s.aw = nil
		})
	}
}

func (s *AwarenessStore) bound() *awareness.Awareness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aw
}

// SetLocalUser records the local user and publishes it.
func (s *AwarenessStore) SetLocalUser(u session.LocalUser) {
	s.state.Set(func(st AwarenessState) AwarenessState {
		st.LocalUser = &u
		return st
	})
	if aw := s.bound(); aw != nil {
		aw.SetLocalStateField("user", u.Fields())
	}
}

// UpdateCursor publishes the local pointer position.
func (s *AwarenessStore) UpdateCursor(x, y float64) {
	if aw := s.bound(); aw != nil {
		aw.SetLocalStateField("cursor", map[string]any{"x": x, "y": y})
	}
}

// ClearCursor removes the local pointer, e.g. when it leaves the canvas.
func (s *AwarenessStore) ClearCursor() {
	if aw := s.bound(); aw != nil {
		aw.SetLocalStateField("cursor", nil)
	}
}

// UpdateSelection publishes the selected node id. Empty clears it.
func (s *AwarenessStore) UpdateSelection(nodeID string) {
	aw := s.bound()
	if aw == nil {
		return
	}
	if nodeID == "" {
		aw.SetLocalStateField("selected", nil)
		return
	}
	aw.SetLocalStateField("selected", nodeID)
}

// SetConnected mirrors the session connection flag.
func (s *AwarenessStore) SetConnected(connected bool) {
	s.state.Update(func(st AwarenessState) (AwarenessState, bool) {
		if st.IsConnected == connected {
			return st, false
		}
		st.IsConnected = connected
		return st, true
	})
}

// UsersSelecting returns the remote users whose selection is nodeID.
func (s *AwarenessStore) UsersSelecting(nodeID string) []AwarenessUser {
	var out []AwarenessUser
	for _, u := range s.state.Snapshot().Users {
		if u.Selection == nodeID {
			out = append(out, u)
		}
	}
	return out
}

func (s *AwarenessStore) refresh(aw *awareness.Awareness) {
	local := aw.ClientID()
	users := make([]AwarenessUser, 0)
	for client, state := range aw.States() {
		if client == local || state == nil {
			continue
		}
		u, ok := presenceFromState(client, state)
		if !ok {
			continue
		}
		users = append(users, u)
	}

	c := newCollator()
	slices.SortFunc(users, func(a, b AwarenessUser) int {
		if n := c.CompareString(a.User.Name, b.User.Name); n != 0 {
			return n
		}
		return cmp.Compare(a.ClientID, b.ClientID)
	})

	now := s.cfg.clock.Now()
	s.state.Update(func(st AwarenessState) (AwarenessState, bool) {
		if slices.EqualFunc(st.Users, users, sameUser) {
			return st, false
		}
		st.Users = users
		st.LastUpdated = now
		return st, true
	})
}

func sameUser(a, b AwarenessUser) bool {
	if a.ClientID != b.ClientID || a.User != b.User || a.Selection != b.Selection {
		return false
	}
	if a.Cursor == nil || b.Cursor == nil {
		return a.Cursor == b.Cursor
	}
	return *a.Cursor == *b.Cursor
}

// presenceFromState reads a peer state. States without a user are
// ignored.
func presenceFromState(client uint64, state awareness.State) (AwarenessUser, bool) {
	user, ok := state["user"].(map[string]any)
	if !ok {
		return AwarenessUser{}, false
	}
	u := AwarenessUser{
		ClientID: client,
		User: session.LocalUser{
			ID:    stringField(user, "id"),
			Name:  stringField(user, "name"),
			Email: stringField(user, "email"),
			Color: stringField(user, "color"),
		},
		Selection: stringField(state, "selected"),
	}
	if cursor, ok := state["cursor"].(map[string]any); ok {
		x, okX := number(cursor["x"])
		y, okY := number(cursor["y"])
		if okX && okY {
			u.Cursor = &Cursor{X: x, Y: y}
		}
	}
	return u, true
}

func stringField[M ~map[string]any](m M, key string) string {
	s, _ := m[key].(string)
	return s
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
