package session

import (
	"github.com/roach88/flowsync/internal/awareness"
	"github.com/roach88/flowsync/internal/provider"
	"github.com/roach88/flowsync/internal/ydoc"
)

// State is the session snapshot.
//
// Awareness is non-nil only while Provider is non-nil. IsSynced implies
// IsConnected. LastStatus is empty until the provider reports a status.
type State struct {
	Document    *ydoc.Doc
	Provider    provider.Handle
	Awareness   *awareness.Awareness
	IsConnected bool
	IsSynced    bool
	LastStatus  provider.Status
}

// Status is the derived lifecycle state.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusDocumentReady Status = "document-ready"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusSynced        Status = "synced"
)

// Status derives the lifecycle state from s.
func (s State) Status() Status {
	switch {
	case s.Document == nil:
		return StatusIdle
	case s.Provider == nil:
		return StatusDocumentReady
	case !s.IsConnected:
		return StatusConnecting
	case !s.IsSynced:
		return StatusConnected
	default:
		return StatusSynced
	}
}

// LocalUser describes the local participant for awareness.
type LocalUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Color string `json:"color,omitempty"`
}

// Fields returns u as the "user" field of a presence state.
func (u LocalUser) Fields() map[string]any {
	user := map[string]any{"id": u.ID, "name": u.Name}
	if u.Email != "" {
		user["email"] = u.Email
	}
	if u.Color != "" {
		user["color"] = u.Color
	}
	return user
}

// awarenessState is the presence record published for u.
func (u LocalUser) awarenessState() awareness.State {
	return awareness.State{"user": u.Fields()}
}
