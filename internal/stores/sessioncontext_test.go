package stores

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsync/internal/testutil"
)

func TestSessionContextStore_Set(t *testing.T) {
	s := NewSessionContextStore()
	s.SetSessionContext(json.RawMessage(`{
		"user": {"id": "u1", "email": "ada@example.com", "first_name": "Ada", "last_name": "Lovelace"},
		"project": {"id": "p1", "name": "Payments"},
		"config": {"require_email_verification": true},
		"is_new_workflow": true
	}`))

	st := s.Snapshot()
	require.Empty(t, st.Error)
	u, ok := s.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "Ada Lovelace", u.FullName())
	p, ok := s.CurrentProject()
	require.True(t, ok)
	assert.Equal(t, "Payments", p.Name)
	assert.True(t, s.IsNewWorkflow())
	assert.True(t, s.RequiresEmailVerification())
}

func TestSessionContextStore_InvalidKeepsPrevious(t *testing.T) {
	s := NewSessionContextStore()
	s.SetSessionContext(json.RawMessage(`{"user":{"id":"u1","email":"a@b.c"},"project":null,"config":{}}`))
	require.Empty(t, s.Snapshot().Error)

	s.SetSessionContext(json.RawMessage(`{"user":{"email":"a@b.c"},"project":null,"config":{}}`))

	st := s.Snapshot()
	assert.Contains(t, st.Error, "Invalid session context data")
	require.NotNil(t, st.User)
	assert.Equal(t, "u1", st.User.ID)
	_, ok := s.CurrentProject()
	assert.False(t, ok)
}

func TestSessionContextStore_UpdatedEvent(t *testing.T) {
	s := NewSessionContextStore()
	ch := testutil.NewFakeChannel("workflow:room")
	ch.ReplyOK(EventRequestSessionContext, map[string]any{"user": nil, "project": nil, "config": map[string]any{}})
	cleanup := s.ConnectChannel(ch)
	defer cleanup()
	s.remote.wait()

	_, ok := s.CurrentUser()
	assert.False(t, ok)

	ch.Emit(EventSessionContextUpdated, map[string]any{
		"user":    map[string]any{"id": "u2", "email": "grace@example.com"},
		"project": nil,
		"config":  map[string]any{},
	})
	u, ok := s.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "grace@example.com", u.FullName())
}
