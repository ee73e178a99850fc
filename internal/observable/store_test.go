package observable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState struct {
	Count int
	Items []string
	Tags  []string
}

// =============================================================================
// Snapshot / Set
// =============================================================================

func TestStore_SnapshotReturnsInitial(t *testing.T) {
	s := New(testState{Count: 3})
	assert.Equal(t, 3, s.Snapshot().Count)
	assert.Equal(t, uint64(0), s.Version())
}

func TestStore_SetReplacesState(t *testing.T) {
	s := New(testState{})
	s.Set(func(st testState) testState {
		st.Count++
		return st
	})
	assert.Equal(t, 1, s.Snapshot().Count)
	assert.Equal(t, uint64(1), s.Version())

	s.Replace(testState{Count: 42})
	assert.Equal(t, 42, s.Snapshot().Count)
	assert.Equal(t, uint64(2), s.Version())
}

func TestStore_OldSnapshotUnaffectedBySet(t *testing.T) {
	s := New(testState{Items: []string{"a"}})
	before := s.Snapshot()

	s.Set(func(st testState) testState {
		st.Items = append(append([]string(nil), st.Items...), "b")
		return st
	})

	assert.Equal(t, []string{"a"}, before.Items)
	assert.Equal(t, []string{"a", "b"}, s.Snapshot().Items)
}

// =============================================================================
// Subscribe / notify
// =============================================================================

func TestStore_ExactlyOneNotificationPerSet(t *testing.T) {
	s := New(testState{})
	calls := 0
	s.Subscribe(func() { calls++ })

	for i := 0; i < 7; i++ {
		s.Set(func(st testState) testState {
			st.Count++
			return st
		})
	}

	assert.Equal(t, 7, calls)
}

func TestStore_NotifiesInSubscriptionOrder(t *testing.T) {
	s := New(testState{})
	var order []string
	s.Subscribe(func() { order = append(order, "first") })
	s.Subscribe(func() { order = append(order, "second") })
	s.Subscribe(func() { order = append(order, "third") })

	s.Replace(testState{Count: 1})

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestStore_ListenerSeesCommittedState(t *testing.T) {
	s := New(testState{})
	var seen int
	s.Subscribe(func() { seen = s.Snapshot().Count })

	s.Replace(testState{Count: 9})
	assert.Equal(t, 9, seen)
}

func TestStore_UnsubscribeStopsNotifications(t *testing.T) {
	s := New(testState{})
	calls := 0
	unsubscribe := s.Subscribe(func() { calls++ })

	s.Replace(testState{Count: 1})
	unsubscribe()
	s.Replace(testState{Count: 2})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, s.ListenerCount())
}

func TestStore_UnsubscribeTwiceIsNoOp(t *testing.T) {
	s := New(testState{})
	unsubscribe := s.Subscribe(func() {})
	other := 0
	s.Subscribe(func() { other++ })

	unsubscribe()
	assert.NotPanics(t, unsubscribe)
	assert.Equal(t, 1, s.ListenerCount(), "second unsubscribe must not remove another listener")

	s.Replace(testState{})
	assert.Equal(t, 1, other)
}

func TestStore_SubscribeDuringNotificationDeferredToNextRound(t *testing.T) {
	s := New(testState{})
	lateCalls := 0
	subscribed := false
	s.Subscribe(func() {
		if !subscribed {
			subscribed = true
			s.Subscribe(func() { lateCalls++ })
		}
	})

	s.Replace(testState{Count: 1})
	assert.Equal(t, 0, lateCalls, "listener added mid-round must not hear that round")

	s.Replace(testState{Count: 2})
	assert.Equal(t, 1, lateCalls)
}

func TestStore_UnsubscribeDuringNotification(t *testing.T) {
	s := New(testState{})
	var order []string
	var unsubscribeSecond func()

	s.Subscribe(func() {
		order = append(order, "first")
		unsubscribeSecond()
	})
	unsubscribeSecond = s.Subscribe(func() { order = append(order, "second") })
	s.Subscribe(func() { order = append(order, "third") })

	s.Replace(testState{Count: 1})
	s.Replace(testState{Count: 2})

	assert.Equal(t, []string{"first", "third", "first", "third"}, order)
}

func TestStore_SetFromListenerQueuesNextRound(t *testing.T) {
	s := New(testState{})
	var seen []int
	s.Subscribe(func() {
		count := s.Snapshot().Count
		seen = append(seen, count)
		if count == 1 {
			s.Set(func(st testState) testState {
				st.Count = 2
				return st
			})
		}
	})

	s.Replace(testState{Count: 1})

	assert.Equal(t, []int{1, 2}, seen, "reentrant set delivers its own round after the current one")
}

func TestStore_ListenerPanicDoesNotWedgeStore(t *testing.T) {
	s := New(testState{})
	shouldPanic := true
	calls := 0
	s.Subscribe(func() {
		calls++
		if shouldPanic {
			panic("boom")
		}
	})

	require.Panics(t, func() { s.Replace(testState{Count: 1}) })

	shouldPanic = false
	s.Replace(testState{Count: 2})
	assert.Equal(t, 2, calls)
}

func TestStore_ConcurrentSetsAllNotified(t *testing.T) {
	s := New(testState{})
	var mu sync.Mutex
	calls := 0
	s.Subscribe(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Set(func(st testState) testState {
				st.Count++
				return st
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, s.Snapshot().Count)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 50, calls)
}

func TestStore_UpdateSkipsUnchanged(t *testing.T) {
	s := New(testState{Count: 1})
	calls := 0
	s.Subscribe(func() { calls++ })

	changed := s.Update(func(st testState) (testState, bool) { return st, false })
	assert.False(t, changed)
	assert.Equal(t, 0, calls)
	assert.Equal(t, uint64(0), s.Version())

	changed = s.Update(func(st testState) (testState, bool) {
		st.Count = 2
		return st, true
	})
	assert.True(t, changed)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, s.Snapshot().Count)
}
