package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/flowsync/internal/clock"
)

func newTestGuard(delay time.Duration) (*Guard, *clock.FakeClock) {
	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(WithClock(c), WithResetDelay(delay)), c
}

func TestGuard_StartsIdle(t *testing.T) {
	g, _ := newTestGuard(time.Millisecond)
	assert.Equal(t, Idle, g.State())
	assert.Equal(t, "idle", g.State().String())
}

func TestGuard_BeginOnlyFromIdle(t *testing.T) {
	g, _ := newTestGuard(time.Millisecond)
	assert.True(t, g.Begin())
	assert.Equal(t, PendingConfirm, g.State())
	assert.False(t, g.Begin(), "second begin while pending is rejected")
}

func TestGuard_DualResolveSameTick(t *testing.T) {
	g, c := newTestGuard(time.Millisecond)
	g.Begin()

	assert.True(t, g.Resolve(), "first resolution wins")
	assert.False(t, g.Resolve(), "second synchronous resolution is a duplicate")
	assert.False(t, g.Cancel(), "cancel right after confirm is a duplicate")
	assert.Equal(t, JustResolved, g.State())

	c.Advance(time.Millisecond)
	assert.Equal(t, Idle, g.State())
}

func TestGuard_StaysJustResolvedUntilTimer(t *testing.T) {
	g, c := newTestGuard(10 * time.Millisecond)
	g.Begin()
	g.Resolve()

	c.Advance(9 * time.Millisecond)
	assert.Equal(t, JustResolved, g.State())
	assert.False(t, g.Begin(), "no new interaction before the reset fires")

	c.Advance(time.Millisecond)
	assert.Equal(t, Idle, g.State())
	assert.True(t, g.Begin(), "new interaction accepted after reset")
}

func TestGuard_ZeroDelayStillUsesTimer(t *testing.T) {
	g, _ := newTestGuard(0)
	g.Begin()
	assert.True(t, g.Resolve())
	// The fake clock runs zero-delay callbacks inline, so the reset has
	// already happened by the time Resolve returns.
	assert.Equal(t, Idle, g.State())
}

func TestGuard_ResolveWithoutBegin(t *testing.T) {
	g, c := newTestGuard(time.Millisecond)
	assert.False(t, g.Resolve())
	assert.Equal(t, Idle, g.State())
	assert.Equal(t, 0, c.Pending())
}

func TestGuard_ResetCancelsTimer(t *testing.T) {
	g, c := newTestGuard(time.Second)
	g.Begin()
	g.Resolve()
	assert.Equal(t, 1, c.Pending())

	g.Reset()
	assert.Equal(t, Idle, g.State())
	assert.Equal(t, 0, c.Pending())

	// A stale timer from the previous generation must not disturb a new
	// interaction.
	g.Begin()
	c.Advance(time.Second)
	assert.Equal(t, PendingConfirm, g.State())
}
