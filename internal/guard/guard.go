// Package guard implements a one-shot interaction latch.
//
// Some UI confirmations fire their resolve callback twice for a single user
// action (for example a dialog's confirm handler and its close handler).
// A plain boolean "already handled" flag cleared synchronously lets the
// second call through; cleared never, it blocks the next real interaction.
// Guard models the latch as an explicit state machine whose return to Idle
// happens on a timer:
//
//	Idle ──Begin──▶ PendingConfirm ──Resolve/Cancel──▶ JustResolved
//	  ▲                                                     │
//	  └──────────────── after ResetDelay ───────────────────┘
//
// While JustResolved, further Resolve or Cancel calls are reported as
// duplicates and ignored. ResetDelay defaults to zero, which still defers
// the reset to a timer callback rather than doing it inline.
package guard

import (
	"sync"
	"time"

	"github.com/roach88/flowsync/internal/clock"
)

// State is the guard's current phase.
type State int

const (
	// Idle accepts a new interaction.
	Idle State = iota
	// PendingConfirm is waiting for the interaction to resolve.
	PendingConfirm
	// JustResolved swallows duplicate resolutions until the reset timer fires.
	JustResolved
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PendingConfirm:
		return "pending-confirm"
	case JustResolved:
		return "just-resolved"
	default:
		return "unknown"
	}
}

// DefaultResetDelay is how long JustResolved lasts.
const DefaultResetDelay = time.Millisecond

// Guard is a one-shot latch. Safe for concurrent use.
type Guard struct {
	mu         sync.Mutex
	state      State
	clock      clock.Clock
	resetDelay time.Duration
	timer      clock.Timer
	generation uint64
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock injects the clock used for the reset timer.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) {
		g.clock = c
	}
}

// WithResetDelay sets how long the guard stays JustResolved.
func WithResetDelay(d time.Duration) Option {
	return func(g *Guard) {
		g.resetDelay = d
	}
}

// New creates an idle Guard.
func New(opts ...Option) *Guard {
	g := &Guard{
		clock:      clock.Real(),
		resetDelay: DefaultResetDelay,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State returns the current phase.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Begin starts an interaction. Returns false unless the guard is Idle.
func (g *Guard) Begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Idle {
		return false
	}
	g.state = PendingConfirm
	return true
}

// Resolve completes the pending interaction. Returns true for the first
// resolution and false for duplicates or when nothing is pending.
func (g *Guard) Resolve() bool {
	return g.settle()
}

// Cancel abandons the pending interaction. It follows the same latch rules
// as Resolve so a cancel arriving right after a confirm is a duplicate.
func (g *Guard) Cancel() bool {
	return g.settle()
}

func (g *Guard) settle() bool {
	g.mu.Lock()
	if g.state != PendingConfirm {
		g.mu.Unlock()
		return false
	}
	g.state = JustResolved
	g.generation++
	gen := g.generation
	delay := g.resetDelay
	g.mu.Unlock()

	// Scheduled outside the lock: a fake clock may run the callback inline.
	timer := g.clock.AfterFunc(delay, func() { g.reset(gen) })

	g.mu.Lock()
	if g.generation == gen && g.state == JustResolved {
		g.timer = timer
	}
	g.mu.Unlock()
	return true
}

func (g *Guard) reset(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.generation != gen || g.state != JustResolved {
		return
	}
	g.state = Idle
	g.timer = nil
}

// Reset forces the guard back to Idle and cancels a pending reset timer.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.generation++
	g.state = Idle
}
