package ydoc

import "sync/atomic"

// ID identifies one operation (and the element it created, if any).
//
// IDs are totally ordered by Clock, then Client. The zero ID means "none",
// e.g. an insert at the head of a sequence has a zero Origin.
type ID struct {
	Client uint64 `cbor:"1,keyasint"`
	Clock  uint64 `cbor:"2,keyasint"`
}

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool {
	return id.Client == 0 && id.Clock == 0
}

// Less reports whether id orders before other.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

// lamport is the replica's logical clock.
//
// Local operations take the next value; remote operations push the clock
// forward with Observe, so every local operation is ordered after every
// operation this replica has seen.
//
// Thread-safety: lamport is safe for concurrent use (atomic operations).
type lamport struct {
	seq atomic.Uint64
}

// Next reserves n consecutive clock values and returns the first.
func (c *lamport) Next(n uint64) uint64 {
	if n == 0 {
		n = 1
	}
	return c.seq.Add(n) - n + 1
}

// Observe advances the clock to at least seen.
func (c *lamport) Observe(seen uint64) {
	for {
		current := c.seq.Load()
		if current >= seen {
			return
		}
		if c.seq.CompareAndSwap(current, seen) {
			return
		}
	}
}

// Current returns the last value handed out or observed.
func (c *lamport) Current() uint64 {
	return c.seq.Load()
}
