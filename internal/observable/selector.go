package observable

import "sync"

// Select returns a memoized getter for fn over store.
//
// The getter re-runs fn only when the store's state has been replaced since
// the previous call; otherwise it returns the previous result unchanged.
// Memoization is per getter, so each call to Select owns its own cache.
//
// Because Set replaces the state struct shallowly, a selector projecting a
// slice or map that the mutation did not touch still returns the same
// backing data after recomputation.
func Select[S, T any](store *Store[S], fn func(S) T) func() T {
	var (
		mu      sync.Mutex
		seen    bool
		version uint64
		result  T
	)

	return func() T {
		store.mu.Lock()
		current := store.version
		state := store.state
		store.mu.Unlock()

		mu.Lock()
		defer mu.Unlock()
		if seen && current == version {
			return result
		}
		result = fn(state)
		version = current
		seen = true
		return result
	}
}
