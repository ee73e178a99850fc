package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/flowsync/internal/observable"
	"github.com/roach88/flowsync/internal/transport"
)

// Meta is the loading/error bookkeeping shared by the stores that fetch
// their data over the channel.
type Meta struct {
	IsLoading bool
	// Error is empty when there is no error.
	Error string
	// LastUpdated is zero until the first successful ingestion.
	LastUpdated time.Time
}

// ingestFunc parses a server payload. It returns the state edit to apply
// (nil keeps the current data) and the validation error to surface.
type ingestFunc[S any] func(payload json.RawMessage) (apply func(*S), err error)

// remote implements the request/listen pipeline of a channel-backed store:
// one request event answered with ok/error/timeout, plus a server-pushed
// update event carrying the same payload shape.
type remote[S any] struct {
	kind         string // "adaptors", "credentials", ...
	requestEvent string
	updateEvent  string

	state  *observable.Store[S]
	meta   func(*S) *Meta
	ingest ingestFunc[S]
	cfg    config

	mu      sync.Mutex
	channel transport.Channel
	ref     transport.Ref
	binding uint64

	inflight sync.WaitGroup
}

func (r *remote[S]) setLoading(loading bool) {
	r.state.Set(func(st S) S {
		r.meta(&st).IsLoading = loading
		return st
	})
}

func (r *remote[S]) setError(msg string) {
	r.state.Set(func(st S) S {
		m := r.meta(&st)
		m.Error = msg
		m.IsLoading = false
		return st
	})
}

func (r *remote[S]) clearError() {
	r.setError("")
}

// apply runs payload through ingest and commits the outcome in one Set.
func (r *remote[S]) apply(payload json.RawMessage) {
	edit, err := r.ingest(payload)
	if err != nil {
		r.cfg.logger.Warn("dropped invalid records",
			"kind", r.kind,
			"error", err)
	}
	now := r.cfg.clock.Now()
	r.state.Set(func(st S) S {
		if edit != nil {
			edit(&st)
		}
		m := r.meta(&st)
		m.IsLoading = false
		if err != nil {
			m.Error = err.Error()
		} else {
			m.Error = ""
		}
		if edit != nil {
			m.LastUpdated = now
		}
		return st
	})
}

func (r *remote[S]) current() transport.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel
}

// request pushes the request event and applies its single outcome.
func (r *remote[S]) request(ctx context.Context) {
	ch := r.current()
	if ch == nil {
		r.setError(fmt.Sprintf("No connection available to request %s", r.kind))
		return
	}

	r.setLoading(true)
	r.cfg.logger.Debug("requesting", "kind", r.kind, "event", r.requestEvent)

	reply := transport.Request(ctx, ch, r.requestEvent, map[string]any{})
	switch reply.Status {
	case transport.StatusOK:
		r.apply(reply.Payload)
	case transport.StatusError:
		reason := reply.Reason()
		r.cfg.logger.Error("request failed", "kind", r.kind, "reason", reason)
		r.setError(fmt.Sprintf("Failed to request %s: %s", r.kind, reason))
	default:
		r.cfg.logger.Error("request timed out", "kind", r.kind)
		r.setError(fmt.Sprintf("Request timed out while loading %s", r.kind))
	}
}

// connect binds source, listens for server pushes and starts one request
// in the background. It replaces any previous binding.
func (r *remote[S]) connect(source transport.Channel) (cleanup func()) {
	if source == nil {
		panic(fmt.Sprintf("stores: connect %s: nil channel", r.kind))
	}

	r.mu.Lock()
	if r.channel != nil {
		r.channel.Off(r.updateEvent, r.ref)
	}
	r.binding++
	binding := r.binding
	r.channel = source
	r.ref = source.On(r.updateEvent, r.apply)
	r.mu.Unlock()

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		r.request(context.Background())
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.binding != binding {
				return
			}
			r.channel.Off(r.updateEvent, r.ref)
			r.channel = nil
			r.ref = 0
		})
	}
}

// wait blocks until background requests started by connect finish.
func (r *remote[S]) wait() {
	r.inflight.Wait()
}

// decodeList parses a JSON array of records, validating each against
// definition. Invalid records are skipped and reported together.
func decodeList[T any](schema *Schema, definition string, items []json.RawMessage) ([]T, []string) {
	out := make([]T, 0, len(items))
	var problems []string
	for i, raw := range items {
		if err := schema.Validate(definition, raw); err != nil {
			problems = append(problems, fmt.Sprintf("item %d: %v", i, err))
			continue
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			problems = append(problems, fmt.Sprintf("item %d: %v", i, err))
			continue
		}
		out = append(out, v)
	}
	return out, problems
}
