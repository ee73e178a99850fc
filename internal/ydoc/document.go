package ydoc

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// ErrDestroyed is returned by operations on a destroyed document.
var ErrDestroyed = errors.New("ydoc: document destroyed")

// UpdateFunc observes committed updates. origin is the value passed to
// Transact or ApplyUpdate; providers use it to avoid echoing remote
// updates back to their source.
type UpdateFunc func(u Update, origin any)

type updateListener struct {
	fn     UpdateFunc
	active atomic.Bool
}

type pendingEvent struct {
	update Update
	origin any
}

// Doc is a replicated document.
type Doc struct {
	mu sync.Mutex

	clientID uint64
	clock    lamport

	arrays  map[string]*Array
	maps    map[string]*Map
	objects map[ID]any

	log     []Op
	applied map[ID]struct{}
	vector  StateVector
	parked  []Op

	listeners        []*updateListener
	destroyListeners []func()
	events           []pendingEvent
	emitting         bool
	destroyed        bool
}

// Option configures a Doc.
type Option func(*Doc)

// WithClientID sets the replica's client id. Client ids must be unique
// among replicas editing the same document; the default is random.
func WithClientID(id uint64) Option {
	return func(d *Doc) {
		if id != 0 {
			d.clientID = id
		}
	}
}

// New creates an empty document.
func New(opts ...Option) *Doc {
	d := &Doc{
		arrays:  make(map[string]*Array),
		maps:    make(map[string]*Map),
		objects: make(map[ID]any),
		applied: make(map[ID]struct{}),
		vector:  StateVector{},
	}
	for _, opt := range opts {
		opt(d)
	}
	for d.clientID == 0 {
		d.clientID = rand.Uint64()
	}
	return d
}

// ClientID returns the replica's client id.
func (d *Doc) ClientID() uint64 { return d.clientID }

// IsDestroyed reports whether Destroy has been called.
func (d *Doc) IsDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Array returns the top-level Array with the given name, creating it if
// needed.
func (d *Doc) Array(name string) *Array {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.array(name)
}

// Map returns the top-level Map with the given name, creating it if needed.
func (d *Doc) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rootMap(name)
}

func (d *Doc) array(name string) *Array {
	a, ok := d.arrays[name]
	if !ok {
		a = newArray(d, name)
		d.arrays[name] = a
	}
	return a
}

func (d *Doc) rootMap(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = newMap(d, ID{}, name)
		d.maps[name] = m
	}
	return m
}

// Transact runs fn as one transaction. Every change made through tx is
// delivered to update listeners as a single Update after fn returns.
//
// Changes are applied as they are made; if fn returns an error, the changes
// made before the error are kept and still emitted.
func (d *Doc) Transact(origin any, fn func(tx *Tx) error) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}

	tx := &Tx{doc: d}
	err := func() error {
		defer func() {
			if r := recover(); r != nil {
				d.mu.Unlock()
				panic(r)
			}
		}()
		return fn(tx)
	}()
	if len(tx.ops) > 0 {
		d.log = append(d.log, tx.ops...)
		d.events = append(d.events, pendingEvent{update: Update{Ops: tx.ops}, origin: origin})
	}
	d.drainLocked()
	return err
}

// View runs fn with a read-only transaction holding the document lock.
// Mutating methods on tx panic.
func (d *Doc) View(fn func(tx *Tx)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&Tx{doc: d, readOnly: true})
}

// OnUpdate registers fn for committed updates and returns a function that
// removes it. The returned function is idempotent.
func (d *Doc) OnUpdate(fn UpdateFunc) (cancel func()) {
	l := &updateListener{fn: fn}
	l.active.Store(true)

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return func() {}
	}
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()

	return func() {
		if !l.active.CompareAndSwap(true, false) {
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		next := make([]*updateListener, 0, len(d.listeners))
		for _, other := range d.listeners {
			if other != l {
				next = append(next, other)
			}
		}
		d.listeners = next
	}
}

// OnDestroy registers fn to run once when the document is destroyed.
func (d *Doc) OnDestroy(fn func()) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		fn()
		return
	}
	d.destroyListeners = append(d.destroyListeners, fn)
	d.mu.Unlock()
}

// Destroy detaches every update listener and runs destroy listeners. Later
// calls are no-ops; transactions and updates on a destroyed document fail
// with ErrDestroyed.
func (d *Doc) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	for _, l := range d.listeners {
		l.active.Store(false)
	}
	d.listeners = nil
	d.events = nil
	hooks := d.destroyListeners
	d.destroyListeners = nil
	d.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// drainLocked delivers queued events one at a time with the lock released.
// Called with d.mu held; returns with it released. A transaction committed
// from inside a listener queues its event and returns; the outer drain
// delivers it after the current event.
func (d *Doc) drainLocked() {
	if d.emitting {
		d.mu.Unlock()
		return
	}
	d.emitting = true
	defer func() {
		if r := recover(); r != nil {
			d.mu.Lock()
			d.emitting = false
			d.events = nil
			d.mu.Unlock()
			panic(r)
		}
	}()

	for len(d.events) > 0 {
		ev := d.events[0]
		d.events = d.events[1:]
		listeners := d.listeners
		d.mu.Unlock()

		for _, l := range listeners {
			if l.active.Load() {
				l.fn(ev.update, ev.origin)
			}
		}

		d.mu.Lock()
	}
	d.emitting = false
	d.mu.Unlock()
}

// StateVector returns a copy of the per-client clocks integrated so far.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(d.vector))
	for k, v := range d.vector {
		sv[k] = v
	}
	return sv
}

// EncodeStateVector returns the encoded state vector.
func (d *Doc) EncodeStateVector() ([]byte, error) {
	return d.StateVector().Encode()
}

// Diff returns the operations a peer with state vector sv is missing.
func (d *Doc) Diff(sv StateVector) Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	var u Update
	for _, op := range d.log {
		if op.ID.Clock > sv[op.ID.Client] {
			u.Ops = append(u.Ops, op)
		}
	}
	return u
}

// EncodeStateAsUpdate encodes every operation missing from the peer whose
// encoded state vector is given. An empty vector yields the whole document.
func (d *Doc) EncodeStateAsUpdate(encodedVector []byte) ([]byte, error) {
	sv, err := DecodeStateVector(encodedVector)
	if err != nil {
		return nil, err
	}
	return d.Diff(sv).Encode()
}

// ApplyUpdate decodes and integrates an encoded update.
func (d *Doc) ApplyUpdate(data []byte, origin any) error {
	u, err := DecodeUpdate(data)
	if err != nil {
		return err
	}
	return d.Apply(u, origin)
}

// Apply integrates u. Operations already integrated are skipped, so
// applying the same update twice is a no-op. Operations whose dependencies
// are unknown are parked and retried on later updates.
func (d *Doc) Apply(u Update, origin any) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}

	var integrated []Op
	var firstErr error
	queue := append(append([]Op(nil), d.parked...), u.Ops...)
	d.parked = nil

	for progress := true; progress && len(queue) > 0; {
		progress = false
		var retry []Op
		for _, op := range queue {
			if _, ok := d.applied[op.ID]; ok {
				continue
			}
			err := d.integrate(op)
			switch {
			case err == nil:
				d.record(op)
				integrated = append(integrated, op)
				progress = true
			case errors.Is(err, errMissingDependency):
				retry = append(retry, op)
			default:
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		queue = retry
	}
	d.parked = queue

	if len(integrated) > 0 {
		d.log = append(d.log, integrated...)
		d.events = append(d.events, pendingEvent{update: Update{Ops: integrated}, origin: origin})
	}
	d.drainLocked()
	return firstErr
}

// Parked returns the number of operations waiting for dependencies.
func (d *Doc) Parked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.parked)
}

func (d *Doc) record(op Op) {
	d.applied[op.ID] = struct{}{}
	last := op.lastClock()
	if last > d.vector[op.ID.Client] {
		d.vector[op.ID.Client] = last
	}
	d.clock.Observe(last)
}

// integrate applies op to the in-memory structure. Called with d.mu held.
func (d *Doc) integrate(op Op) error {
	switch op.Kind {
	case OpInsert:
		if op.Target.Root == "" {
			return fmt.Errorf("ydoc: insert without root target")
		}
		arr := d.array(op.Target.Root)
		if arr.seq.has(op.ID) {
			return nil
		}
		rec := newMap(d, op.ID, "")
		if err := arr.seq.integrate(&seqItem[*Map]{id: op.ID, origin: op.Origin, value: rec}); err != nil {
			return err
		}
		d.objects[op.ID] = rec
		return nil

	case OpDelete:
		if op.Target.Root != "" {
			seq := d.array(op.Target.Root).seq
			for _, ref := range op.Refs {
				if !seq.has(ref) {
					return errMissingDependency
				}
			}
			for _, ref := range op.Refs {
				_ = seq.remove(ref)
			}
			return nil
		}
		text, ok := d.objects[op.Target.Obj].(*Text)
		if !ok {
			return errMissingDependency
		}
		for _, ref := range op.Refs {
			if !text.seq.has(ref) {
				return errMissingDependency
			}
		}
		for _, ref := range op.Refs {
			_ = text.seq.remove(ref)
		}
		return nil

	case OpSet, OpUnset:
		m, err := d.resolveMap(op.Target)
		if err != nil {
			return err
		}
		if op.Kind == OpUnset {
			m.apply(op.Key, nil, op.ID, true)
			return nil
		}
		m.apply(op.Key, d.materialize(op), op.ID, false)
		return nil

	case OpText:
		text, ok := d.objects[op.Target.Obj].(*Text)
		if !ok {
			return errMissingDependency
		}
		if !op.Origin.IsZero() && !text.seq.has(op.Origin) {
			return errMissingDependency
		}
		origin := op.Origin
		for i, r := range []rune(op.Text) {
			id := ID{Client: op.ID.Client, Clock: op.ID.Clock + uint64(i)}
			if err := text.seq.integrate(&seqItem[rune]{id: id, origin: origin, value: r}); err != nil {
				return err
			}
			origin = id
		}
		return nil

	default:
		return fmt.Errorf("ydoc: unknown operation kind %d", op.Kind)
	}
}

func (d *Doc) resolveMap(t Target) (*Map, error) {
	if t.Root != "" {
		return d.rootMap(t.Root), nil
	}
	m, ok := d.objects[t.Obj].(*Map)
	if !ok {
		return nil, errMissingDependency
	}
	return m, nil
}

// materialize converts the wire value of a set operation into the stored
// value, creating the nested object for Text and Map values.
func (d *Doc) materialize(op Op) any {
	switch op.Value.Kind {
	case KindString:
		return op.Value.Str
	case KindNumber:
		return op.Value.Num
	case KindBool:
		return op.Value.Bool
	case KindText:
		if t, ok := d.objects[op.ID].(*Text); ok {
			return t
		}
		t := newText(d, op.ID)
		d.objects[op.ID] = t
		return t
	case KindMap:
		if m, ok := d.objects[op.ID].(*Map); ok {
			return m
		}
		m := newMap(d, op.ID, "")
		d.objects[op.ID] = m
		return m
	default:
		return nil
	}
}
