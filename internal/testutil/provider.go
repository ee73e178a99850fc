package testutil

import (
	"errors"
	"sync"

	"github.com/roach88/flowsync/internal/awareness"
	"github.com/roach88/flowsync/internal/provider"
	"github.com/roach88/flowsync/internal/transport"
	"github.com/roach88/flowsync/internal/ydoc"
)

// FakeProvider is a provider.Handle driven by the test.
type FakeProvider struct {
	Room    string
	Doc     *ydoc.Doc
	Options provider.Options

	channel *FakeChannel
	aw      *awareness.Awareness

	mu        sync.Mutex
	synced    bool
	destroyed int
	statusFns map[int]func(provider.Status)
	syncFns   map[int]func(bool)
	nextID    int

	// OnDestroy runs inside Destroy, before the provider marks itself
	// destroyed.
	OnDestroy func()
}

var _ provider.Handle = (*FakeProvider)(nil)

// Channel implements provider.Handle.
func (p *FakeProvider) Channel() transport.RoomChannel { return p.channel }

// FakeChannel returns the channel with its concrete type.
func (p *FakeProvider) FakeChannel() *FakeChannel { return p.channel }

// Awareness implements provider.Handle.
func (p *FakeProvider) Awareness() *awareness.Awareness { return p.aw }

// IsSynced implements provider.Handle.
func (p *FakeProvider) IsSynced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// OnStatus implements provider.Handle.
func (p *FakeProvider) OnStatus(fn func(provider.Status)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.statusFns[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.statusFns, id)
		p.mu.Unlock()
	}
}

// OnSync implements provider.Handle.
func (p *FakeProvider) OnSync(fn func(bool)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.syncFns[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.syncFns, id)
		p.mu.Unlock()
	}
}

// Destroy implements provider.Handle.
func (p *FakeProvider) Destroy() {
	if p.OnDestroy != nil {
		p.OnDestroy()
	}
	p.mu.Lock()
	p.destroyed++
	p.mu.Unlock()
}

// DestroyCount returns how many times Destroy was called.
func (p *FakeProvider) DestroyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// ListenerCount returns the number of status and sync listeners.
func (p *FakeProvider) ListenerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.statusFns) + len(p.syncFns)
}

// EmitStatus delivers a status event. Connected also marks the channel
// joined; disconnected clears synced.
func (p *FakeProvider) EmitStatus(status provider.Status) {
	p.channel.SetJoined(status == provider.StatusConnected)
	p.mu.Lock()
	if status == provider.StatusDisconnected {
		p.synced = false
	}
	fns := make([]func(provider.Status), 0, len(p.statusFns))
	for id := 1; id <= p.nextID; id++ {
		if fn, ok := p.statusFns[id]; ok {
			fns = append(fns, fn)
		}
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(status)
	}
}

// EmitSync delivers a sync event.
func (p *FakeProvider) EmitSync(synced bool) {
	p.mu.Lock()
	p.synced = synced
	fns := make([]func(bool), 0, len(p.syncFns))
	for id := 1; id <= p.nextID; id++ {
		if fn, ok := p.syncFns[id]; ok {
			fns = append(fns, fn)
		}
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(synced)
	}
}

// ErrFactory is returned by a FakeFactory with Fail set.
var ErrFactory = errors.New("fake provider factory failure")

// FakeFactory builds FakeProviders and remembers them.
type FakeFactory struct {
	mu      sync.Mutex
	created []*FakeProvider

	// Fail makes New return ErrFactory.
	Fail bool

	// Joined makes new providers start with a joined channel.
	Joined bool
}

// New implements provider.Factory.
func (f *FakeFactory) New(socket transport.Socket, roomID string, doc *ydoc.Doc, opts provider.Options) (provider.Handle, error) {
	if f.Fail {
		return nil, ErrFactory
	}
	aw := opts.Awareness
	if aw == nil {
		aw = awareness.New(doc)
	}
	ch := NewFakeChannel(provider.Topic(roomID))
	p := &FakeProvider{
		Room:      roomID,
		Doc:       doc,
		Options:   opts,
		channel:   ch,
		aw:        aw,
		statusFns: make(map[int]func(provider.Status)),
		syncFns:   make(map[int]func(bool)),
	}
	if f.Joined {
		ch.SetJoined(true)
	}

	f.mu.Lock()
	f.created = append(f.created, p)
	f.mu.Unlock()
	return p, nil
}

// Created returns every provider built so far.
func (f *FakeFactory) Created() []*FakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeProvider(nil), f.created...)
}

// Last returns the most recent provider, or nil.
func (f *FakeFactory) Last() *FakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}
