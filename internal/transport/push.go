package transport

import (
	"encoding/json"
	"sync"
)

// PendingPush is a Push resolved by the transport implementation. It
// enforces the single-outcome rule: only the first Resolve counts.
//
// Thread-safety: PendingPush is safe for concurrent use. Callbacks run on
// the goroutine that calls Resolve (or Receive, if already resolved),
// without the lock held.
type PendingPush struct {
	mu       sync.Mutex
	hooks    map[Status][]func(json.RawMessage)
	resolved bool
	reply    Reply
}

// NewPendingPush creates an unresolved push.
func NewPendingPush() *PendingPush {
	return &PendingPush{hooks: make(map[Status][]func(json.RawMessage))}
}

// Receive implements Push.
func (p *PendingPush) Receive(status Status, cb func(payload json.RawMessage)) Push {
	p.mu.Lock()
	if p.resolved {
		reply := p.reply
		p.mu.Unlock()
		if reply.Status == status {
			cb(reply.Payload)
		}
		return p
	}
	p.hooks[status] = append(p.hooks[status], cb)
	p.mu.Unlock()
	return p
}

// Resolve settles the push and runs the callbacks registered for status.
// Returns false if the push was already resolved.
func (p *PendingPush) Resolve(status Status, payload json.RawMessage) bool {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	p.resolved = true
	p.reply = Reply{Status: status, Payload: payload}
	hooks := p.hooks[status]
	p.hooks = nil
	p.mu.Unlock()

	for _, cb := range hooks {
		cb(payload)
	}
	return true
}

// Result returns the reply once resolved.
func (p *PendingPush) Result() (Reply, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reply, p.resolved
}
