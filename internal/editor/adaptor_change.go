package editor

import (
	"sync"

	"github.com/roach88/flowsync/internal/guard"
	"github.com/roach88/flowsync/internal/stores"
)

// AdaptorChange drives the confirmation shown before a job switches
// adaptor. Confirming applies the new adaptor and clears the job's
// credentials, which belong to the old one.
//
// Dialogs may report one confirmation twice (confirm handler, then close
// handler). The guard turns the second report into a no-op.
type AdaptorChange struct {
	workflow *stores.WorkflowStore
	guard    *guard.Guard

	mu      sync.Mutex
	jobID   string
	adaptor string
}

// NewAdaptorChange creates the flow for jobs of workflow.
func NewAdaptorChange(workflow *stores.WorkflowStore, opts ...guard.Option) *AdaptorChange {
	return &AdaptorChange{workflow: workflow, guard: guard.New(opts...)}
}

// Request opens a confirmation for switching jobID to adaptor. Returns
// false when another confirmation is open or just resolved.
func (c *AdaptorChange) Request(jobID, adaptor string) bool {
	if !c.guard.Begin() {
		return false
	}
	c.mu.Lock()
	c.jobID, c.adaptor = jobID, adaptor
	c.mu.Unlock()
	return true
}

// Pending returns the change awaiting confirmation.
func (c *AdaptorChange) Pending() (jobID, adaptor string, ok bool) {
	if c.guard.State() != guard.PendingConfirm {
		return "", "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobID, c.adaptor, true
}

// Confirm applies the pending change. applied is false for a duplicate
// confirmation or when nothing is pending.
func (c *AdaptorChange) Confirm() (applied bool, err error) {
	if !c.guard.Resolve() {
		return false, nil
	}
	c.mu.Lock()
	jobID, adaptor := c.jobID, c.adaptor
	c.jobID, c.adaptor = "", ""
	c.mu.Unlock()

	none := ""
	err = c.workflow.UpdateJob(jobID, stores.JobPatch{
		Adaptor:              &adaptor,
		ProjectCredentialID:  &none,
		KeychainCredentialID: &none,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Cancel drops the pending change. A cancel right after a confirm is a
// duplicate and returns false.
func (c *AdaptorChange) Cancel() bool {
	if !c.guard.Cancel() {
		return false
	}
	c.mu.Lock()
	c.jobID, c.adaptor = "", ""
	c.mu.Unlock()
	return true
}

// State returns the guard phase.
func (c *AdaptorChange) State() guard.State {
	return c.guard.State()
}

// Reset abandons any pending change and makes the flow idle at once.
func (c *AdaptorChange) Reset() {
	c.guard.Reset()
	c.mu.Lock()
	c.jobID, c.adaptor = "", ""
	c.mu.Unlock()
}
