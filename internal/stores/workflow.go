package stores

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/flowsync/internal/graph"
	"github.com/roach88/flowsync/internal/observable"
	"github.com/roach88/flowsync/internal/ydoc"
)

// WorkflowState is the workflow store snapshot. Everything but the
// selection is a projection of the shared document.
type WorkflowState struct {
	Workflow  WorkflowMeta
	Jobs      []Job
	Triggers  []Trigger
	Edges     []Edge
	Positions map[string]Position

	// Local selection. At most one of the two is set.
	SelectedNodeID string
	SelectedEdgeID string
}

// JobInput describes a job to add. Empty ID means generate one.
type JobInput struct {
	ID                   string
	Name                 string
	Adaptor              string
	Body                 string
	Disabled             bool
	ProjectCredentialID  string
	KeychainCredentialID string
}

// JobPatch lists job fields to change. Nil fields are left alone; an empty
// credential id clears the credential.
type JobPatch struct {
	Name                 *string
	Adaptor              *string
	Body                 *string
	Enabled              *bool
	ProjectCredentialID  *string
	KeychainCredentialID *string
}

// TriggerInput describes a trigger to add. Type defaults to webhook.
type TriggerInput struct {
	ID             string
	Type           string
	CronExpression string
	Disabled       bool
}

// TriggerPatch lists trigger fields to change.
type TriggerPatch struct {
	Type           *string
	CronExpression *string
	Enabled        *bool
}

// EdgeInput describes an edge to add. Set exactly one source. An empty
// ConditionType defaults to "always" from a trigger and "on_job_success"
// from a job.
type EdgeInput struct {
	ID                  string
	SourceTriggerID     string
	SourceJobID         string
	TargetJobID         string
	ConditionType       string
	ConditionLabel      string
	ConditionExpression string
	Disabled            bool
}

// EdgePatch lists edge fields to change. Endpoints are immutable; remove
// and add the edge instead.
type EdgePatch struct {
	ConditionType       *string
	ConditionLabel      *string
	ConditionExpression *string
	Enabled             *bool
}

// WorkflowPatch lists workflow fields to change.
type WorkflowPatch struct {
	Name        *string
	LockVersion *int
}

// WorkflowStore projects the shared document into observable state and
// turns editor commands into document transactions. Each command is one
// transaction, so subscribers never see a half-applied change.
//
// The store never owns the document it is bound to.
type WorkflowStore struct {
	state *observable.Store[WorkflowState]
	cfg   config

	mu      sync.Mutex
	doc     *ydoc.Doc
	cancel  func()
	binding uint64
}

// NewWorkflowStore creates an unbound workflow store.
func NewWorkflowStore(opts ...Option) *WorkflowStore {
	return &WorkflowStore{
		state: observable.New(WorkflowState{
			Jobs:      []Job{},
			Triggers:  []Trigger{},
			Edges:     []Edge{},
			Positions: map[string]Position{},
		}),
		cfg: newConfig(opts),
	}
}

// Snapshot returns the current workflow projection.
func (s *WorkflowStore) Snapshot() WorkflowState { return s.state.Snapshot() }

// Subscribe registers fn for state changes.
func (s *WorkflowStore) Subscribe(fn func()) (unsubscribe func()) { return s.state.Subscribe(fn) }

// Observable exposes the underlying store for selectors.
func (s *WorkflowStore) Observable() *observable.Store[WorkflowState] { return s.state }

// Bind projects doc and routes commands to it. Binding again replaces the
// previous binding. The returned cleanup only removes this store's
// listener; it is idempotent.
//
// Panics if doc is nil.
func (s *WorkflowStore) Bind(doc *ydoc.Doc) (cleanup func()) {
	if doc == nil {
		panic("stores: bind workflow: nil document")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.binding++
	binding := s.binding
	s.doc = doc
	s.cancel = doc.OnUpdate(func(ydoc.Update, any) { s.refresh(doc) })
	s.mu.Unlock()

	s.refresh(doc)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.binding != binding {
				return
			}
			s.cancel()
			s.cancel = nil
			s.doc = nil
		})
	}
}

func (s *WorkflowStore) bound() *ydoc.Doc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// transact runs fn as one document transaction with the store as origin.
func (s *WorkflowStore) transact(fn func(tx *ydoc.Tx) error) error {
	doc := s.bound()
	if doc == nil {
		return errNotBound
	}
	return doc.Transact(s, fn)
}

// refresh rebuilds the projection. Slices that did not change keep their
// previous backing arrays so selectors over them stay stable.
func (s *WorkflowStore) refresh(doc *ydoc.Doc) {
	var next WorkflowDocument
	doc.View(func(tx *ydoc.Tx) { next = readDocument(tx) })

	s.state.Update(func(st WorkflowState) (WorkflowState, bool) {
		changed := false
		if st.Workflow != next.Workflow {
			st.Workflow = next.Workflow
			changed = true
		}
		if !slices.Equal(st.Jobs, next.Jobs) {
			st.Jobs = next.Jobs
			changed = true
		}
		if !slices.Equal(st.Triggers, next.Triggers) {
			st.Triggers = next.Triggers
			changed = true
		}
		if !slices.Equal(st.Edges, next.Edges) {
			st.Edges = next.Edges
			changed = true
		}
		if !maps.Equal(st.Positions, next.Positions) {
			st.Positions = next.Positions
			changed = true
		}
		if st.SelectedNodeID != "" && !hasNode(st, st.SelectedNodeID) {
			st.SelectedNodeID = ""
			changed = true
		}
		if st.SelectedEdgeID != "" && !slices.ContainsFunc(st.Edges, func(e Edge) bool { return e.ID == st.SelectedEdgeID }) {
			st.SelectedEdgeID = ""
			changed = true
		}
		return st, changed
	})
}

func hasNode(st WorkflowState, id string) bool {
	return slices.ContainsFunc(st.Jobs, func(j Job) bool { return j.ID == id }) ||
		slices.ContainsFunc(st.Triggers, func(t Trigger) bool { return t.ID == id })
}

func (s *WorkflowStore) newID(id string) string {
	if id != "" {
		return id
	}
	return s.cfg.ids.Generate()
}

// =============================================================================
// Jobs
// =============================================================================

// AddJob appends a job and returns it.
func (s *WorkflowStore) AddJob(in JobInput) (Job, error) {
	job := Job{
		ID:                   s.newID(in.ID),
		Name:                 in.Name,
		Adaptor:              in.Adaptor,
		Body:                 in.Body,
		Enabled:              !in.Disabled,
		ProjectCredentialID:  in.ProjectCredentialID,
		KeychainCredentialID: in.KeychainCredentialID,
	}
	err := s.transact(func(tx *ydoc.Tx) error {
		if nodeExists(tx, job.ID) {
			return invalidRecord(job.ID, "duplicate node id")
		}
		tx.Push(tx.Array(collectionJobs), jobRecord(job))
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	s.cfg.logger.Debug("job added", "id", job.ID, "name", job.Name)
	return job, nil
}

// UpdateJob changes the fields set in patch.
func (s *WorkflowStore) UpdateJob(id string, patch JobPatch) error {
	return s.transact(func(tx *ydoc.Tx) error {
		_, m := tx.Find(tx.Array(collectionJobs), "id", id)
		if m == nil {
			return notFound("job", id)
		}
		if patch.Name != nil {
			tx.Set(m, "name", *patch.Name)
		}
		if patch.Adaptor != nil {
			tx.Set(m, "adaptor", *patch.Adaptor)
		}
		if patch.Body != nil {
			replaceBody(tx, m, *patch.Body)
		}
		if patch.Enabled != nil {
			tx.Set(m, "enabled", *patch.Enabled)
		}
		if patch.ProjectCredentialID != nil {
			tx.Set(m, "project_credential_id", nullable(*patch.ProjectCredentialID))
		}
		if patch.KeychainCredentialID != nil {
			tx.Set(m, "keychain_credential_id", nullable(*patch.KeychainCredentialID))
		}
		return nil
	})
}

// UpdateJobBody replaces the whole body of a job.
func (s *WorkflowStore) UpdateJobBody(id, body string) error {
	return s.UpdateJob(id, JobPatch{Body: &body})
}

// SpliceJobBody deletes n runes at pos in a job body and inserts text
// there. Concurrent splices from different replicas merge.
func (s *WorkflowStore) SpliceJobBody(id string, pos, n int, text string) error {
	return s.transact(func(tx *ydoc.Tx) error {
		_, m := tx.Find(tx.Array(collectionJobs), "id", id)
		if m == nil {
			return notFound("job", id)
		}
		body := bodyText(tx, m)
		if n > 0 {
			tx.DeleteText(body, pos, n)
		}
		tx.InsertText(body, pos, text)
		return nil
	})
}

func bodyText(tx *ydoc.Tx, m *ydoc.Map) *ydoc.Text {
	if v, ok := tx.Get(m, "body"); ok {
		if t, ok := v.(*ydoc.Text); ok {
			return t
		}
	}
	tx.Set(m, "body", ydoc.NewText(""))
	v, _ := tx.Get(m, "body")
	return v.(*ydoc.Text)
}

func replaceBody(tx *ydoc.Tx, m *ydoc.Map, body string) {
	tx.ReplaceText(bodyText(tx, m), body)
}

// RemoveJob deletes a job together with every edge touching it and its
// position.
func (s *WorkflowStore) RemoveJob(id string) error {
	err := s.transact(func(tx *ydoc.Tx) error {
		jobs := tx.Array(collectionJobs)
		if i, _ := tx.Find(jobs, "id", id); i < 0 {
			return notFound("job", id)
		}
		tx.DeleteWhere(tx.Array(collectionEdges), func(m *ydoc.Map) bool {
			return tx.GetString(m, "source_job_id") == id || tx.GetString(m, "target_job_id") == id
		})
		tx.DeleteWhere(jobs, func(m *ydoc.Map) bool { return tx.GetString(m, "id") == id })
		tx.Unset(tx.Map(collectionPositions), id)
		return nil
	})
	if err == nil {
		s.cfg.logger.Debug("job removed", "id", id)
	}
	return err
}

// =============================================================================
// Triggers
// =============================================================================

// AddTrigger appends a trigger and returns it.
func (s *WorkflowStore) AddTrigger(in TriggerInput) (Trigger, error) {
	t := Trigger{
		ID:      s.newID(in.ID),
		Type:    in.Type,
		Enabled: !in.Disabled,
	}
	if t.Type == "" {
		t.Type = TriggerWebhook
	}
	if t.Type == TriggerCron {
		t.CronExpression = in.CronExpression
		if t.CronExpression == "" {
			t.CronExpression = DefaultCronExpression
		}
	}
	err := s.transact(func(tx *ydoc.Tx) error {
		if nodeExists(tx, t.ID) {
			return invalidRecord(t.ID, "duplicate node id")
		}
		tx.Push(tx.Array(collectionTriggers), triggerRecord(t))
		return nil
	})
	if err != nil {
		return Trigger{}, err
	}
	return t, nil
}

// UpdateTrigger changes the fields set in patch. Switching away from cron
// clears the expression.
func (s *WorkflowStore) UpdateTrigger(id string, patch TriggerPatch) error {
	return s.transact(func(tx *ydoc.Tx) error {
		_, m := tx.Find(tx.Array(collectionTriggers), "id", id)
		if m == nil {
			return notFound("trigger", id)
		}
		typ := tx.GetString(m, "type")
		if patch.Type != nil {
			typ = *patch.Type
			tx.Set(m, "type", typ)
		}
		switch {
		case typ != TriggerCron:
			tx.Set(m, "cron_expression", nil)
		case patch.CronExpression != nil:
			tx.Set(m, "cron_expression", nullable(*patch.CronExpression))
		case tx.GetString(m, "cron_expression") == "":
			tx.Set(m, "cron_expression", DefaultCronExpression)
		}
		if patch.Enabled != nil {
			tx.Set(m, "enabled", *patch.Enabled)
		}
		return nil
	})
}

// RemoveTrigger deletes a trigger with its outgoing edges and position.
func (s *WorkflowStore) RemoveTrigger(id string) error {
	return s.transact(func(tx *ydoc.Tx) error {
		triggers := tx.Array(collectionTriggers)
		if i, _ := tx.Find(triggers, "id", id); i < 0 {
			return notFound("trigger", id)
		}
		tx.DeleteWhere(tx.Array(collectionEdges), func(m *ydoc.Map) bool {
			return tx.GetString(m, "source_trigger_id") == id
		})
		tx.DeleteWhere(triggers, func(m *ydoc.Map) bool { return tx.GetString(m, "id") == id })
		tx.Unset(tx.Map(collectionPositions), id)
		return nil
	})
}

// =============================================================================
// Edges
// =============================================================================

// AddEdge validates the connection against the current graph and appends
// the edge. Illegal connections fail with a *graph.DropError and leave the
// document untouched.
func (s *WorkflowStore) AddEdge(in EdgeInput) (Edge, error) {
	if (in.SourceTriggerID == "") == (in.SourceJobID == "") {
		return Edge{}, invalidRecord(in.ID, "edge needs exactly one source")
	}
	e := Edge{
		ID:                  s.newID(in.ID),
		SourceTriggerID:     in.SourceTriggerID,
		SourceJobID:         in.SourceJobID,
		TargetJobID:         in.TargetJobID,
		ConditionType:       in.ConditionType,
		ConditionLabel:      in.ConditionLabel,
		ConditionExpression: in.ConditionExpression,
		Enabled:             !in.Disabled,
	}
	if e.ConditionType == "" {
		e.ConditionType = ConditionOnSuccess
		if e.SourceTriggerID != "" {
			e.ConditionType = ConditionAlways
		}
	}

	err := s.transact(func(tx *ydoc.Tx) error {
		current := readDocument(tx)
		if err := graph.ValidateNewEdge(current.Graph(), e.Source(), e.TargetJobID); err != nil {
			return err
		}
		if err := checkEndpoints(e, nodeTypes(current)); err != nil {
			return err
		}
		if i, _ := tx.Find(tx.Array(collectionEdges), "id", e.ID); i >= 0 {
			return invalidRecord(e.ID, "duplicate edge id")
		}
		tx.Push(tx.Array(collectionEdges), edgeRecord(e))
		return nil
	})
	if err != nil {
		s.cfg.logger.Debug("edge rejected", "source", e.Source(), "target", e.TargetJobID, "error", err)
		return Edge{}, err
	}
	return e, nil
}

// UpdateEdge changes the fields set in patch.
func (s *WorkflowStore) UpdateEdge(id string, patch EdgePatch) error {
	return s.transact(func(tx *ydoc.Tx) error {
		_, m := tx.Find(tx.Array(collectionEdges), "id", id)
		if m == nil {
			return notFound("edge", id)
		}
		if patch.ConditionType != nil {
			tx.Set(m, "condition_type", *patch.ConditionType)
		}
		if patch.ConditionLabel != nil {
			tx.Set(m, "condition_label", nullable(*patch.ConditionLabel))
		}
		if patch.ConditionExpression != nil {
			tx.Set(m, "condition_expression", nullable(*patch.ConditionExpression))
		}
		if patch.Enabled != nil {
			tx.Set(m, "enabled", *patch.Enabled)
		}
		return nil
	})
}

// RemoveEdge deletes an edge.
func (s *WorkflowStore) RemoveEdge(id string) error {
	return s.transact(func(tx *ydoc.Tx) error {
		if tx.DeleteWhere(tx.Array(collectionEdges), func(m *ydoc.Map) bool {
			return tx.GetString(m, "id") == id
		}) == 0 {
			return notFound("edge", id)
		}
		return nil
	})
}

// =============================================================================
// Positions and workflow
// =============================================================================

// UpdatePosition moves one node.
func (s *WorkflowStore) UpdatePosition(id string, p Position) error {
	return s.UpdatePositions(map[string]Position{id: p})
}

// UpdatePositions moves several nodes in one transaction.
func (s *WorkflowStore) UpdatePositions(positions map[string]Position) error {
	return s.transact(func(tx *ydoc.Tx) error {
		m := tx.Map(collectionPositions)
		for _, id := range slices.Sorted(maps.Keys(positions)) {
			tx.Set(m, id, positionRecord(positions[id]))
		}
		return nil
	})
}

// UpdateWorkflow changes the workflow record.
func (s *WorkflowStore) UpdateWorkflow(patch WorkflowPatch) error {
	return s.transact(func(tx *ydoc.Tx) error {
		m := tx.Map(collectionWorkflow)
		if patch.Name != nil {
			tx.Set(m, "name", *patch.Name)
		}
		if patch.LockVersion != nil {
			tx.Set(m, "lock_version", *patch.LockVersion)
		}
		return nil
	})
}

// ImportWorkflow replaces the whole document content with d in one
// transaction. d is validated first; an invalid d changes nothing.
func (s *WorkflowStore) ImportWorkflow(d WorkflowDocument) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("import workflow: %w", err)
	}
	err := s.transact(func(tx *ydoc.Tx) error {
		writeDocument(tx, d)
		return nil
	})
	if err != nil {
		return err
	}
	s.cfg.logger.Info("workflow imported",
		"workflow", d.Workflow.ID,
		"jobs", len(d.Jobs),
		"triggers", len(d.Triggers),
		"edges", len(d.Edges))
	return nil
}

// Export returns the current content as a WorkflowDocument.
func (s *WorkflowStore) Export() WorkflowDocument {
	st := s.state.Snapshot()
	return WorkflowDocument{
		Workflow:  st.Workflow,
		Jobs:      slices.Clone(st.Jobs),
		Triggers:  slices.Clone(st.Triggers),
		Edges:     slices.Clone(st.Edges),
		Positions: maps.Clone(st.Positions),
	}
}

// =============================================================================
// Selection
// =============================================================================

// SelectNode selects a job or trigger and clears any edge selection.
func (s *WorkflowStore) SelectNode(id string) {
	s.state.Set(func(st WorkflowState) WorkflowState {
		st.SelectedNodeID = id
		st.SelectedEdgeID = ""
		return st
	})
}

// SelectEdge selects an edge and clears any node selection.
func (s *WorkflowStore) SelectEdge(id string) {
	s.state.Set(func(st WorkflowState) WorkflowState {
		st.SelectedEdgeID = id
		st.SelectedNodeID = ""
		return st
	})
}

// ClearSelection clears both selections.
func (s *WorkflowStore) ClearSelection() {
	s.state.Update(func(st WorkflowState) (WorkflowState, bool) {
		if st.SelectedNodeID == "" && st.SelectedEdgeID == "" {
			return st, false
		}
		st.SelectedNodeID = ""
		st.SelectedEdgeID = ""
		return st, true
	})
}

// =============================================================================
// Queries
// =============================================================================

// GetJob returns the job with the given id.
func (s *WorkflowStore) GetJob(id string) (Job, bool) {
	return find(s.state.Snapshot().Jobs, func(j Job) bool { return j.ID == id })
}

// GetTrigger returns the trigger with the given id.
func (s *WorkflowStore) GetTrigger(id string) (Trigger, bool) {
	return find(s.state.Snapshot().Triggers, func(t Trigger) bool { return t.ID == id })
}

// GetEdge returns the edge with the given id.
func (s *WorkflowStore) GetEdge(id string) (Edge, bool) {
	return find(s.state.Snapshot().Edges, func(e Edge) bool { return e.ID == id })
}

// Graph returns the current topology.
func (s *WorkflowStore) Graph() graph.Graph {
	st := s.state.Snapshot()
	return WorkflowDocument{Jobs: st.Jobs, Triggers: st.Triggers, Edges: st.Edges}.Graph()
}

// ValidateConnection reports why source -> target may not be connected,
// or nil. Used while dragging a new edge.
func (s *WorkflowStore) ValidateConnection(source, target string) *graph.DropError {
	return graph.DropTargetError(s.Graph(), source, target)
}

func find[T any](items []T, match func(T) bool) (T, bool) {
	if i := slices.IndexFunc(items, match); i >= 0 {
		return items[i], true
	}
	var zero T
	return zero, false
}

func nodeExists(tx *ydoc.Tx, id string) bool {
	if i, _ := tx.Find(tx.Array(collectionJobs), "id", id); i >= 0 {
		return true
	}
	i, _ := tx.Find(tx.Array(collectionTriggers), "id", id)
	return i >= 0
}

func nodeTypes(d WorkflowDocument) map[string]graph.NodeType {
	nodes := make(map[string]graph.NodeType, len(d.Jobs)+len(d.Triggers))
	for _, t := range d.Triggers {
		nodes[t.ID] = graph.NodeTypeTrigger
	}
	for _, j := range d.Jobs {
		nodes[j.ID] = graph.NodeTypeJob
	}
	return nodes
}
