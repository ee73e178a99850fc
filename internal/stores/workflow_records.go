package stores

import (
	"maps"
	"slices"

	"github.com/roach88/flowsync/internal/graph"
	"github.com/roach88/flowsync/internal/ydoc"
)

// Top-level document collections.
const (
	collectionJobs      = "jobs"
	collectionTriggers  = "triggers"
	collectionEdges     = "edges"
	collectionPositions = "positions"
	collectionWorkflow  = "workflow"
)

// Trigger types.
const (
	TriggerWebhook = "webhook"
	TriggerCron    = "cron"
	TriggerKafka   = "kafka"
)

// DefaultCronExpression is used for cron triggers created without one.
const DefaultCronExpression = "0 0 * * *"

// Edge condition types.
const (
	ConditionAlways       = "always"
	ConditionOnSuccess    = "on_job_success"
	ConditionOnFailure    = "on_job_failure"
	ConditionJSExpression = "js_expression"
)

// Job is a step of the workflow. Empty credential ids mean none.
type Job struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Adaptor              string `json:"adaptor"`
	Body                 string `json:"body"`
	Enabled              bool   `json:"enabled"`
	ProjectCredentialID  string `json:"project_credential_id,omitempty"`
	KeychainCredentialID string `json:"keychain_credential_id,omitempty"`
}

// Trigger starts the workflow. CronExpression is empty unless Type is
// TriggerCron.
type Trigger struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Enabled        bool   `json:"enabled"`
	CronExpression string `json:"cron_expression,omitempty"`
}

// Edge connects a trigger or a job to a job. Exactly one of
// SourceTriggerID and SourceJobID is set.
type Edge struct {
	ID                  string `json:"id"`
	SourceTriggerID     string `json:"source_trigger_id,omitempty"`
	SourceJobID         string `json:"source_job_id,omitempty"`
	TargetJobID         string `json:"target_job_id"`
	ConditionType       string `json:"condition_type"`
	ConditionLabel      string `json:"condition_label,omitempty"`
	ConditionExpression string `json:"condition_expression,omitempty"`
	Enabled             bool   `json:"enabled"`
}

// Source returns the id of the node the edge starts from.
func (e Edge) Source() string {
	if e.SourceTriggerID != "" {
		return e.SourceTriggerID
	}
	return e.SourceJobID
}

// Position is a node's location on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WorkflowMeta is the workflow record itself.
type WorkflowMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LockVersion int    `json:"lock_version"`
}

// WorkflowDocument is the full content of a workflow, as imported and
// exported.
type WorkflowDocument struct {
	Workflow  WorkflowMeta
	Jobs      []Job
	Triggers  []Trigger
	Edges     []Edge
	Positions map[string]Position
}

// Graph returns the topology of d.
func (d WorkflowDocument) Graph() graph.Graph {
	g := graph.Graph{
		Nodes: make([]graph.Node, 0, len(d.Jobs)+len(d.Triggers)),
		Edges: make([]graph.Edge, 0, len(d.Edges)),
	}
	for _, t := range d.Triggers {
		g.Nodes = append(g.Nodes, graph.Node{ID: t.ID, Type: graph.NodeTypeTrigger})
	}
	for _, j := range d.Jobs {
		g.Nodes = append(g.Nodes, graph.Node{ID: j.ID, Type: graph.NodeTypeJob})
	}
	for _, e := range d.Edges {
		g.Edges = append(g.Edges, graph.Edge{ID: e.ID, Source: e.Source(), Target: e.TargetJobID})
	}
	return g
}

// Validate checks ids and edge endpoints. Cycles are not checked here;
// see graph.FindCycles.
func (d WorkflowDocument) Validate() error {
	nodes := make(map[string]graph.NodeType, len(d.Jobs)+len(d.Triggers))
	for _, t := range d.Triggers {
		if t.ID == "" {
			return invalidRecord("", "trigger without id")
		}
		if _, dup := nodes[t.ID]; dup {
			return invalidRecord(t.ID, "duplicate node id")
		}
		nodes[t.ID] = graph.NodeTypeTrigger
	}
	for _, j := range d.Jobs {
		if j.ID == "" {
			return invalidRecord("", "job %q without id", j.Name)
		}
		if _, dup := nodes[j.ID]; dup {
			return invalidRecord(j.ID, "duplicate node id")
		}
		nodes[j.ID] = graph.NodeTypeJob
	}

	edges := make(map[string]bool, len(d.Edges))
	for _, e := range d.Edges {
		if e.ID == "" {
			return invalidRecord("", "edge without id")
		}
		if edges[e.ID] {
			return invalidRecord(e.ID, "duplicate edge id")
		}
		edges[e.ID] = true
		if err := checkEndpoints(e, nodes); err != nil {
			return err
		}
	}
	return nil
}

func checkEndpoints(e Edge, nodes map[string]graph.NodeType) error {
	switch {
	case e.SourceTriggerID != "" && e.SourceJobID != "":
		return invalidRecord(e.ID, "edge has both a trigger and a job source")
	case e.SourceTriggerID != "":
		if nodes[e.SourceTriggerID] != graph.NodeTypeTrigger {
			return invalidRecord(e.ID, "source trigger %q does not exist", e.SourceTriggerID)
		}
	case e.SourceJobID != "":
		if nodes[e.SourceJobID] != graph.NodeTypeJob {
			return invalidRecord(e.ID, "source job %q does not exist", e.SourceJobID)
		}
	default:
		return invalidRecord(e.ID, "edge has no source")
	}
	if nodes[e.TargetJobID] != graph.NodeTypeJob {
		return invalidRecord(e.ID, "target job %q does not exist", e.TargetJobID)
	}
	return nil
}

// Document encoding. Empty optional strings are stored as null.

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jobRecord(j Job) ydoc.Record {
	return ydoc.Record{
		"id":                     j.ID,
		"name":                   j.Name,
		"adaptor":                j.Adaptor,
		"body":                   ydoc.NewText(j.Body),
		"enabled":                j.Enabled,
		"project_credential_id":  nullable(j.ProjectCredentialID),
		"keychain_credential_id": nullable(j.KeychainCredentialID),
	}
}

func triggerRecord(t Trigger) ydoc.Record {
	rec := ydoc.Record{
		"id":              t.ID,
		"type":            t.Type,
		"enabled":         t.Enabled,
		"cron_expression": nil,
	}
	if t.Type == TriggerCron {
		rec["cron_expression"] = nullable(t.CronExpression)
	}
	return rec
}

func edgeRecord(e Edge) ydoc.Record {
	return ydoc.Record{
		"id":                   e.ID,
		"source_trigger_id":    nullable(e.SourceTriggerID),
		"source_job_id":        nullable(e.SourceJobID),
		"target_job_id":        e.TargetJobID,
		"condition_type":       e.ConditionType,
		"condition_label":      nullable(e.ConditionLabel),
		"condition_expression": nullable(e.ConditionExpression),
		"enabled":              e.Enabled,
	}
}

func positionRecord(p Position) map[string]any {
	return map[string]any{"x": p.X, "y": p.Y}
}

func readJob(tx *ydoc.Tx, m *ydoc.Map) Job {
	return Job{
		ID:                   tx.GetString(m, "id"),
		Name:                 tx.GetString(m, "name"),
		Adaptor:              tx.GetString(m, "adaptor"),
		Body:                 tx.GetString(m, "body"),
		Enabled:              readBool(tx, m, "enabled", true),
		ProjectCredentialID:  tx.GetString(m, "project_credential_id"),
		KeychainCredentialID: tx.GetString(m, "keychain_credential_id"),
	}
}

func readTrigger(tx *ydoc.Tx, m *ydoc.Map) Trigger {
	return Trigger{
		ID:             tx.GetString(m, "id"),
		Type:           tx.GetString(m, "type"),
		Enabled:        readBool(tx, m, "enabled", true),
		CronExpression: tx.GetString(m, "cron_expression"),
	}
}

func readEdge(tx *ydoc.Tx, m *ydoc.Map) Edge {
	return Edge{
		ID:                  tx.GetString(m, "id"),
		SourceTriggerID:     tx.GetString(m, "source_trigger_id"),
		SourceJobID:         tx.GetString(m, "source_job_id"),
		TargetJobID:         tx.GetString(m, "target_job_id"),
		ConditionType:       tx.GetString(m, "condition_type"),
		ConditionLabel:      tx.GetString(m, "condition_label"),
		ConditionExpression: tx.GetString(m, "condition_expression"),
		Enabled:             readBool(tx, m, "enabled", true),
	}
}

func readBool(tx *ydoc.Tx, m *ydoc.Map, key string, def bool) bool {
	v, ok := tx.Get(m, key)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func readNumber(tx *ydoc.Tx, m *ydoc.Map, key string) float64 {
	v, _ := tx.Get(m, key)
	n, _ := number(v)
	return n
}

// readDocument projects the whole document.
func readDocument(tx *ydoc.Tx) WorkflowDocument {
	d := WorkflowDocument{
		Jobs:      []Job{},
		Triggers:  []Trigger{},
		Edges:     []Edge{},
		Positions: map[string]Position{},
	}
	for _, m := range tx.Records(tx.Array(collectionJobs)) {
		d.Jobs = append(d.Jobs, readJob(tx, m))
	}
	for _, m := range tx.Records(tx.Array(collectionTriggers)) {
		d.Triggers = append(d.Triggers, readTrigger(tx, m))
	}
	for _, m := range tx.Records(tx.Array(collectionEdges)) {
		d.Edges = append(d.Edges, readEdge(tx, m))
	}

	positions := tx.Map(collectionPositions)
	for _, id := range tx.Keys(positions) {
		v, _ := tx.Get(positions, id)
		if pm, ok := v.(*ydoc.Map); ok {
			d.Positions[id] = Position{X: readNumber(tx, pm, "x"), Y: readNumber(tx, pm, "y")}
		}
	}

	meta := tx.Map(collectionWorkflow)
	d.Workflow = WorkflowMeta{
		ID:          tx.GetString(meta, "id"),
		Name:        tx.GetString(meta, "name"),
		LockVersion: int(readNumber(tx, meta, "lock_version")),
	}
	return d
}

// writeDocument replaces the document content with d.
func writeDocument(tx *ydoc.Tx, d WorkflowDocument) {
	tx.Clear(tx.Array(collectionEdges))
	tx.Clear(tx.Array(collectionJobs))
	tx.Clear(tx.Array(collectionTriggers))

	positions := tx.Map(collectionPositions)
	for _, id := range tx.Keys(positions) {
		tx.Unset(positions, id)
	}

	meta := tx.Map(collectionWorkflow)
	tx.Set(meta, "id", d.Workflow.ID)
	tx.Set(meta, "name", d.Workflow.Name)
	tx.Set(meta, "lock_version", d.Workflow.LockVersion)

	for _, t := range d.Triggers {
		tx.Push(tx.Array(collectionTriggers), triggerRecord(t))
	}
	for _, j := range d.Jobs {
		tx.Push(tx.Array(collectionJobs), jobRecord(j))
	}
	for _, e := range d.Edges {
		tx.Push(tx.Array(collectionEdges), edgeRecord(e))
	}
	for _, id := range slices.Sorted(maps.Keys(d.Positions)) {
		tx.Set(positions, id, positionRecord(d.Positions[id]))
	}
}
