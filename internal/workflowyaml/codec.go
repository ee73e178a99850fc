package workflowyaml

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/flowsync/internal/stores"
)

// FromDocument lays d out as a File. Keys are slugs of job names and
// trigger types, unique across both sections.
func FromDocument(d stores.WorkflowDocument) File {
	f := File{
		Name:        d.Workflow.Name,
		ID:          d.Workflow.ID,
		LockVersion: d.Workflow.LockVersion,
	}

	keys := keySet{}
	nodeKeys := make(map[string]string, len(d.Triggers)+len(d.Jobs))
	position := func(id string) *PositionSpec {
		p, ok := d.Positions[id]
		if !ok {
			return nil
		}
		return &PositionSpec{X: p.X, Y: p.Y}
	}

	for _, t := range d.Triggers {
		key := keys.claim(Slug(t.Type), "trigger")
		nodeKeys[t.ID] = key
		f.Triggers = append(f.Triggers, Entry[TriggerSpec]{Key: key, Value: TriggerSpec{
			ID:             t.ID,
			Type:           t.Type,
			Enabled:        boolPtr(t.Enabled),
			CronExpression: t.CronExpression,
			Position:       position(t.ID),
		}})
	}
	for _, j := range d.Jobs {
		key := keys.claim(Slug(j.Name), "job")
		nodeKeys[j.ID] = key
		f.Jobs = append(f.Jobs, Entry[JobSpec]{Key: key, Value: JobSpec{
			ID:                   j.ID,
			Name:                 j.Name,
			Adaptor:              j.Adaptor,
			Enabled:              boolPtr(j.Enabled),
			ProjectCredentialID:  j.ProjectCredentialID,
			KeychainCredentialID: j.KeychainCredentialID,
			Position:             position(j.ID),
			Body:                 j.Body,
		}})
	}

	edgeKeys := keySet{}
	for _, e := range d.Edges {
		spec := EdgeSpec{
			ID:                  e.ID,
			TargetJob:           keyOf(nodeKeys, e.TargetJobID),
			ConditionType:       e.ConditionType,
			ConditionLabel:      e.ConditionLabel,
			ConditionExpression: e.ConditionExpression,
			Enabled:             boolPtr(e.Enabled),
		}
		if e.SourceTriggerID != "" {
			spec.SourceTrigger = keyOf(nodeKeys, e.SourceTriggerID)
		} else {
			spec.SourceJob = keyOf(nodeKeys, e.SourceJobID)
		}
		source := spec.SourceTrigger + spec.SourceJob
		key := edgeKeys.claim(source+"->"+spec.TargetJob, "edge")
		f.Edges = append(f.Edges, Entry[EdgeSpec]{Key: key, Value: spec})
	}
	return f
}

// keyOf falls back to the raw id for dangling references so the file
// still shows what the edge pointed at.
func keyOf(keys map[string]string, id string) string {
	if key, ok := keys[id]; ok {
		return key
	}
	return id
}

// ToDocument resolves the keys of f into a WorkflowDocument. Missing ids
// are taken from ids; defaults match the workflow store's.
func (f File) ToDocument(ids stores.IDGenerator) (stores.WorkflowDocument, error) {
	newID := func(id string) string {
		if id != "" {
			return id
		}
		return ids.Generate()
	}

	d := stores.WorkflowDocument{
		Workflow: stores.WorkflowMeta{
			ID:          newID(f.ID),
			Name:        f.Name,
			LockVersion: f.LockVersion,
		},
		Jobs:      make([]stores.Job, 0, len(f.Jobs)),
		Triggers:  make([]stores.Trigger, 0, len(f.Triggers)),
		Edges:     make([]stores.Edge, 0, len(f.Edges)),
		Positions: make(map[string]stores.Position),
	}

	triggerIDs := make(map[string]string, len(f.Triggers))
	for _, entry := range f.Triggers {
		spec := entry.Value
		t := stores.Trigger{
			ID:      newID(spec.ID),
			Type:    spec.Type,
			Enabled: enabled(spec.Enabled),
		}
		if t.Type == "" {
			t.Type = stores.TriggerWebhook
		}
		if t.Type == stores.TriggerCron {
			t.CronExpression = spec.CronExpression
			if t.CronExpression == "" {
				t.CronExpression = stores.DefaultCronExpression
			}
		} else if spec.CronExpression != "" {
			return stores.WorkflowDocument{}, fmt.Errorf("trigger %q: cron_expression on a %s trigger", entry.Key, t.Type)
		}
		triggerIDs[entry.Key] = t.ID
		d.Triggers = append(d.Triggers, t)
		if spec.Position != nil {
			d.Positions[t.ID] = stores.Position{X: spec.Position.X, Y: spec.Position.Y}
		}
	}

	jobIDs := make(map[string]string, len(f.Jobs))
	for _, entry := range f.Jobs {
		spec := entry.Value
		j := stores.Job{
			ID:                   newID(spec.ID),
			Name:                 spec.Name,
			Adaptor:              spec.Adaptor,
			Body:                 spec.Body,
			Enabled:              enabled(spec.Enabled),
			ProjectCredentialID:  spec.ProjectCredentialID,
			KeychainCredentialID: spec.KeychainCredentialID,
		}
		if j.Name == "" {
			j.Name = entry.Key
		}
		jobIDs[entry.Key] = j.ID
		d.Jobs = append(d.Jobs, j)
		if spec.Position != nil {
			d.Positions[j.ID] = stores.Position{X: spec.Position.X, Y: spec.Position.Y}
		}
	}

	for _, entry := range f.Edges {
		spec := entry.Value
		e := stores.Edge{
			ConditionType:       spec.ConditionType,
			ConditionLabel:      spec.ConditionLabel,
			ConditionExpression: spec.ConditionExpression,
			Enabled:             enabled(spec.Enabled),
		}
		switch {
		case spec.SourceTrigger != "" && spec.SourceJob != "":
			return stores.WorkflowDocument{}, fmt.Errorf("edge %q: both source_trigger and source_job set", entry.Key)
		case spec.SourceTrigger != "":
			id, ok := triggerIDs[spec.SourceTrigger]
			if !ok {
				return stores.WorkflowDocument{}, fmt.Errorf("edge %q: unknown trigger %q", entry.Key, spec.SourceTrigger)
			}
			e.SourceTriggerID = id
		case spec.SourceJob != "":
			id, ok := jobIDs[spec.SourceJob]
			if !ok {
				return stores.WorkflowDocument{}, fmt.Errorf("edge %q: unknown job %q", entry.Key, spec.SourceJob)
			}
			e.SourceJobID = id
		default:
			return stores.WorkflowDocument{}, fmt.Errorf("edge %q: no source", entry.Key)
		}
		target, ok := jobIDs[spec.TargetJob]
		if !ok {
			return stores.WorkflowDocument{}, fmt.Errorf("edge %q: unknown job %q", entry.Key, spec.TargetJob)
		}
		e.TargetJobID = target
		if e.ConditionType == "" {
			e.ConditionType = stores.ConditionOnSuccess
			if e.SourceTriggerID != "" {
				e.ConditionType = stores.ConditionAlways
			}
		}
		e.ID = newID(spec.ID)
		d.Edges = append(d.Edges, e)
	}

	return d, nil
}

// Encode writes d to w as YAML.
func Encode(w io.Writer, d stores.WorkflowDocument) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(FromDocument(d)); err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	return nil
}

// Marshal returns d as YAML.
func Marshal(d stores.WorkflowDocument) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads one workflow from r. Unknown fields are rejected.
func Decode(r io.Reader, ids stores.IDGenerator) (stores.WorkflowDocument, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return stores.WorkflowDocument{}, fmt.Errorf("parse workflow: empty input")
		}
		return stores.WorkflowDocument{}, fmt.Errorf("parse workflow: %w", err)
	}
	return f.ToDocument(ids)
}

// Unmarshal is Decode for a byte slice.
func Unmarshal(data []byte, ids stores.IDGenerator) (stores.WorkflowDocument, error) {
	return Decode(bytes.NewReader(data), ids)
}

// ReadFile decodes the workflow stored at path.
func ReadFile(path string, ids stores.IDGenerator) (stores.WorkflowDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return stores.WorkflowDocument{}, fmt.Errorf("failed to read workflow file: %w", err)
	}
	d, err := Unmarshal(data, ids)
	if err != nil {
		return stores.WorkflowDocument{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// WriteFile encodes d to path.
func WriteFile(path string, d stores.WorkflowDocument) error {
	data, err := Marshal(d)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write workflow file: %w", err)
	}
	return nil
}
