// Package workflowyaml reads and writes workflows as YAML files.
//
// A file names its jobs and triggers with keys derived from their names
// (see Slug), and edges refer to those keys rather than to record ids:
//
//	name: Patient sync
//	triggers:
//	  webhook:
//	    type: webhook
//	jobs:
//	  extract-data:
//	    name: Extract data
//	    adaptor: '@openfn/language-http@6.0.0'
//	    body: |
//	      get('/patients');
//	edges:
//	  webhook->extract-data:
//	    source_trigger: webhook
//	    target_job: extract-data
//
// Ids are optional on import and generated when missing. Entries keep the
// order they have in the file.
package workflowyaml

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// File is the YAML layout of a workflow.
type File struct {
	Name        string               `yaml:"name"`
	ID          string               `yaml:"id,omitempty"`
	LockVersion int                  `yaml:"lock_version,omitempty"`
	Triggers    Section[TriggerSpec] `yaml:"triggers,omitempty"`
	Jobs        Section[JobSpec]     `yaml:"jobs,omitempty"`
	Edges       Section[EdgeSpec]    `yaml:"edges,omitempty"`
}

// TriggerSpec is one trigger. Enabled defaults to true.
type TriggerSpec struct {
	ID             string        `yaml:"id,omitempty"`
	Type           string        `yaml:"type"`
	Enabled        *bool         `yaml:"enabled,omitempty"`
	CronExpression string        `yaml:"cron_expression,omitempty"`
	Position       *PositionSpec `yaml:"position,omitempty"`
}

// JobSpec is one job. Enabled defaults to true.
type JobSpec struct {
	ID                   string        `yaml:"id,omitempty"`
	Name                 string        `yaml:"name"`
	Adaptor              string        `yaml:"adaptor"`
	Enabled              *bool         `yaml:"enabled,omitempty"`
	ProjectCredentialID  string        `yaml:"project_credential_id,omitempty"`
	KeychainCredentialID string        `yaml:"keychain_credential_id,omitempty"`
	Position             *PositionSpec `yaml:"position,omitempty"`
	Body                 string        `yaml:"body"`
}

// EdgeSpec is one edge. Sources and target are keys of the triggers and
// jobs sections. Enabled defaults to true.
type EdgeSpec struct {
	ID                  string `yaml:"id,omitempty"`
	SourceTrigger       string `yaml:"source_trigger,omitempty"`
	SourceJob           string `yaml:"source_job,omitempty"`
	TargetJob           string `yaml:"target_job"`
	ConditionType       string `yaml:"condition_type,omitempty"`
	ConditionLabel      string `yaml:"condition_label,omitempty"`
	ConditionExpression string `yaml:"condition_expression,omitempty"`
	Enabled             *bool  `yaml:"enabled,omitempty"`
}

// PositionSpec is a canvas position.
type PositionSpec struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// Entry is one keyed value of a Section.
type Entry[T any] struct {
	Key   string
	Value T
}

// Section is a YAML mapping whose entries keep their order.
type Section[T any] []Entry[T]

// MarshalYAML implements yaml.Marshaler.
func (s Section[T]) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, e := range s {
		var value yaml.Node
		if err := value.Encode(e.Value); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Key, err)
		}
		key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: e.Key}
		node.Content = append(node.Content, key, &value)
	}
	return node, nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Unknown fields inside an
// entry are rejected.
func (s *Section[T]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	out := make(Section[T], 0, len(node.Content)/2)
	seen := make(map[string]bool, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if seen[key] {
			return fmt.Errorf("line %d: duplicate key %q", node.Content[i].Line, key)
		}
		seen[key] = true

		var value T
		if err := decodeStrict(node.Content[i+1], &value); err != nil {
			return fmt.Errorf("line %d: %s: %w", node.Content[i].Line, key, err)
		}
		out = append(out, Entry[T]{Key: key, Value: value})
	}
	*s = out
	return nil
}

// decodeStrict decodes node into v, rejecting unknown fields.
// Node.Decode does not honor KnownFields, so the node goes through the
// text form once.
func decodeStrict(node *yaml.Node, v any) error {
	data, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(v)
}

func enabled(b *bool) bool {
	return b == nil || *b
}

func boolPtr(b bool) *bool {
	return &b
}
