package workflowyaml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsync/internal/stores"
	"github.com/roach88/flowsync/internal/ydoc"
)

func sampleDocument() stores.WorkflowDocument {
	return stores.WorkflowDocument{
		Workflow: stores.WorkflowMeta{ID: "wf-1", Name: "Patient sync", LockVersion: 3},
		Triggers: []stores.Trigger{
			{ID: "trigger-1", Type: stores.TriggerWebhook, Enabled: true},
			{ID: "trigger-2", Type: stores.TriggerCron, CronExpression: "0 6 * * *"},
		},
		Jobs: []stores.Job{
			{
				ID:                  "job-1",
				Name:                "Extract data",
				Adaptor:             "@openfn/language-http@6.0.0",
				Body:                "get('/patients');\n",
				Enabled:             true,
				ProjectCredentialID: "cred-1",
			},
			{
				ID:                   "job-2",
				Name:                 "Load to DHIS2",
				Adaptor:              "@openfn/language-dhis2@5.0.1",
				Body:                 "create('trackedEntities', state => state.data);\n",
				KeychainCredentialID: "kc-1",
			},
		},
		Edges: []stores.Edge{
			{
				ID:              "edge-1",
				SourceTriggerID: "trigger-1",
				TargetJobID:     "job-1",
				ConditionType:   stores.ConditionAlways,
				Enabled:         true,
			},
			{
				ID:                  "edge-2",
				SourceJobID:         "job-1",
				TargetJobID:         "job-2",
				ConditionType:       stores.ConditionJSExpression,
				ConditionLabel:      "Has patients",
				ConditionExpression: "state.data.length > 0",
				Enabled:             true,
			},
		},
		Positions: map[string]stores.Position{
			"trigger-1": {X: 0, Y: 0},
			"job-1":     {X: 100, Y: 250.5},
		},
	}
}

// =============================================================================
// Export
// =============================================================================

func TestMarshal_Golden(t *testing.T) {
	data, err := Marshal(sampleDocument())
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "export", data)
}

func TestUnmarshal_GoldenRoundTrip(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "golden", "export.golden"))
	require.NoError(t, err)

	d, err := Unmarshal(data, stores.NewFixedGenerator())
	require.NoError(t, err)
	assert.Equal(t, sampleDocument(), d)
}

func TestFromDocument_KeysAreUnique(t *testing.T) {
	d := stores.WorkflowDocument{
		Triggers: []stores.Trigger{{ID: "t1", Type: "webhook"}, {ID: "t2", Type: "webhook"}},
		Jobs: []stores.Job{
			{ID: "j1", Name: "Webhook"},
			{ID: "j2", Name: "Fetch"},
			{ID: "j3", Name: "fetch!"},
			{ID: "j4", Name: "???"},
		},
	}

	f := FromDocument(d)

	var keys []string
	for _, e := range f.Triggers {
		keys = append(keys, e.Key)
	}
	for _, e := range f.Jobs {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"webhook", "webhook-2", "webhook-3", "fetch", "fetch-2", "job"}, keys)
}

// =============================================================================
// Import
// =============================================================================

func TestUnmarshal_GeneratesMissingIDsAndDefaults(t *testing.T) {
	src := `
name: Minimal
triggers:
  nightly:
    type: cron
jobs:
  fetch:
    adaptor: '@openfn/language-http@6.0.0'
    body: get('/')
  store:
    name: Store it
    adaptor: '@openfn/language-postgresql@4.0.0'
    enabled: false
    body: ""
edges:
  a:
    source_trigger: nightly
    target_job: fetch
  b:
    source_job: fetch
    target_job: store
    enabled: false
`
	ids := stores.NewFixedGenerator("wf", "t1", "j1", "j2", "e1", "e2")

	d, err := Unmarshal([]byte(src), ids)
	require.NoError(t, err)

	assert.Equal(t, stores.WorkflowMeta{ID: "wf", Name: "Minimal"}, d.Workflow)
	assert.Equal(t, []stores.Trigger{
		{ID: "t1", Type: stores.TriggerCron, Enabled: true, CronExpression: stores.DefaultCronExpression},
	}, d.Triggers)
	require.Len(t, d.Jobs, 2)
	assert.Equal(t, "fetch", d.Jobs[0].Name, "name falls back to the key")
	assert.True(t, d.Jobs[0].Enabled)
	assert.Equal(t, "Store it", d.Jobs[1].Name)
	assert.False(t, d.Jobs[1].Enabled)
	assert.Equal(t, []stores.Edge{
		{ID: "e1", SourceTriggerID: "t1", TargetJobID: "j1", ConditionType: stores.ConditionAlways, Enabled: true},
		{ID: "e2", SourceJobID: "j1", TargetJobID: "j2", ConditionType: stores.ConditionOnSuccess},
	}, d.Edges)
	assert.Empty(t, d.Positions)
	assert.NoError(t, d.Validate())
}

func TestUnmarshal_Errors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{
			name:    "empty input",
			src:     "",
			wantErr: "empty input",
		},
		{
			name:    "unknown top-level field",
			src:     "name: x\nsteps: {}\n",
			wantErr: "steps",
		},
		{
			name:    "unknown job field",
			src:     "name: x\njobs:\n  a:\n    adapter: http\n",
			wantErr: "adapter",
		},
		{
			name:    "section is not a mapping",
			src:     "name: x\njobs:\n  - a\n",
			wantErr: "expected a mapping",
		},
		{
			name:    "duplicate key",
			src:     "name: x\njobs:\n  a: {}\n  a: {}\n",
			wantErr: "",
		},
		{
			name:    "unknown source job",
			src:     "name: x\njobs:\n  a: {}\nedges:\n  e:\n    source_job: nope\n    target_job: a\n",
			wantErr: `unknown job "nope"`,
		},
		{
			name:    "unknown target job",
			src:     "name: x\ntriggers:\n  t: {}\nedges:\n  e:\n    source_trigger: t\n    target_job: nope\n",
			wantErr: `unknown job "nope"`,
		},
		{
			name:    "unknown trigger",
			src:     "name: x\njobs:\n  a: {}\nedges:\n  e:\n    source_trigger: nope\n    target_job: a\n",
			wantErr: `unknown trigger "nope"`,
		},
		{
			name:    "edge without source",
			src:     "name: x\njobs:\n  a: {}\nedges:\n  e:\n    target_job: a\n",
			wantErr: "no source",
		},
		{
			name:    "edge with two sources",
			src:     "name: x\ntriggers:\n  t: {}\njobs:\n  a: {}\nedges:\n  e:\n    source_trigger: t\n    source_job: a\n    target_job: a\n",
			wantErr: "both source_trigger and source_job",
		},
		{
			name:    "cron expression on webhook",
			src:     "name: x\ntriggers:\n  t:\n    type: webhook\n    cron_expression: '* * * * *'\n",
			wantErr: "cron_expression on a webhook trigger",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := stores.NewFixedGenerator("1", "2", "3", "4", "5", "6")
			_, err := Unmarshal([]byte(tt.src), ids)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReadWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")

	require.NoError(t, WriteFile(path, sampleDocument()))
	d, err := ReadFile(path, stores.NewFixedGenerator())
	require.NoError(t, err)
	assert.Equal(t, sampleDocument(), d)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.yaml"), stores.NewFixedGenerator())
	assert.Error(t, err)
}

func TestImportIntoWorkflowStore(t *testing.T) {
	data, err := Marshal(sampleDocument())
	require.NoError(t, err)
	d, err := Unmarshal(data, stores.NewFixedGenerator())
	require.NoError(t, err)

	s := stores.NewWorkflowStore()
	defer s.Bind(ydoc.New(ydoc.WithClientID(1)))()
	require.NoError(t, s.ImportWorkflow(d))

	assert.Equal(t, sampleDocument(), s.Export())
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Extract data", "extract-data"},
		{"Load to DHIS2", "load-to-dhis2"},
		{"Café Überweisung", "cafe-uberweisung"},
		{"  --Send   SMS!!  ", "send-sms"},
		{"webhook", "webhook"},
		{"日本", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slug(tt.in))
		})
	}
}
