package stores

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// Schema validates records received from the server against the embedded
// CUE definitions (#Adaptor, #ProjectCredential, #SessionContext, ...).
//
// Thread-safety: a cue.Context is not safe for concurrent use, so Validate
// serializes on an internal mutex.
type Schema struct {
	mu   sync.Mutex
	ctx  *cue.Context
	root cue.Value
}

// NewSchema compiles the embedded definitions.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{ctx: ctx, root: root}, nil
}

var builtinSchema = sync.OnceValue(func() *Schema {
	s, err := NewSchema()
	if err != nil {
		panic(err)
	}
	return s
})

// Validate checks raw against definition (e.g. "#Adaptor"). Definitions are
// open: unknown fields are accepted.
func (s *Schema) Validate(definition string, raw json.RawMessage) error {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return &ValidationError{Definition: definition, Message: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	def := s.root.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("unknown schema definition %q", definition)
	}
	v := s.ctx.Encode(decoded)
	if err := v.Err(); err != nil {
		return formatSchemaError(definition, err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return formatSchemaError(definition, err)
	}
	return nil
}

// ValidationError describes the first schema violation of a record.
type ValidationError struct {
	Definition string
	Path       string
	Message    string
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Definition, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Definition, e.Message)
}

// formatSchemaError reduces a CUE error list to its first entry.
func formatSchemaError(definition string, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Definition: definition, Message: err.Error()}
	}
	first := errs[0]
	format, args := first.Msg()
	return &ValidationError{
		Definition: definition,
		Path:       strings.Join(first.Path(), "."),
		Message:    fmt.Sprintf(format, args...),
	}
}
