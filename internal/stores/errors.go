package stores

import (
	"errors"
	"fmt"
)

// WorkflowError reports a workflow command that could not be applied.
// The document is left untouched when a command fails with one.
type WorkflowError struct {
	Code    WorkflowErrorCode
	Message string
	ID      string
}

// WorkflowErrorCode categorizes workflow command failures.
type WorkflowErrorCode string

const (
	// CodeNotBound: the store has no document.
	CodeNotBound WorkflowErrorCode = "NOT_BOUND"

	// CodeNotFound: no record with the given id.
	CodeNotFound WorkflowErrorCode = "NOT_FOUND"

	// CodeInvalidRecord: a record is missing required fields or refers to
	// records that do not exist.
	CodeInvalidRecord WorkflowErrorCode = "INVALID_RECORD"
)

var errNotBound = &WorkflowError{
	Code:    CodeNotBound,
	Message: "workflow store is not bound to a document",
}

func (e *WorkflowError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s: %s (id=%s)", e.Code, e.Message, e.ID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsWorkflowError reports whether err is (or wraps) a WorkflowError with
// the given code. An empty code matches any WorkflowError.
func IsWorkflowError(err error, code WorkflowErrorCode) bool {
	var we *WorkflowError
	if errors.As(err, &we) {
		return code == "" || we.Code == code
	}
	return false
}

func notFound(kind, id string) *WorkflowError {
	return &WorkflowError{Code: CodeNotFound, Message: kind + " not found", ID: id}
}

func invalidRecord(id, format string, args ...any) *WorkflowError {
	return &WorkflowError{Code: CodeInvalidRecord, Message: fmt.Sprintf(format, args...), ID: id}
}
