package graph

import (
	"errors"
	"fmt"
)

// DropErrorCode categorizes why an edge may not be created.
type DropErrorCode string

const (
	// ErrCodeSelfConnection indicates source and target are the same node.
	ErrCodeSelfConnection DropErrorCode = "SELF_CONNECTION"

	// ErrCodeTargetIsTrigger indicates the target node is a trigger.
	ErrCodeTargetIsTrigger DropErrorCode = "TARGET_IS_TRIGGER"

	// ErrCodeCircular indicates the edge would close a cycle.
	ErrCodeCircular DropErrorCode = "CIRCULAR"

	// ErrCodeAlreadyConnected indicates the edge already exists.
	ErrCodeAlreadyConnected DropErrorCode = "ALREADY_CONNECTED"

	// ErrCodeUnknownNode indicates an endpoint is not in the graph.
	ErrCodeUnknownNode DropErrorCode = "UNKNOWN_NODE"
)

// User-facing messages. Consumers match on these substrings.
const (
	MessageSelfConnection   = "Cannot connect a step to itself"
	MessageTargetIsTrigger  = "You cannot connect to a trigger"
	MessageCircular         = "Cannot create circular workflow"
	MessageAlreadyConnected = "Steps are already connected"
	MessageUnknownNode      = "Cannot connect to an unknown step"
)

// DropError describes an illegal edge.
type DropError struct {
	Code    DropErrorCode
	Message string
	Source  string
	Target  string
}

// Error implements the error interface.
func (e *DropError) Error() string {
	return fmt.Sprintf("%s: %s (source=%s, target=%s)", e.Code, e.Message, e.Source, e.Target)
}

// IsDropError reports whether err is (or wraps) a DropError with the given
// code. An empty code matches any DropError.
func IsDropError(err error, code DropErrorCode) bool {
	var de *DropError
	if errors.As(err, &de) {
		return code == "" || de.Code == code
	}
	return false
}

func newDropError(code DropErrorCode, message, source, target string) *DropError {
	return &DropError{Code: code, Message: message, Source: source, Target: target}
}
