package session

import (
	"errors"
	"fmt"
)

// PreconditionError reports a lifecycle command called out of sequence.
//
// These are programmer errors: the call fails and the session state is left
// exactly as it was.
type PreconditionError struct {
	// Code identifies the violated precondition.
	Code PreconditionCode

	// Message is a human-readable description.
	Message string
}

// PreconditionCode categorizes precondition failures.
type PreconditionCode string

const (
	// CodeNoDocument: CreateProvider called before InitializeDocument.
	CodeNoDocument PreconditionCode = "NO_DOCUMENT"

	// CodeNoTransport: nil transport handle.
	CodeNoTransport PreconditionCode = "NO_TRANSPORT"
)

var (
	errNoDocument = &PreconditionError{
		Code:    CodeNoDocument,
		Message: "document must be initialized before creating provider",
	}
	errNoTransport = &PreconditionError{
		Code:    CodeNoTransport,
		Message: "transport handle must be connected",
	}
)

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsPreconditionError reports whether err is a PreconditionError. When code
// is non-empty the codes must match too. Uses errors.As to handle wrapped
// errors.
func IsPreconditionError(err error, code PreconditionCode) bool {
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return code == "" || pe.Code == code
	}
	return false
}
