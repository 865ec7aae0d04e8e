// Package apperr defines the error taxonomy shared by the reward engine and
// its transports.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping.
type Kind int

// Error kinds. The zero value is Internal so unclassified errors never leak
// as client errors.
const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindUnauthorized
	KindNotFound
	KindAlreadyExists
	KindFailedPrecondition
	KindTreasuryUnderfunded
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindFailedPrecondition:
		return "failed_precondition"
	case KindTreasuryUnderfunded:
		return "treasury_underfunded"
	}
	return "internal"
}

// Error is a classified sentinel. Code is stable and safe to show to clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New creates a classified sentinel error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validation wraps a validation sentinel with a detail message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Generic sentinels for each kind. Domain packages declare more specific ones.
var (
	ErrInvalidInput        = New(KindValidation, "invalid_input", "invalid input")
	ErrUnauthenticated     = New(KindUnauthenticated, "unauthenticated", "authentication required")
	ErrUnauthorized        = New(KindUnauthorized, "unauthorized", "not allowed")
	ErrTreasuryUnderfunded = New(KindTreasuryUnderfunded, "treasury_underfunded", "treasury balance is too low to settle transfers")
)

// Classify returns the first classified error in err's chain.
// Unclassified errors classify as Internal.
func Classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Code: "internal", Message: "internal error"}
}

// KindOf returns the kind of err.
func KindOf(err error) Kind {
	return Classify(err).Kind
}
