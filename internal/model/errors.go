package model

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes engine errors.
type ErrorKind string

const (
	// KindNotFound indicates a referenced entity is absent.
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindUnknownRule indicates no rule is registered under the name.
	KindUnknownRule ErrorKind = "UNKNOWN_RULE"

	// KindNoBaseline indicates no expected value exists for the claim's pair.
	KindNoBaseline ErrorKind = "NO_BASELINE"

	// KindRuleExecution indicates a rule faulted internally.
	KindRuleExecution ErrorKind = "RULE_EXECUTION_ERROR"

	// KindEndpointUnreachable indicates the element could not be reached in time.
	KindEndpointUnreachable ErrorKind = "ENDPOINT_UNREACHABLE"

	// KindInvalidMeasurement indicates the element answered with something unusable.
	KindInvalidMeasurement ErrorKind = "INVALID_MEASUREMENT"

	// KindPartialAssociation indicates only the first half of a nesting update landed.
	KindPartialAssociation ErrorKind = "PARTIAL_ASSOCIATION_FAILURE"

	// KindStorage indicates the repository failed.
	KindStorage ErrorKind = "STORAGE_ERROR"

	// KindStructuralDSL indicates a malformed template or evaluation document.
	KindStructuralDSL ErrorKind = "STRUCTURAL_DSL_ERROR"

	// KindSessionClosed indicates an association onto a closed session was refused.
	KindSessionClosed ErrorKind = "SESSION_CLOSED"

	// KindUnsupportedProtocol indicates no collector handles the element's protocol.
	KindUnsupportedProtocol ErrorKind = "UNSUPPORTED_PROTOCOL"

	// KindInvalidArgument indicates the caller supplied unusable input.
	KindInvalidArgument ErrorKind = "INVALID_ARGUMENT"
)

// Error is the single error type surfaced by engine operations.
type Error struct {
	// Kind identifies the error category.
	Kind ErrorKind

	// Message is a human-readable description.
	Message string

	// Entity names the collection involved, when there is one.
	Entity string

	// ItemID identifies the affected record.
	ItemID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Entity != "" && e.ItemID != "" {
		msg = fmt.Sprintf("%s (%s=%s)", msg, e.Entity, e.ItemID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err is nil or unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
// Uses errors.As to handle wrapped errors.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound returns true if the error is a not-found error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsStorage returns true if the error is a storage error.
func IsStorage(err error) bool {
	return IsKind(err, KindStorage)
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error for one record.
func NotFound(entity, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Entity:  entity,
		ItemID:  id,
	}
}

// Storage wraps a repository failure. Errors that are already classified
// pass through unchanged so a NOT_FOUND from an adapter stays NOT_FOUND.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	return &Error{Kind: KindStorage, Message: op, Err: err}
}

// Wrap attaches a kind and message to a cause.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}
