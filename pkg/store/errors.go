// Package store defines the flow state storage contract shared by all backends.
package store

import (
	"errors"
	"fmt"
)

// Standard store error types that all implementations use.
var (
	// ErrNotFound indicates no state exists for the given flow and tenant.
	ErrNotFound = errors.New("flow state not found")

	// ErrAlreadyExists indicates a state already exists where none was expected.
	ErrAlreadyExists = errors.New("flow state already exists")

	// ErrConcurrentModification indicates the stored version no longer matches
	// the caller's expected version.
	ErrConcurrentModification = errors.New("flow state was modified concurrently")

	// ErrInvalidState indicates a state document failed structural validation.
	ErrInvalidState = errors.New("invalid flow state")

	// ErrInvalidTransition indicates a phase transition violates the progression.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrStateRecovery indicates recovery could not produce a usable state.
	ErrStateRecovery = errors.New("state recovery failed")

	// ErrEncryption indicates sensitive-field encryption or decryption failed.
	ErrEncryption = errors.New("encryption failed")

	// ErrSerialization indicates state encoding or decoding failed.
	ErrSerialization = errors.New("serialization failed")
)

// Kind discriminates store error classes for programmatic handling.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindInvalid           Kind = "invalid"
	KindInvalidTransition Kind = "invalid_transition"
	KindRecovery          Kind = "recovery"
	KindEncryption        Kind = "encryption"
	KindSerialization     Kind = "serialization"
	KindFatal             Kind = "fatal"
)

// Error wraps store-related errors with operation and identity context.
type Error struct {
	Kind     Kind   // Error class, see Kind constants
	Op       string // Operation being performed (e.g., "Save", "Load", "CreateCheckpoint")
	FlowID   string // Flow ID if applicable
	TenantID string // Tenant ID if applicable
	Err      error  // Underlying error
}

func (e *Error) Error() string {
	if e.FlowID != "" {
		return fmt.Sprintf("%s operation failed for flow %s/%s: %v", e.Op, e.TenantID, e.FlowID, e.Err)
	}

	return fmt.Sprintf("%s operation failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error comparison for store errors.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewError creates a new store error with context.
func NewError(kind Kind, op, flowID, tenantID string, err error) *Error {
	return &Error{
		Kind:     kind,
		Op:       op,
		FlowID:   flowID,
		TenantID: tenantID,
		Err:      err,
	}
}

// KindOf returns the Kind carried by err, or the empty Kind when err is not a
// store error. Sentinel errors map to their corresponding kinds.
func KindOf(err error) Kind {
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return storeErr.Kind
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConcurrentModification):
		return KindConflict
	case errors.Is(err, ErrInvalidState):
		return KindInvalid
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrStateRecovery):
		return KindRecovery
	case errors.Is(err, ErrEncryption):
		return KindEncryption
	case errors.Is(err, ErrSerialization):
		return KindSerialization
	}

	return ""
}

// IsNotFound checks if an error indicates a missing flow state.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsConflict checks if an error indicates a version conflict or duplicate.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsInvalid checks if an error indicates a structurally invalid state.
func IsInvalid(err error) bool {
	return KindOf(err) == KindInvalid
}

// IsInvalidTransition checks if an error indicates a rejected phase transition.
func IsInvalidTransition(err error) bool {
	return KindOf(err) == KindInvalidTransition
}

// IsRecovery checks if an error was raised by the recovery engine.
func IsRecovery(err error) bool {
	return KindOf(err) == KindRecovery
}

// IsEncryption checks if an error indicates a cipher or key failure.
func IsEncryption(err error) bool {
	return KindOf(err) == KindEncryption
}

// IsSerialization checks if an error indicates an encoding failure.
func IsSerialization(err error) bool {
	return KindOf(err) == KindSerialization
}

// IsFatal checks if an error indicates an unrecoverable backend failure.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}
