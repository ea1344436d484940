package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error types that can be used for error checking with errors.Is.
var (
	// ErrValidation is returned when user input is malformed (bad arm shape,
	// duplicate asset, missing required option). Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrFrozenCollection is returned on any mutation of an asset collection
	// after its owning entity left the CREATED state.
	ErrFrozenCollection = errors.New("asset collection is frozen")

	// ErrDuplicateAsset is returned when an asset with the same relative path
	// and filename is already present in a collection.
	ErrDuplicateAsset = errors.New("duplicate asset")

	// ErrNotFound is returned when an entity id is absent on the back-end.
	ErrNotFound = errors.New("entity not found")

	// ErrTransient marks back-end failures that are worth retrying
	// (network resets, 5xx responses, throttling).
	ErrTransient = errors.New("transient backend error")

	// ErrFatal marks back-end failures that must not be retried
	// (auth, permission, request shape mismatch).
	ErrFatal = errors.New("fatal backend error")

	// ErrNotReady is returned when Run is called on an entity that has not
	// been created on the back-end yet.
	ErrNotReady = errors.New("entity not ready to run")

	// ErrIncompleteFleet is returned when analysis is requested over a fleet
	// that is not fully succeeded and partial results were not allowed.
	ErrIncompleteFleet = errors.New("fleet incomplete")

	// ErrDeadlineExceeded is returned when polling ran past the user deadline.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrArmShape is returned when a pairwise arm is built from value lists
	// of unequal length.
	ErrArmShape = errors.New("sweep arm shape mismatch")

	// ErrIllegalTransition is returned on a status transition not permitted
	// by the entity state machine. The entity is left unchanged.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// BackendError wraps an error from a platform driver with the operation and
// the item it concerned.
type BackendError struct {
	Op     string // Operation that failed (e.g. "Create", "RefreshStatus")
	ItemID string // Local id of the entity involved, if known
	Err    error
}

func (e *BackendError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("%s: item %s: %v", e.Op, e.ItemID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError creates a new BackendError.
func NewBackendError(op, itemID string, err error) *BackendError {
	return &BackendError{Op: op, ItemID: itemID, Err: err}
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Fatal wraps err so that errors.Is(err, ErrFatal) holds.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsTransient reports whether err should be retried under the standard
// backoff policy.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// UnknownPluginError is returned on a registry miss. It carries the names
// that are registered so the caller can print a useful hint.
type UnknownPluginError struct {
	Name      string
	Category  string
	Available []string
}

func (e *UnknownPluginError) Error() string {
	return fmt.Sprintf("unknown %s plugin %q (available: %s)",
		e.Category, e.Name, strings.Join(e.Available, ", "))
}

// ItemOutcome records the result of one item inside a batch operation.
type ItemOutcome struct {
	ItemID string
	Err    error
}

// PartialSuccess is the aggregate outcome of a batch where some items
// succeeded and some failed. It is returned as a value from Run rather than
// aborting the coordinator.
type PartialSuccess struct {
	Op       string
	Total    int
	Failures []ItemOutcome
}

func (e *PartialSuccess) Error() string {
	return fmt.Sprintf("%s: %d of %d items failed", e.Op, len(e.Failures), e.Total)
}

// Failed reports whether the given item id is among the recorded failures.
func (e *PartialSuccess) Failed(itemID string) bool {
	for _, f := range e.Failures {
		if f.ItemID == itemID {
			return true
		}
	}
	return false
}
