// Package runtimeerr is the workspace runtime's error taxonomy: a small set
// of wrapped-error types matching the teacher's convention of returning
// fmt.Errorf("...: %w", err) rather than a bespoke exception hierarchy.
// Each type implements error and exposes a sentinel for errors.Is matching.
package runtimeerr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation sentinel: malformed input (bad session key, unknown mode, ...).
	ErrValidation = errors.New("validation error")
	// ErrNotFound sentinel: lookup against a session/request/task id that doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrAtCapacity sentinel: an admission-controlled resource is full (lane, sub-agent pool).
	ErrAtCapacity = errors.New("at capacity")
	// ErrTimeout sentinel: an operation exceeded its deadline.
	ErrTimeout = errors.New("timed out")
	// ErrInvoker sentinel: the AgentInvoker failed to produce a result.
	ErrInvoker = errors.New("invoker error")
	// ErrStoreCorruption sentinel: a persisted file failed to parse.
	ErrStoreCorruption = errors.New("store corruption")
)

// ValidationError wraps a validation failure with the offending field/value.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
	}
	return "validation: " + e.Msg
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError constructs a ValidationError.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}

// NotFoundError wraps a lookup miss, naming the kind of entity and its id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFoundError constructs a NotFoundError.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// CapacityError wraps an admission-control rejection (spec's "AtCapacity").
type CapacityError struct {
	Resource string
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s at capacity (limit %d)", e.Resource, e.Limit)
}

func (e *CapacityError) Unwrap() error { return ErrAtCapacity }

// NewCapacityError constructs a CapacityError.
func NewCapacityError(resource string, limit int) *CapacityError {
	return &CapacityError{Resource: resource, Limit: limit}
}

// TimeoutError wraps a deadline-exceeded failure, naming the operation and
// the deadline that fired.
type TimeoutError struct {
	Op       string
	Deadline string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Deadline)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// NewTimeoutError constructs a TimeoutError.
func NewTimeoutError(op, deadline string) *TimeoutError {
	return &TimeoutError{Op: op, Deadline: deadline}
}

// InvokerError wraps a model-invocation failure, preserving the underlying
// provider error via %w.
type InvokerError struct {
	Model string
	Err   error
}

func (e *InvokerError) Error() string {
	return fmt.Sprintf("invoker: model %s: %v", e.Model, e.Err)
}

func (e *InvokerError) Unwrap() []error { return []error{ErrInvoker, e.Err} }

// NewInvokerError constructs an InvokerError.
func NewInvokerError(model string, err error) *InvokerError {
	return &InvokerError{Model: model, Err: err}
}

// StoreCorruption wraps a persisted-file parse failure. The file on disk is
// left untouched; callers fall back to an empty in-memory document.
type StoreCorruption struct {
	Path string
	Err  error
}

func (e *StoreCorruption) Error() string {
	return fmt.Sprintf("store corruption: %s: %v", e.Path, e.Err)
}

func (e *StoreCorruption) Unwrap() []error { return []error{ErrStoreCorruption, e.Err} }

// NewStoreCorruption constructs a StoreCorruption error.
func NewStoreCorruption(path string, err error) *StoreCorruption {
	return &StoreCorruption{Path: path, Err: err}
}
