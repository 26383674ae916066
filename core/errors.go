package core

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports malformed or missing input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown entity id.
type NotFoundError struct {
	Entity string
	ID     int64
	Detail string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s %d not found", e.Entity, e.ID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// PreconditionError reports a stage or approval gate that is not satisfied.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// DispatchError reports a job that could not be handed to its worker.
type DispatchError struct {
	Kind     string
	Endpoint string
	Status   int
	Cause    error
}

func (e *DispatchError) Error() string {
	parts := []string{"dispatch " + e.Kind}
	if e.Endpoint != "" {
		parts = append(parts, e.Endpoint)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status %d", e.Status))
	}
	msg := strings.Join(parts, " ")
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// StorageError reports a failed storage operation; the transaction was rolled back.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Cause)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Unmet builds a PreconditionError.
func Unmet(op, format string, args ...any) error {
	return &PreconditionError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// VideoNotFound builds a NotFoundError for a video id.
func VideoNotFound(id int64) error {
	return &NotFoundError{Entity: "video", ID: id}
}

// ArtifactNotFound builds a NotFoundError for an artifact id.
func ArtifactNotFound(id int64) error {
	return &NotFoundError{Entity: "artifact", ID: id}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsPrecondition(err error) bool {
	var target *PreconditionError
	return errors.As(err, &target)
}

func IsDispatch(err error) bool {
	var target *DispatchError
	return errors.As(err, &target)
}

func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}
