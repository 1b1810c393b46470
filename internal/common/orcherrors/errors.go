// Package orcherrors contains generic errors returned by the repositories, the state machine and the processor
// handlers. Callers look for these with errors.As to decide whether a failure is a domain outcome (e.g. an event
// referring to a job that no longer exists) or a fault.
//
// If several errors occur in one operation, that operation should return a *multierror.Error from
// github.com/hashicorp/go-multierror wrapping the individual errors.
package orcherrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrAlreadyExists is returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "job" or "event"
	Value   string // Resource identifier
	Message string
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is returned whenever some resource isn't found.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is returned on invalid argument.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "processorId"
	Value   interface{} // The invalid value that was provided
	Message string
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrInvalidTransition is returned by the state machine when an entity cannot move from its current status to the
// requested one, e.g. when cancelling a job that has already finished.
type ErrInvalidTransition struct {
	Entity string // "job", "task" or "step"
	Id     string
	From   string
	To     string
}

func (err *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("%s %s cannot move from %s to %s", err.Entity, err.Id, err.From, err.To)
}

// IsNotFound returns true if err, or any error it wraps, is an *ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// IsInvalidTransition returns true if err, or any error it wraps, is an *ErrInvalidTransition.
func IsInvalidTransition(err error) bool {
	var e *ErrInvalidTransition
	return errors.As(err, &e)
}

// IsAlreadyExists returns true if err, or any error it wraps, is an *ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	var e *ErrAlreadyExists
	return errors.As(err, &e)
}
