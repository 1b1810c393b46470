package taskgraph

import (
	"fmt"

	"github.com/pkg/errors"
)

type BuildErrorKind int

const (
	// EmptyJob means there was nothing to process, e.g. no input groups.
	EmptyJob BuildErrorKind = iota
	// InvalidGraph means the requested graph cannot be expressed, e.g. an unknown output kind or a dangling parent.
	InvalidGraph
	// MissingInput means an input the graph depends on could not be resolved.
	MissingInput
)

func (k BuildErrorKind) String() string {
	switch k {
	case EmptyJob:
		return "empty job"
	case InvalidGraph:
		return "invalid graph"
	case MissingInput:
		return "missing input"
	}
	return fmt.Sprintf("BuildErrorKind(%d)", int(k))
}

// BuildError is a domain failure of graph construction. Jobs whose graph fails with a BuildError are failed; any other
// error is a fault.
type BuildError struct {
	Kind    BuildErrorKind
	Message string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newBuildError(kind BuildErrorKind, format string, args ...interface{}) error {
	return errors.WithStack(&BuildError{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// EmptyJobError returns a BuildError of kind EmptyJob.
func EmptyJobError(format string, args ...interface{}) error {
	return newBuildError(EmptyJob, format, args...)
}

// InvalidGraphError returns a BuildError of kind InvalidGraph.
func InvalidGraphError(format string, args ...interface{}) error {
	return newBuildError(InvalidGraph, format, args...)
}

// MissingInputError returns a BuildError of kind MissingInput.
func MissingInputError(format string, args ...interface{}) error {
	return newBuildError(MissingInput, format, args...)
}

// AsBuildError returns the BuildError wrapped by err, if any.
func AsBuildError(err error) (*BuildError, bool) {
	var buildErr *BuildError
	if errors.As(err, &buildErr) {
		return buildErr, true
	}
	return nil, false
}

// IsEmptyJob returns true if err is a BuildError of kind EmptyJob.
func IsEmptyJob(err error) bool {
	buildErr, ok := AsBuildError(err)
	return ok && buildErr.Kind == EmptyJob
}
