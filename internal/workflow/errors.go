package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBuildFailed is returned when a build reports error diagnostics.
	ErrBuildFailed = errors.New("build failed")
	// ErrTestsFailed is returned when a completed test run has failures.
	ErrTestsFailed = errors.New("tests failed")
	// ErrAmbiguousTask matches every *AmbiguousTaskError.
	ErrAmbiguousTask = errors.New("test task is ambiguous")
)

// AmbiguousTaskError is returned when no test task was named and more than
// one task looks like a test task.
type AmbiguousTaskError struct {
	Candidates []string
}

func (e *AmbiguousTaskError) Error() string {
	return fmt.Sprintf("%s: candidates %s; name one explicitly", ErrAmbiguousTask.Error(), strings.Join(e.Candidates, ", "))
}

// Is lets errors.Is match ErrAmbiguousTask.
func (e *AmbiguousTaskError) Is(target error) bool {
	return target == ErrAmbiguousTask
}
