package build

import (
	"fmt"

	"github.com/e2b-dev/research/internal/template"
)

// BuildError is a non-retryable template build failure. Step is 1-based, 0 when the
// failure is not tied to a single step.
type BuildError struct {
	Step    int
	Kind    template.StepKind
	Message string
	Err     error
}

func NewBuildError(step int, kind template.StepKind, message string, err error) *BuildError {
	return &BuildError{
		Step:    step,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

func (e *BuildError) Error() string {
	msg := e.Message
	if e.Step > 0 {
		msg = fmt.Sprintf("step %d (%s): %s", e.Step, e.Kind, e.Message)
	}

	if e.Err == nil {
		return msg
	}

	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}
