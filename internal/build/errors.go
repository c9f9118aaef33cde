package build

import (
	"errors"
	"fmt"
)

// A BuildError represents a failure of one build job.
type BuildError struct {
	Reason  Reason
	Message string
	LogTail []string
	Err     error
}

// Error returns the error message.
func (e *BuildError) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Message
	}
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Errorf builds a BuildError with a formatted message.
func Errorf(reason Reason, format string, args ...any) *BuildError {
	return &BuildError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the failure reason of err, defaulting to ReasonBuildFailed.
func ReasonOf(err error) Reason {
	var buildErr *BuildError
	if errors.As(err, &buildErr) && buildErr.Reason != ReasonNone {
		return buildErr.Reason
	}
	return ReasonBuildFailed
}

// LogTailOf returns the captured output attached to err, if any.
func LogTailOf(err error) []string {
	var buildErr *BuildError
	if errors.As(err, &buildErr) {
		return buildErr.LogTail
	}
	return nil
}
