package locator

import (
	"errors"
	"fmt"
)

var (
	errNoMatch        = errors.New("no visible, enabled match")
	errBelowThreshold = errors.New("matches scored below threshold")
)

// LocateError means no candidate of a target produced an acceptable element.
// Callers decide whether to retry, fall back or fail the step.
type LocateError struct {
	Target string
	Tried  []string
	Cause  error
}

func (e *LocateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("locate error: %s: no match after %d candidates: %v", e.Target, len(e.Tried), e.Cause)
	}
	return fmt.Sprintf("locate error: %s: no match after %d candidates", e.Target, len(e.Tried))
}

func (e *LocateError) Unwrap() error {
	return e.Cause
}

// IsLocateFailure reports whether err is a LocateError.
func IsLocateFailure(err error) bool {
	var le *LocateError
	return errors.As(err, &le)
}
