package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonathan/veo-automator/internal/browser"
	"github.com/jonathan/veo-automator/internal/download"
	"github.com/jonathan/veo-automator/internal/interact"
	"github.com/jonathan/veo-automator/internal/locator"
)

// ErrStopped is returned when a stop request was honored between steps.
var ErrStopped = errors.New("run stopped on request")

// Error classes recorded on steps, logs and metrics.
const (
	ClassNone               = ""
	ClassLocateFailure      = "locate_failure"
	ClassInteractionBlocked = "interaction_blocked"
	ClassSessionLost        = "session_lost"
	ClassCompletionTimeout  = "completion_timeout"
	ClassDownloadFailure    = "download_failure"
	ClassNoArtifacts        = "no_artifacts"
	ClassStopped            = "stopped"
	ClassCanceled           = "canceled"
	ClassError              = "error"
)

// Classify maps an error to its class.
func Classify(err error) string {
	switch {
	case err == nil:
		return ClassNone
	case browser.IsSessionLost(err):
		return ClassSessionLost
	case errors.Is(err, ErrStopped):
		return ClassStopped
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	case interact.IsBlocked(err):
		return ClassInteractionBlocked
	case locator.IsLocateFailure(err):
		return ClassLocateFailure
	case download.IsDownloadFailure(err):
		return ClassDownloadFailure
	case errors.Is(err, errCompletionTimeout):
		return ClassCompletionTimeout
	case errors.Is(err, errNoArtifacts):
		return ClassNoArtifacts
	default:
		return ClassError
	}
}

var (
	errCompletionTimeout = errors.New("completion wait reached its ceiling")
	errNoArtifacts       = errors.New("no new artifacts found")
	errPanelOpen         = errors.New("panel still visible")
	errNothingDelivered  = errors.New("no artifact was delivered")
)

// StepError reports the step that aborted a run.
type StepError struct {
	Step  string
	Class string
	Cause error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed (%s): %v", e.Step, e.Class, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}
