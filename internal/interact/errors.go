package interact

import (
	"errors"
	"fmt"

	"github.com/jonathan/veo-automator/internal/escalate"
)

// BlockedError means the element was present but no strategy produced an
// effect on the page.
type BlockedError struct {
	Target   string
	Action   Kind
	Attempts []escalate.Attempt
	Summary  string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("interaction blocked: %s on %s: %s", e.Action, e.Target, e.Summary)
}

// Unwrap returns the error of the last attempt.
func (e *BlockedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// IsBlocked reports whether err is a BlockedError.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}
