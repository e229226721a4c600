package browser

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionLost matches every SessionLostError via errors.Is.
	ErrSessionLost = errors.New("browser session lost")
	// ErrIntercepted means another element sits on top of the click target.
	ErrIntercepted = errors.New("element is covered by another element")
	// ErrStaleElement means the element handle no longer resolves.
	ErrStaleElement = errors.New("element is no longer attached")
	// ErrNotSignedIn means the profile landed on a sign-in page.
	ErrNotSignedIn = errors.New("browser profile is not signed in")
)

// SessionLostError reports that the browser connection died or the page is
// unusable. It is recoverable only through Manager.Recover.
type SessionLostError struct {
	Message string
	Cause   error
}

func (e *SessionLostError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("session lost: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("session lost: %s", e.Message)
}

func (e *SessionLostError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrSessionLost) true for every SessionLostError.
func (e *SessionLostError) Is(target error) bool {
	return target == ErrSessionLost
}

// IsSessionLost reports whether err means the session is gone.
func IsSessionLost(err error) bool {
	return errors.Is(err, ErrSessionLost)
}
