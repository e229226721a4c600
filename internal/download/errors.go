package download

import (
	"errors"
	"fmt"
)

// ErrNoTrigger means an ephemeral artifact had no download control to click.
var ErrNoTrigger = errors.New("no download control for ephemeral artifact")

// DownloadError means an artifact could not be retrieved after every retry.
// The artifact is marked failed; the batch goes on.
type DownloadError struct {
	Address  string
	Attempts int
	Cause    error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download error: %s after %d attempt(s): %v", shorten(e.Address), e.Attempts, e.Cause)
}

func (e *DownloadError) Unwrap() error {
	return e.Cause
}

// IsDownloadFailure reports whether err is a DownloadError.
func IsDownloadFailure(err error) bool {
	var de *DownloadError
	return errors.As(err, &de)
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

func shorten(address string) string {
	r := []rune(address)
	if len(r) > 80 {
		return string(r[:77]) + "..."
	}
	return address
}
