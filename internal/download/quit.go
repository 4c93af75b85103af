// Package download implements the pipeline stages of one run: event
// fetch, data center resolution, channel discovery, event/channel
// pairing, the download plan and the segment and inventory downloads.
package download

import "fmt"

// QuitError stops the pipeline early. A soft quit means there is simply
// nothing to do (exit 0); a quit wrapping an error is a failure (exit 1).
type QuitError struct {
	Reason string
	Err    error
}

// SoftQuit returns a QuitError that ends the run without failure.
func SoftQuit(format string, args ...any) *QuitError {
	return &QuitError{Reason: fmt.Sprintf(format, args...)}
}

// HardQuit returns a QuitError carrying a failure.
func HardQuit(err error) *QuitError {
	return &QuitError{Reason: err.Error(), Err: err}
}

// Soft reports whether the quit is a clean "nothing to do" stop.
func (e *QuitError) Soft() bool { return e.Err == nil }

func (e *QuitError) Error() string { return e.Reason }

func (e *QuitError) Unwrap() error { return e.Err }
