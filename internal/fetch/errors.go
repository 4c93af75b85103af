package fetch

import "fmt"

// HTTPStatusError indicates the server responded, but with an unexpected
// HTTP status code. This is a non-network failure.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetch: unexpected status %d from %s", e.StatusCode, e.URL)
}

// NonRetryableError indicates request setup failed before any transport
// attempt was made (for example, malformed URL).
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("fetch: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// MemoryPressureError aborts a stream when process memory crosses the
// configured threshold mid-run.
type MemoryPressureError struct {
	UsedPercent      float64
	ThresholdPercent float64
}

func (e *MemoryPressureError) Error() string {
	return fmt.Sprintf("fetch: process memory %.1f%% exceeds threshold %.1f%%",
		e.UsedPercent, e.ThresholdPercent)
}
