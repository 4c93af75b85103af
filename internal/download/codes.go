package download

import (
	"fmt"

	"github.com/seisfetch/seisfetch/internal/config"
)

// Download codes stored in segments.download_code. Positive values are
// HTTP statuses; the negative values classify outcomes HTTP cannot
// express. A NULL code means the segment was never attempted (or its
// record was missing from an otherwise successful response).
const (
	CodeURLError     int64 = -1   // transport-level failure
	CodeMSeedError   int64 = -2   // response bytes are not readable miniSEED
	CodeTimespanWarn int64 = -200 // data saved but sticks out of the request window
	CodeTimespanErr  int64 = -204 // data entirely outside the request window

	// CodeSegNotFound never reaches the database; it is the stats
	// column for requested channels missing from a 200 response.
	CodeSegNotFound int64 = -100
)

// CodeLabel names a code for the summary table.
func CodeLabel(code int64) string {
	switch code {
	case CodeURLError:
		return "Url Error"
	case CodeMSeedError:
		return "MSeed Error"
	case CodeTimespanWarn:
		return "OK Partially Saved"
	case CodeTimespanErr:
		return "Time Span Error"
	case CodeSegNotFound:
		return "Not Found"
	default:
		return fmt.Sprintf("%d", code)
	}
}

// RetryPolicy selects which stored outcomes a re-run attempts again.
type RetryPolicy struct {
	SegNotFound  bool
	URLErr       bool
	MSeedErr     bool
	TimespanErr  bool
	TimespanWarn bool
	ClientErr    bool
	ServerErr    bool
}

// PolicyFromJob lifts the job file's retry flags.
func PolicyFromJob(j *config.JobConfig) RetryPolicy {
	return RetryPolicy{
		SegNotFound:  j.RetrySegNotFound,
		URLErr:       j.RetryURLErr,
		MSeedErr:     j.RetryMSeedErr,
		TimespanErr:  j.RetryTimespanErr,
		TimespanWarn: j.RetryTimespanWarn,
		ClientErr:    j.RetryClientErr,
		ServerErr:    j.RetryServerErr,
	}
}

// ShouldRetry reports whether a stored segment with the given code is
// attempted again. A nil code (never completed) and an empty 204 both
// fall under the not-found flag.
func (p RetryPolicy) ShouldRetry(code *int64) bool {
	if code == nil {
		return p.SegNotFound
	}
	switch c := *code; {
	case c == CodeURLError:
		return p.URLErr
	case c == CodeMSeedError:
		return p.MSeedErr
	case c == CodeTimespanErr:
		return p.TimespanErr
	case c == CodeTimespanWarn:
		return p.TimespanWarn
	case c == 204:
		return p.SegNotFound
	case c >= 400 && c < 500:
		return p.ClientErr
	case c >= 500:
		return p.ServerErr
	}
	return false
}
