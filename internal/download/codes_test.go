package download

import "testing"

func codePtr(c int64) *int64 { return &c }

func TestRetryPolicy(t *testing.T) {
	cases := []struct {
		name   string
		policy RetryPolicy
		code   *int64
		want   bool
	}{
		{"nil code under seg_not_found", RetryPolicy{SegNotFound: true}, nil, true},
		{"nil code without flag", RetryPolicy{}, nil, false},
		{"204 under seg_not_found", RetryPolicy{SegNotFound: true}, codePtr(204), true},
		{"url error", RetryPolicy{URLErr: true}, codePtr(CodeURLError), true},
		{"url error off", RetryPolicy{MSeedErr: true}, codePtr(CodeURLError), false},
		{"mseed error", RetryPolicy{MSeedErr: true}, codePtr(CodeMSeedError), true},
		{"timespan error", RetryPolicy{TimespanErr: true}, codePtr(CodeTimespanErr), true},
		{"timespan warn", RetryPolicy{TimespanWarn: true}, codePtr(CodeTimespanWarn), true},
		{"client error", RetryPolicy{ClientErr: true}, codePtr(404), true},
		{"server error", RetryPolicy{ServerErr: true}, codePtr(503), true},
		{"client flag does not cover 5xx", RetryPolicy{ClientErr: true}, codePtr(503), false},
		{"success never retried", RetryPolicy{SegNotFound: true, URLErr: true, ClientErr: true, ServerErr: true}, codePtr(200), false},
	}
	for _, c := range cases {
		if got := c.policy.ShouldRetry(c.code); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestCodeLabel(t *testing.T) {
	cases := map[int64]string{
		CodeURLError:     "Url Error",
		CodeMSeedError:   "MSeed Error",
		CodeTimespanErr:  "Time Span Error",
		CodeTimespanWarn: "OK Partially Saved",
		CodeSegNotFound:  "Not Found",
		200:              "200",
		413:              "413",
	}
	for code, want := range cases {
		if got := CodeLabel(code); got != want {
			t.Errorf("CodeLabel(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestQuitError(t *testing.T) {
	s := SoftQuit("nothing to do")
	if !s.Soft() || s.Error() != "nothing to do" {
		t.Errorf("soft quit = %+v", s)
	}
	h := HardQuit(errFake)
	if h.Soft() {
		t.Error("hard quit reported soft")
	}
	if h.Unwrap() != errFake {
		t.Error("hard quit does not unwrap")
	}
}
