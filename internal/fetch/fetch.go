// Package fetch runs batches of HTTP requests through a bounded worker
// pool and streams the results back as they arrive, watching process
// memory so a large download run degrades instead of getting OOM-killed.
package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Request is one unit of work. Body non-empty means POST, otherwise GET.
// Tag travels untouched into the matching Result so callers can correlate.
type Request struct {
	Tag  any
	URL  string
	Body string
}

// Result is the outcome of one Request. Exactly one of Data/Err matters:
// on error Data is nil. Code is the HTTP status when a response was
// received, 0 otherwise.
type Result struct {
	Req  Request
	Data []byte
	Code int
	Err  error
}

// DecodeMode selects an optional validation of response bodies.
type DecodeMode int

const (
	// DecodeNone passes bodies through as raw bytes.
	DecodeNone DecodeMode = iota
	// DecodeUTF8 rejects bodies that are not valid UTF-8.
	DecodeUTF8
)

// ErrInvalidUTF8 is the Result error when DecodeUTF8 rejects a body.
var ErrInvalidUTF8 = errors.New("response body is not valid utf-8")

// Options tunes a stream. Zero values get sensible defaults.
type Options struct {
	Workers int           // concurrent requests, default 8
	Timeout time.Duration // per-request, default 30s

	// KeepErrorStatus returns non-2xx responses as plain results, body
	// and status code intact, instead of an HTTPStatusError.
	KeepErrorStatus bool

	// Decode validates response bodies. Default DecodeNone.
	Decode DecodeMode

	// Process memory watchdog: after every MemCheckEvery results the
	// forwarder samples memory; at or above MemThresholdPct the stream
	// aborts with MemoryPressureError. Zero threshold disables it.
	MemThresholdPct float64
	MemCheckEvery   int // default 10

	// MemPercent overrides the sampler, for tests. Default is
	// ProcessMemoryPercent.
	MemPercent func() (float64, error)

	Client *http.Client // default http.DefaultClient
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MemCheckEvery <= 0 {
		o.MemCheckEvery = 10
	}
	if o.MemPercent == nil {
		o.MemPercent = ProcessMemoryPercent
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
}

// Stream delivers Results as workers finish. Consume Results() until it
// closes, then check Err() for a stream-level abort.
type Stream struct {
	out    chan Result
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Results returns the channel of incoming results. It is closed when all
// requests finished or the stream aborted.
func (s *Stream) Results() <-chan Result { return s.out }

// Err reports why the stream stopped early, or nil after a full run.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Close aborts the stream. Safe to call at any time; pending results are
// discarded.
func (s *Stream) Close() {
	s.cancel()
	for range s.out {
	}
}

// Go launches the requests through opts.Workers workers and returns the
// result stream immediately.
func Go(ctx context.Context, reqs []Request, opts Options) *Stream {
	opts.defaults()

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{out: make(chan Result), cancel: cancel}
	inner := make(chan Result)

	var wg sync.WaitGroup
	sem := make(chan struct{}, opts.Workers)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, req := range reqs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(req Request) {
				defer wg.Done()
				defer func() { <-sem }()
				res := doRequest(ctx, req, opts)
				select {
				case inner <- res:
				case <-ctx.Done():
				}
			}(req)
		}
	}()
	go func() {
		wg.Wait()
		close(inner)
	}()

	// Forwarder: relays results and samples memory every MemCheckEvery
	// results when a threshold is set.
	go func() {
		defer close(s.out)
		defer cancel()
		n := 0
		for res := range inner {
			select {
			case s.out <- res:
			case <-ctx.Done():
				s.setErr(ctx.Err())
				go drain(inner)
				return
			}
			n++
			if opts.MemThresholdPct > 0 && n%opts.MemCheckEvery == 0 {
				pct, err := opts.MemPercent()
				if err == nil && pct >= opts.MemThresholdPct {
					s.setErr(&MemoryPressureError{
						UsedPercent:      pct,
						ThresholdPercent: opts.MemThresholdPct,
					})
					cancel()
					go drain(inner)
					return
				}
			}
		}
	}()
	return s
}

func drain(ch <-chan Result) {
	for range ch {
	}
}

func doRequest(ctx context.Context, req Request, opts Options) Result {
	res := Result{Req: req}

	rctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	method := http.MethodGet
	var body io.Reader
	if req.Body != "" {
		method = http.MethodPost
		body = strings.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(rctx, method, req.URL, body)
	if err != nil {
		res.Err = &NonRetryableError{Err: err}
		return res
	}
	if method == http.MethodPost {
		hreq.Header.Set("Content-Type", "text/plain")
	}

	resp, err := opts.Client.Do(hreq)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()
	res.Code = resp.StatusCode

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		res.Err = err
		return res
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		if !opts.KeepErrorStatus {
			res.Err = &HTTPStatusError{StatusCode: resp.StatusCode, URL: req.URL}
			return res
		}
		res.Data = data
		return res
	}
	if opts.Decode == DecodeUTF8 && !utf8.Valid(data) {
		res.Err = ErrInvalidUTF8
		return res
	}
	res.Data = data
	return res
}
