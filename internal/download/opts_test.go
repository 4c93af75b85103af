package download

import (
	"net/http"
	"testing"
	"time"

	"github.com/seisfetch/seisfetch/internal/config"
)

func TestFetchOptsCarriesMemThreshold(t *testing.T) {
	env := &config.EnvConfig{MemThresholdPct: 85}
	client := &http.Client{}

	opts := fetchOpts(env, 4, 7*time.Second, client)

	if opts.MemThresholdPct != 85 {
		t.Fatalf("MemThresholdPct = %v, want 85", opts.MemThresholdPct)
	}
	if opts.Workers != 4 {
		t.Fatalf("Workers = %d, want 4", opts.Workers)
	}
	if opts.Timeout != 7*time.Second {
		t.Fatalf("Timeout = %v, want 7s", opts.Timeout)
	}
	if opts.Client != client {
		t.Fatalf("Client not carried through")
	}
}

func TestFetchOptsZeroThresholdDisablesWatchdog(t *testing.T) {
	opts := fetchOpts(&config.EnvConfig{}, 1, time.Second, nil)
	if opts.MemThresholdPct != 0 {
		t.Fatalf("MemThresholdPct = %v, want 0", opts.MemThresholdPct)
	}
}
