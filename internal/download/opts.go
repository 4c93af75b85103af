package download

import (
	"net/http"
	"time"

	"github.com/seisfetch/seisfetch/internal/config"
	"github.com/seisfetch/seisfetch/internal/fetch"
)

// fetchOpts builds the fetcher options shared by every stage. The memory
// watchdog guards each fan-out, not just the segment pass.
func fetchOpts(env *config.EnvConfig, workers int, timeout time.Duration, client *http.Client) fetch.Options {
	return fetch.Options{
		Workers:         workers,
		Timeout:         timeout,
		MemThresholdPct: float64(env.MemThresholdPct),
		Client:          client,
	}
}
