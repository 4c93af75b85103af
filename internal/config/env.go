// Package config handles environment-based process settings and the
// per-run job file describing what to download.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig holds all environment-variable-driven settings: process
// tuning that stays fixed across runs, as opposed to the job file.
type EnvConfig struct {
	// Storage
	DBPath string

	// Concurrency
	EventWorkers   int
	StationWorkers int
	SegmentWorkers int

	// Timeouts
	EventTimeout   time.Duration
	StationTimeout time.Duration
	SegmentTimeout time.Duration

	// Write buffering
	SegmentBufSize int

	// Memory watchdog: abort a download stream when the process exceeds
	// this share of system memory. 0 disables.
	MemThresholdPct int

	// Routing service for EIDA channel discovery.
	RoutingURL string
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error if any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.DBPath = envStr("SEISFETCH_DB_PATH", "seisfetch.db")

	cfg.EventWorkers = envInt("SEISFETCH_EVENT_WORKERS", 4, &errs)
	cfg.StationWorkers = envInt("SEISFETCH_STATION_WORKERS", 8, &errs)
	cfg.SegmentWorkers = envInt("SEISFETCH_SEGMENT_WORKERS", 16, &errs)

	cfg.EventTimeout = envDuration("SEISFETCH_EVENT_TIMEOUT", 120*time.Second, &errs)
	cfg.StationTimeout = envDuration("SEISFETCH_STATION_TIMEOUT", 60*time.Second, &errs)
	cfg.SegmentTimeout = envDuration("SEISFETCH_SEGMENT_TIMEOUT", 120*time.Second, &errs)

	cfg.SegmentBufSize = envInt("SEISFETCH_SEGMENT_BUF_SIZE", 100, &errs)
	cfg.MemThresholdPct = envInt("SEISFETCH_MEM_THRESHOLD_PCT", 90, &errs)

	cfg.RoutingURL = envStr("SEISFETCH_ROUTING_URL",
		"http://geofon.gfz-potsdam.de/eidaws/routing/1/query")

	if strings.TrimSpace(cfg.DBPath) == "" {
		errs = append(errs, "SEISFETCH_DB_PATH must not be empty")
	}
	validatePositive("SEISFETCH_EVENT_WORKERS", cfg.EventWorkers, &errs)
	validatePositive("SEISFETCH_STATION_WORKERS", cfg.StationWorkers, &errs)
	validatePositive("SEISFETCH_SEGMENT_WORKERS", cfg.SegmentWorkers, &errs)
	validatePositive("SEISFETCH_SEGMENT_BUF_SIZE", cfg.SegmentBufSize, &errs)
	if cfg.EventTimeout <= 0 {
		errs = append(errs, "SEISFETCH_EVENT_TIMEOUT must be positive")
	}
	if cfg.StationTimeout <= 0 {
		errs = append(errs, "SEISFETCH_STATION_TIMEOUT must be positive")
	}
	if cfg.SegmentTimeout <= 0 {
		errs = append(errs, "SEISFETCH_SEGMENT_TIMEOUT must be positive")
	}
	if cfg.MemThresholdPct < 0 || cfg.MemThresholdPct > 100 {
		errs = append(errs, fmt.Sprintf("SEISFETCH_MEM_THRESHOLD_PCT: must be 0-100, got %d", cfg.MemThresholdPct))
	}
	if strings.TrimSpace(cfg.RoutingURL) == "" {
		errs = append(errs, "SEISFETCH_ROUTING_URL must not be empty")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
