package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seisfetch/seisfetch/internal/fdsn"
	"github.com/seisfetch/seisfetch/internal/geo"
)

// DataSource values select how data centers are discovered.
const (
	DataSourceEIDA = "eida"
	DataSourceIRIS = "iris"
)

// IRISDataselectURL is the fixed endpoint of the iris source mode.
const IRISDataselectURL = "http://service.iris.edu/fdsnws/dataselect/1/query"

// JobTime accepts the date and datetime forms FDSN services use.
type JobTime struct{ time.Time }

func (t *JobTime) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := fdsn.ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// StringList accepts either a YAML list or a comma-separated scalar.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	var list []string
	if err := value.Decode(&list); err == nil {
		*l = list
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("expected list or comma-separated string")
	}
	if strings.TrimSpace(s) == "" {
		*l = nil
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	*l = out
	return nil
}

// SearchRadius is the magnitude-dependent radius section of a job file.
type SearchRadius struct {
	MinMag    float64 `yaml:"min_mag"`
	MaxMag    float64 `yaml:"max_mag"`
	MinRadius float64 `yaml:"min_radius"`
	MaxRadius float64 `yaml:"max_radius"`
}

// JobConfig is one download job: the event query, the channel selection,
// the request window geometry and the retry policy.
type JobConfig struct {
	EventURL string  `yaml:"event_url"`
	Start    JobTime `yaml:"start"`
	End      JobTime `yaml:"end"`

	MinLatitude  *float64 `yaml:"min_latitude"`
	MaxLatitude  *float64 `yaml:"max_latitude"`
	MinLongitude *float64 `yaml:"min_longitude"`
	MaxLongitude *float64 `yaml:"max_longitude"`
	MinDepthKm   *float64 `yaml:"min_depth_km"`
	MaxDepthKm   *float64 `yaml:"max_depth_km"`
	MinMagnitude *float64 `yaml:"min_magnitude"`
	MaxMagnitude *float64 `yaml:"max_magnitude"`

	// DataURL is "eida", "iris" or an explicit FDSN station or
	// dataselect URL.
	DataURL string `yaml:"data_url"`

	Network  StringList `yaml:"network"`
	Station  StringList `yaml:"station"`
	Location StringList `yaml:"location"`
	Channel  StringList `yaml:"channel"`

	MinSampleRate float64      `yaml:"min_sample_rate"`
	SearchRadius  SearchRadius `yaml:"search_radius"`

	// Timespan is [minutes before arrival, minutes after arrival].
	Timespan [2]float64 `yaml:"timespan"`

	// Retry flags select which previously stored outcomes are attempted
	// again on a re-run.
	RetrySegNotFound  bool `yaml:"retry_seg_not_found"`
	RetryURLErr       bool `yaml:"retry_url_err"`
	RetryMSeedErr     bool `yaml:"retry_mseed_err"`
	RetryTimespanErr  bool `yaml:"retry_timespan_err"`
	RetryTimespanWarn bool `yaml:"retry_timespan_warn"`
	RetryClientErr    bool `yaml:"retry_client_err"`
	RetryServerErr    bool `yaml:"retry_server_err"`

	UpdateMetadata bool `yaml:"update_metadata"`
	Inventory      bool `yaml:"inventory"`

	TravelTimeTable string `yaml:"traveltime_table"`

	// RawYAML is the job file verbatim, stored with the run.
	RawYAML string `yaml:"-"`
}

// LoadJobFile reads and validates a job YAML file.
func LoadJobFile(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	return ParseJob(data)
}

// ParseJob parses and validates job YAML.
func ParseJob(data []byte) (*JobConfig, error) {
	job := &JobConfig{
		SearchRadius: SearchRadius{MinMag: 3, MaxMag: 7, MinRadius: 1, MaxRadius: 5},
		Timespan:     [2]float64{1, 3},
	}
	if err := yaml.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("parse job file: %w", err)
	}
	job.RawYAML = string(data)
	if err := job.validate(); err != nil {
		return nil, err
	}
	return job, nil
}

func (j *JobConfig) validate() error {
	var errs []string
	if strings.TrimSpace(j.EventURL) == "" {
		errs = append(errs, "event_url is required")
	}
	if j.Start.IsZero() || j.End.IsZero() {
		errs = append(errs, "start and end are required")
	} else if !j.Start.Before(j.End.Time) {
		errs = append(errs, "start must precede end")
	}
	switch j.DataURL {
	case DataSourceEIDA, DataSourceIRIS:
	case "":
		errs = append(errs, "data_url is required (eida, iris, or an fdsn url)")
	default:
		if _, _, err := fdsn.NormalizeURLs(j.DataURL); err != nil {
			errs = append(errs, fmt.Sprintf("data_url: %v", err))
		}
	}
	if j.MinSampleRate < 0 {
		errs = append(errs, "min_sample_rate must not be negative")
	}
	if j.Timespan[0] < 0 || j.Timespan[1] <= 0 {
		errs = append(errs, "timespan minutes must be positive")
	}
	sr := j.SearchRadius
	if sr.MinMag > sr.MaxMag || sr.MinRadius <= 0 || sr.MaxRadius < sr.MinRadius {
		errs = append(errs, "search_radius: need min_mag <= max_mag and 0 < min_radius <= max_radius")
	}
	for _, tok := range append(append([]string{}, j.Network...),
		append(append([]string{}, j.Station...),
			append(append([]string{}, j.Location...), j.Channel...)...)...) {
		if tok == "!" {
			errs = append(errs, "channel filters: bare '!' is not a valid token")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("job validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// Filter returns the job's channel selection.
func (j *JobConfig) Filter() fdsn.Filter {
	return fdsn.Filter{
		Networks:  j.Network,
		Stations:  j.Station,
		Locations: j.Location,
		Channels:  j.Channel,
	}
}

// Radius returns the magnitude-to-radius schedule.
func (j *JobConfig) Radius() geo.RadiusSchedule {
	return geo.RadiusSchedule{
		MinMag:    j.SearchRadius.MinMag,
		MaxMag:    j.SearchRadius.MaxMag,
		MinRadius: j.SearchRadius.MinRadius,
		MaxRadius: j.SearchRadius.MaxRadius,
	}
}

// Window returns the request window offsets around the arrival time.
func (j *JobConfig) Window() (before, after time.Duration) {
	return time.Duration(j.Timespan[0] * float64(time.Minute)),
		time.Duration(j.Timespan[1] * float64(time.Minute))
}
