package config

import (
	"strings"
	"testing"
	"time"
)

const jobYAML = `
event_url: https://geofon.gfz-potsdam.de/fdsnws/event/1/query
start: 2021-03-01
end: 2021-04-01T12:00:00
min_magnitude: 4.0
data_url: eida
network: [GE, NL]
channel: "BH?, HH?, !BHE"
min_sample_rate: 10
search_radius:
  min_mag: 4
  max_mag: 8
  min_radius: 2
  max_radius: 10
timespan: [1.5, 4]
retry_url_err: true
retry_seg_not_found: true
inventory: true
`

func TestParseJob(t *testing.T) {
	job, err := ParseJob([]byte(jobYAML))
	if err != nil {
		t.Fatal(err)
	}
	if !job.Start.Equal(time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", job.Start)
	}
	if !job.End.Equal(time.Date(2021, 4, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("end = %v", job.End)
	}
	if job.DataURL != DataSourceEIDA {
		t.Errorf("data_url = %q", job.DataURL)
	}
	f := job.Filter()
	if len(f.Networks) != 2 || f.Networks[1] != "NL" {
		t.Errorf("networks = %v", f.Networks)
	}
	if len(f.Channels) != 3 || f.Channels[2] != "!BHE" {
		t.Errorf("channels = %v (comma string should split)", f.Channels)
	}
	before, after := job.Window()
	if before != 90*time.Second || after != 4*time.Minute {
		t.Errorf("window = %v/%v", before, after)
	}
	if r := job.Radius().Radius(6); r != 6 {
		t.Errorf("radius(6) = %v, want 6", r)
	}
	if !job.RetryURLErr || !job.RetrySegNotFound || job.RetryMSeedErr {
		t.Error("retry flags not parsed")
	}
	if !strings.Contains(job.RawYAML, "event_url:") {
		t.Error("raw yaml not preserved")
	}
}

func TestParseJobDefaults(t *testing.T) {
	job, err := ParseJob([]byte(`
event_url: https://example.org/fdsnws/event/1/query
start: 2021-01-01
end: 2021-02-01
data_url: iris
`))
	if err != nil {
		t.Fatal(err)
	}
	if job.Timespan != [2]float64{1, 3} {
		t.Errorf("timespan default = %v", job.Timespan)
	}
	if job.SearchRadius.MaxRadius != 5 {
		t.Errorf("search radius default = %+v", job.SearchRadius)
	}
	if job.UpdateMetadata || job.Inventory {
		t.Error("booleans should default to false")
	}
}

func TestParseJobExplicitURL(t *testing.T) {
	job, err := ParseJob([]byte(`
event_url: https://example.org/fdsnws/event/1/query
start: 2021-01-01
end: 2021-02-01
data_url: https://geofon.gfz-potsdam.de/fdsnws/dataselect/1/query
`))
	if err != nil {
		t.Fatal(err)
	}
	if job.DataURL == "" {
		t.Fatal("data_url lost")
	}
}

func TestParseJobRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing event url", "start: 2021-01-01\nend: 2021-02-01\ndata_url: eida\n", "event_url is required"},
		{"start after end", "event_url: x\nstart: 2021-02-01\nend: 2021-01-01\ndata_url: eida\n", "start must precede end"},
		{"bad data url", "event_url: x\nstart: 2021-01-01\nend: 2021-02-01\ndata_url: ftp://nope\n", "data_url"},
		{"bad timespan", "event_url: x\nstart: 2021-01-01\nend: 2021-02-01\ndata_url: eida\ntimespan: [1, 0]\n", "timespan"},
	}
	for _, c := range cases {
		_, err := ParseJob([]byte(c.yaml))
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Errorf("%s: err = %v, want containing %q", c.name, err, c.want)
		}
	}
}
