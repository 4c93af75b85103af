package download

import (
	"bytes"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seisfetch/seisfetch/internal/config"
	"github.com/seisfetch/seisfetch/internal/model"
	"github.com/seisfetch/seisfetch/internal/mseed"
	"github.com/seisfetch/seisfetch/internal/runlog"
	"github.com/seisfetch/seisfetch/internal/store"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.MigrateDB(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func testLog() *runlog.Logger {
	return runlog.New(&bytes.Buffer{})
}

func testEnv() *config.EnvConfig {
	return &config.EnvConfig{
		EventWorkers:   2,
		StationWorkers: 2,
		SegmentWorkers: 2,
		EventTimeout:   5 * time.Second,
		StationTimeout: 5 * time.Second,
		SegmentTimeout: 5 * time.Second,
		SegmentBufSize: 10,
	}
}

func testJob(t *testing.T, yaml string) *config.JobConfig {
	t.Helper()
	job, err := config.ParseJob([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	return job
}

// echoUnpacker fabricates one record per request body line, marking ids
// listed in missing or outOfRange accordingly. The dataselect test
// servers echo the request body, so Unpack sees the channel list.
type echoUnpacker struct {
	missing    map[string]bool
	outOfRange map[string]bool // sticks out of the window, data kept
	gone       map[string]bool // entirely outside the window
	broken     map[string]bool
}

func (u echoUnpacker) Unpack(data []byte, reqStart, reqEnd time.Time) (map[string]mseed.Record, error) {
	out := make(map[string]mseed.Record)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		loc := fields[2]
		if loc == "--" {
			loc = ""
		}
		id := fields[0] + "." + fields[1] + "." + loc + "." + fields[3]
		switch {
		case u.missing[id]:
		case u.broken[id]:
			out[id] = mseed.Record{Err: errFake}
		case u.gone[id]:
			out[id] = mseed.Record{
				SampleRate: 20,
				Start:      reqStart.Add(-2 * time.Hour), End: reqStart.Add(-time.Hour),
				OutOfRange: true,
			}
		case u.outOfRange[id]:
			out[id] = mseed.Record{
				Data: []byte("partial"), SampleRate: 20,
				Start: reqStart.Add(-time.Minute), End: reqEnd.Add(-30 * time.Second),
				OutOfRange: true,
			}
		default:
			out[id] = mseed.Record{
				Data: []byte("payload-" + id), SampleRate: 20,
				Start: reqStart, End: reqEnd,
			}
		}
	}
	return out, nil
}

var errFake = errors.New("unreadable record")

func epoch(chID, staID, dcID int64, net, sta, loc, cha string, lat, lon float64) model.ChannelEpoch {
	return model.ChannelEpoch{
		ChannelID: chID, StationID: staID, DataCenterID: dcID,
		Network: net, Station: sta, Location: loc, Channel: cha,
		SampleRate: 20, Latitude: lat, Longitude: lon,
		StartTime: time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}
