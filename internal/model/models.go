// Package model defines domain structs shared across the persistence layer
// and the download pipeline stages.
package model

import "time"

// WebService identifies a remote catalog endpoint. Immutable after insert.
type WebService struct {
	ID   int64
	Type string // currently always "event"
	URL  string
}

// DataCenter identifies one FDSN data center. Immutable after insert.
type DataCenter struct {
	ID            int64
	StationURL    string
	DataselectURL string
	// Organization is "eida", "iris", "other" or empty (stored as NULL).
	Organization string
}

// Event is one seismic event fetched from a catalog service.
type Event struct {
	ID           int64
	WebServiceID int64
	EventID      string // natural id within the web service
	Time         time.Time
	Latitude     float64
	Longitude    float64
	DepthKm      float64
	Magnitude    float64
}

// Station is one station metadata epoch. The natural key is
// (network, station, start_time): the same physical station appears once
// per epoch.
type Station struct {
	ID           int64
	DataCenterID int64
	Network      string
	Station      string
	Latitude     float64
	Longitude    float64
	StartTime    time.Time
	EndTime      *time.Time // nil = open epoch
	InventoryXML []byte     // gzip-compressed station XML, nil until the inventory phase
}

// Channel is one sensor stream of a station epoch.
type Channel struct {
	ID         int64
	StationID  int64
	Location   string
	Channel    string
	SampleRate float64
}

// Segment is one time-bounded waveform record per (channel, event) pair.
type Segment struct {
	ID               int64
	ChannelID        int64
	EventID          int64
	DataCenterID     int64
	DownloadID       int64
	EventDistanceDeg float64
	ArrivalTime      time.Time
	RequestStart     time.Time
	RequestEnd       time.Time
	StartTime        *time.Time // actual, from the record
	EndTime          *time.Time
	SampleRate       *float64
	Data             []byte // nil = never attempted or errored, empty = 2xx with no data
	DataIdentifier   string
	MaxGapSamples    *float64
	DownloadCode     *int64 // nil = not yet attempted
}

// Download is one pipeline run.
type Download struct {
	ID             int64
	RunTime        time.Time
	Config         string // raw job YAML
	ProgramVersion string
	Errors         int64
	Warnings       int64
	Log            string
}

// ChannelEpoch is the joined channel/station row the channels stage works
// on: one row per channel with its station geometry and validity window.
type ChannelEpoch struct {
	ChannelID    int64 // 0 until the channel row is persisted
	StationID    int64 // 0 until the station row is persisted
	DataCenterID int64
	Network      string
	Station      string
	Location     string
	Channel      string
	SampleRate   float64
	Latitude     float64
	Longitude    float64
	StartTime    time.Time
	EndTime      *time.Time
}

// MSeedID returns the record identifier "NET.STA.LOC.CHA" for the epoch.
func (c ChannelEpoch) MSeedID() string {
	return c.Network + "." + c.Station + "." + c.Location + "." + c.Channel
}

// SegmentKey is the slice of an existing segment row the download planner
// needs to decide between insert, update and skip.
type SegmentKey struct {
	ID           int64
	ChannelID    int64
	EventID      int64
	RequestStart time.Time
	RequestEnd   time.Time
	DownloadCode *int64
}

// InventoryCandidate is a station whose inventory XML should be fetched:
// it has at least one data-bearing segment and no stored inventory.
type InventoryCandidate struct {
	StationID  int64
	Network    string
	Station    string
	StartTime  time.Time
	EndTime    *time.Time
	StationURL string
}

// TimestampUS converts a time to the INTEGER microsecond representation
// used by every timestamp column in the schema.
func TimestampUS(t time.Time) int64 { return t.UnixMicro() }

// FromTimestampUS is the inverse of TimestampUS (UTC).
func FromTimestampUS(us int64) time.Time { return time.UnixMicro(us).UTC() }
