package fdsn

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// EventRecord is one parsed line of an FDSN event text response.
type EventRecord struct {
	EventID   string
	Time      time.Time
	Latitude  float64
	Longitude float64
	DepthKm   float64
	Magnitude float64
}

// ChannelRecord is one parsed line of an FDSN station text response at
// level=channel.
type ChannelRecord struct {
	Network    string
	Station    string
	Location   string
	Channel    string
	Latitude   float64
	Longitude  float64
	SampleRate float64
	StartTime  time.Time
	EndTime    *time.Time
}

// RoutingLine is one channel row of an EIDA routing response block.
type RoutingLine struct {
	Network  string
	Station  string
	Location string
	Channel  string
}

// RoutingBlock is one blank-line-separated block of an EIDA routing
// response: the dataselect URL followed by the channel rows it serves.
type RoutingBlock struct {
	URL   string
	Lines []RoutingLine
}

// ParseTime parses the ISO timestamps FDSN services emit, with or
// without fractional seconds and trailing Z.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "Z")
	s = strings.Replace(s, " ", "T", 1)
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("fdsn: cannot parse time %q", s)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// ParseEventTable parses a `|`-delimited FDSN event text response.
// Header and comment lines are skipped; rows whose critical fields
// (id, time, lat, lon, depth, magnitude) are missing or NaN are dropped
// and counted in dropped.
func ParseEventTable(text string) (records []EventRecord, dropped int) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "|")
		// EventID|Time|Lat|Lon|Depth/km|Author|Catalog|Contributor|
		// ContributorID|MagType|Magnitude|MagAuthor|LocationName
		if len(fields) < 11 {
			dropped++
			continue
		}
		id := strings.TrimSpace(fields[0])
		t, terr := ParseTime(fields[1])
		lat := parseFloat(fields[2])
		lon := parseFloat(fields[3])
		depth := parseFloat(fields[4])
		mag := parseFloat(fields[10])
		if id == "" || terr != nil ||
			math.IsNaN(lat) || math.IsNaN(lon) || math.IsNaN(depth) || math.IsNaN(mag) {
			dropped++
			continue
		}
		records = append(records, EventRecord{
			EventID: id, Time: t,
			Latitude: lat, Longitude: lon, DepthKm: depth, Magnitude: mag,
		})
	}
	return records, dropped
}

// ParseChannelTable parses a `|`-delimited FDSN station text response at
// level=channel. Malformed rows are dropped and counted.
func ParseChannelTable(text string) (records []ChannelRecord, dropped int) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "|")
		// Net|Sta|Loc|Cha|Lat|Lon|Elevation|Depth|Azimuth|Dip|
		// SensorDescription|Scale|ScaleFreq|ScaleUnits|SampleRate|Start|End
		if len(fields) < 16 {
			dropped++
			continue
		}
		rec := ChannelRecord{
			Network:  strings.TrimSpace(fields[0]),
			Station:  strings.TrimSpace(fields[1]),
			Location: strings.TrimSpace(fields[2]),
			Channel:  strings.TrimSpace(fields[3]),
		}
		rec.Latitude = parseFloat(fields[4])
		rec.Longitude = parseFloat(fields[5])
		rec.SampleRate = parseFloat(fields[14])
		start, serr := ParseTime(fields[15])
		if rec.Network == "" || rec.Station == "" || rec.Channel == "" || serr != nil ||
			math.IsNaN(rec.Latitude) || math.IsNaN(rec.Longitude) || math.IsNaN(rec.SampleRate) {
			dropped++
			continue
		}
		rec.StartTime = start
		if len(fields) > 16 {
			if end, err := ParseTime(fields[16]); err == nil {
				rec.EndTime = &end
			}
		}
		records = append(records, rec)
	}
	return records, dropped
}

// ParseRoutingBlocks parses an EIDA routing service `format=post`
// response: blocks separated by blank lines, each starting with the
// dataselect URL followed by `NET STA LOC CHA START END` rows. Rows with
// location `--` are normalized to the empty string.
func ParseRoutingBlocks(text string) []RoutingBlock {
	var blocks []RoutingBlock
	var cur *RoutingBlock
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			cur = nil
			continue
		}
		if cur == nil {
			blocks = append(blocks, RoutingBlock{URL: line})
			cur = &blocks[len(blocks)-1]
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		loc := fields[2]
		if loc == "--" {
			loc = ""
		}
		cur.Lines = append(cur.Lines, RoutingLine{
			Network: fields[0], Station: fields[1], Location: loc, Channel: fields[3],
		})
	}
	// Blocks with a URL but no channel rows carry no routing information.
	out := blocks[:0]
	for _, b := range blocks {
		if len(b.Lines) > 0 {
			out = append(out, b)
		}
	}
	return out
}
