package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/seisfetch/seisfetch/internal/fdsn"
	"github.com/seisfetch/seisfetch/internal/model"
)

// EventsSpec returns the sync spec for the events table. Existing events
// get their source attributes refreshed, so catalog revisions propagate.
func EventsSpec() Spec {
	return Spec{
		Table:      "events",
		PKey:       "id",
		Columns:    []string{"webservice_id", "event_id", "time", "latitude", "longitude", "depth_km", "magnitude"},
		NaturalKey: []string{"webservice_id", "event_id"},
		UpdateCols: []string{"time", "latitude", "longitude", "depth_km", "magnitude"},
	}
}

// StationsSpec returns the sync spec for the stations table. The update
// set deliberately excludes inventory_xml: metadata refreshes must never
// wipe a stored inventory.
func StationsSpec() Spec {
	return Spec{
		Table:      "stations",
		PKey:       "id",
		Columns:    []string{"datacenter_id", "network", "station", "latitude", "longitude", "start_time", "end_time"},
		NaturalKey: []string{"network", "station", "start_time"},
		UpdateCols: []string{"datacenter_id", "latitude", "longitude", "end_time"},
	}
}

// ChannelsSpec returns the sync spec for the channels table.
func ChannelsSpec() Spec {
	return Spec{
		Table:      "channels",
		PKey:       "id",
		Columns:    []string{"station_id", "location", "channel", "sample_rate"},
		NaturalKey: []string{"station_id", "location", "channel"},
		UpdateCols: []string{"sample_rate"},
	}
}

// SegmentInsertCols is the column order of buffered segment inserts.
var SegmentInsertCols = []string{
	"channel_id", "event_id", "datacenter_id", "download_id",
	"event_distance_deg", "arrival_time", "request_start", "request_end",
	"start_time", "end_time", "sample_rate", "data", "data_identifier",
	"maxgap_numsamples", "download_code",
}

// SegmentUpdateCols is the column order of buffered segment updates when
// the request window is unchanged.
var SegmentUpdateCols = []string{
	"download_id", "start_time", "end_time", "sample_rate", "data",
	"data_identifier", "maxgap_numsamples", "download_code",
}

// SegmentUpdateColsWithBounds additionally refreshes the request window,
// used when the run's timespan settings moved the bounds.
var SegmentUpdateColsWithBounds = append(append([]string{}, SegmentUpdateCols...),
	"event_distance_deg", "arrival_time", "request_start", "request_end")

// NullTimeUS converts an optional time to its microsecond column value.
func NullTimeUS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return model.TimestampUS(*t)
}

// NullStr maps "" to NULL.
func NullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// EnsureWebService inserts or finds the web service row for url.
func EnsureWebService(db *sql.DB, typ, url string) (int64, error) {
	_, err := db.Exec(`INSERT INTO web_services (type, url) VALUES (?, ?)
		ON CONFLICT (url) DO UPDATE SET type = excluded.type`, typ, url)
	if err != nil {
		return 0, fmt.Errorf("ensure web service %s: %w", url, err)
	}
	var id int64
	if err := db.QueryRow(`SELECT id FROM web_services WHERE url = ?`, url).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure web service %s: %w", url, err)
	}
	return id, nil
}

// EnsureDataCenter inserts or finds the data center keyed by its
// dataselect URL, refreshing the station URL and filling the
// organization when newly known.
func EnsureDataCenter(db *sql.DB, dc model.DataCenter) (model.DataCenter, error) {
	_, err := db.Exec(`INSERT INTO data_centers (station_url, dataselect_url, organization)
		VALUES (?, ?, ?)
		ON CONFLICT (dataselect_url) DO UPDATE SET
			station_url = excluded.station_url,
			organization = COALESCE(data_centers.organization, excluded.organization)`,
		dc.StationURL, dc.DataselectURL, NullStr(dc.Organization))
	if err != nil {
		return dc, fmt.Errorf("ensure data center %s: %w", dc.DataselectURL, err)
	}
	row := db.QueryRow(`SELECT id, organization FROM data_centers WHERE dataselect_url = ?`, dc.DataselectURL)
	var org sql.NullString
	if err := row.Scan(&dc.ID, &org); err != nil {
		return dc, fmt.Errorf("ensure data center %s: %w", dc.DataselectURL, err)
	}
	dc.Organization = org.String
	return dc, nil
}

// DataCentersByOrganization returns all stored data centers with the
// given organization tag.
func DataCentersByOrganization(db *sql.DB, org string) ([]model.DataCenter, error) {
	rows, err := db.Query(`SELECT id, station_url, dataselect_url FROM data_centers
		WHERE organization = ? ORDER BY id`, org)
	if err != nil {
		return nil, fmt.Errorf("data centers by organization: %w", err)
	}
	defer rows.Close()
	var out []model.DataCenter
	for rows.Next() {
		dc := model.DataCenter{Organization: org}
		if err := rows.Scan(&dc.ID, &dc.StationURL, &dc.DataselectURL); err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// ChannelEpochsFromDB returns the stored channel epochs of one data
// center matching the job's channel filter and minimum sample rate,
// whose epoch overlaps [start, end]. It is the fallback when a station
// service cannot be queried in this run.
func ChannelEpochsFromDB(db *sql.DB, dcID int64, f fdsn.Filter,
	minSampleRate float64, start, end time.Time) ([]model.ChannelEpoch, error) {

	conds := []string{"s.datacenter_id = ?"}
	args := []any{dcID}
	for _, fc := range []struct {
		column string
		tokens []string
	}{
		{"s.network", f.Networks},
		{"s.station", f.Stations},
		{"c.location", f.Locations},
		{"c.channel", f.Channels},
	} {
		expr, exprArgs := fdsn.SQLCondition(fc.column, fc.tokens)
		if expr != "" {
			conds = append(conds, expr)
			args = append(args, exprArgs...)
		}
	}
	if minSampleRate > 0 {
		conds = append(conds, "c.sample_rate >= ?")
		args = append(args, minSampleRate)
	}
	conds = append(conds, "(s.end_time IS NULL OR s.end_time >= ?)", "s.start_time <= ?")
	args = append(args, model.TimestampUS(start), model.TimestampUS(end))

	q := `SELECT c.id, c.station_id, s.datacenter_id, s.network, s.station,
		c.location, c.channel, c.sample_rate, s.latitude, s.longitude,
		s.start_time, s.end_time
		FROM channels c JOIN stations s ON s.id = c.station_id
		WHERE ` + strings.Join(conds, " AND ")
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("channel epochs from db: %w", err)
	}
	defer rows.Close()

	var out []model.ChannelEpoch
	for rows.Next() {
		var e model.ChannelEpoch
		var startUS int64
		var endUS sql.NullInt64
		if err := rows.Scan(&e.ChannelID, &e.StationID, &e.DataCenterID,
			&e.Network, &e.Station, &e.Location, &e.Channel, &e.SampleRate,
			&e.Latitude, &e.Longitude, &startUS, &endUS); err != nil {
			return nil, err
		}
		e.StartTime = model.FromTimestampUS(startUS)
		if endUS.Valid {
			t := model.FromTimestampUS(endUS.Int64)
			e.EndTime = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StationKey identifies a station epoch by its natural key.
type StationKey struct {
	Network   string
	Station   string
	StartTime time.Time
}

// StationDataCenters maps every stored station epoch to the data center
// it was last downloaded from. The channel stage uses it to break ties
// when two data centers both claim a station.
func StationDataCenters(db *sql.DB) (map[StationKey]int64, error) {
	rows, err := db.Query(`SELECT network, station, start_time, datacenter_id FROM stations`)
	if err != nil {
		return nil, fmt.Errorf("station data centers: %w", err)
	}
	defer rows.Close()

	out := make(map[StationKey]int64)
	for rows.Next() {
		var k StationKey
		var startUS, dcID int64
		if err := rows.Scan(&k.Network, &k.Station, &startUS, &dcID); err != nil {
			return nil, err
		}
		k.StartTime = model.FromTimestampUS(startUS)
		out[k] = dcID
	}
	return out, rows.Err()
}

// SegmentKeys loads the planner's view of every stored segment.
func SegmentKeys(db *sql.DB) ([]model.SegmentKey, error) {
	rows, err := db.Query(`SELECT id, channel_id, event_id, request_start,
		request_end, download_code FROM segments`)
	if err != nil {
		return nil, fmt.Errorf("segment keys: %w", err)
	}
	defer rows.Close()

	var out []model.SegmentKey
	for rows.Next() {
		var k model.SegmentKey
		var startUS, endUS int64
		var code sql.NullInt64
		if err := rows.Scan(&k.ID, &k.ChannelID, &k.EventID, &startUS, &endUS, &code); err != nil {
			return nil, err
		}
		k.RequestStart = model.FromTimestampUS(startUS)
		k.RequestEnd = model.FromTimestampUS(endUS)
		if code.Valid {
			c := code.Int64
			k.DownloadCode = &c
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// InventoryCandidates returns stations that have at least one
// data-bearing segment but no stored inventory.
func InventoryCandidates(db *sql.DB) ([]model.InventoryCandidate, error) {
	rows, err := db.Query(`SELECT s.id, s.network, s.station, s.start_time,
		s.end_time, d.station_url
		FROM stations s JOIN data_centers d ON d.id = s.datacenter_id
		WHERE (s.inventory_xml IS NULL OR length(s.inventory_xml) = 0)
		AND EXISTS (SELECT 1 FROM channels c JOIN segments g ON g.channel_id = c.id
			WHERE c.station_id = s.id AND g.data IS NOT NULL AND length(g.data) > 0)
		ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("inventory candidates: %w", err)
	}
	defer rows.Close()

	var out []model.InventoryCandidate
	for rows.Next() {
		var c model.InventoryCandidate
		var startUS int64
		var endUS sql.NullInt64
		if err := rows.Scan(&c.StationID, &c.Network, &c.Station, &startUS, &endUS, &c.StationURL); err != nil {
			return nil, err
		}
		c.StartTime = model.FromTimestampUS(startUS)
		if endUS.Valid {
			t := model.FromTimestampUS(endUS.Int64)
			c.EndTime = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateInventoryXML stores a station's (compressed) inventory document.
func UpdateInventoryXML(db *sql.DB, stationID int64, xml []byte) error {
	if _, err := db.Exec(`UPDATE stations SET inventory_xml = ? WHERE id = ?`, xml, stationID); err != nil {
		return fmt.Errorf("update inventory for station %d: %w", stationID, err)
	}
	return nil
}

// CreateDownload records the start of a run and returns its id.
func CreateDownload(db *sql.DB, runTime time.Time, config, version string) (int64, error) {
	res, err := db.Exec(`INSERT INTO downloads (run_time, config, program_version)
		VALUES (?, ?, ?)`, model.TimestampUS(runTime), config, version)
	if err != nil {
		return 0, fmt.Errorf("create download row: %w", err)
	}
	return res.LastInsertId()
}

// FinalizeDownload stores the run's tallies and captured log.
func FinalizeDownload(db *sql.DB, id int64, errors, warnings int64, log string) error {
	if _, err := db.Exec(`UPDATE downloads SET errors = ?, warnings = ?, log = ?
		WHERE id = ?`, errors, warnings, log, id); err != nil {
		return fmt.Errorf("finalize download %d: %w", id, err)
	}
	return nil
}

// CountRows returns the row count of a table, for step summaries.
func CountRows(db *sql.DB, table string) (int64, error) {
	var n int64
	err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n)
	return n, err
}
