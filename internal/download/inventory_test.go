package download

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/seisfetch/seisfetch/internal/model"
	"github.com/seisfetch/seisfetch/internal/store"
)

const stationXML = `<?xml version="1.0"?><FDSNStationXML><Network code="GE"/></FDSNStationXML>`

// seedDataSegment stores one station with a data-bearing segment, so the
// station qualifies for inventory download.
func seedDataSegment(t *testing.T, db *sql.DB, stationURL string) int64 {
	t.Helper()
	wsID, err := store.EnsureWebService(db, "event", "https://example.org/fdsnws/event/1/query")
	if err != nil {
		t.Fatal(err)
	}
	dc, err := store.EnsureDataCenter(db, model.DataCenter{
		StationURL:    stationURL,
		DataselectURL: strings.Replace(stationURL, "station", "dataselect", 1),
	})
	if err != nil {
		t.Fatal(err)
	}
	evtTime := time.Date(2021, 3, 2, 12, 0, 0, 0, time.UTC)
	evRes, err := store.Sync(db, store.EventsSpec(), []store.Row{
		{Vals: []any{wsID, "ev-1", model.TimestampUS(evtTime), 38.0, 24.0, 10.0, 5.0}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	staRes, err := store.Sync(db, store.StationsSpec(), []store.Row{
		{Vals: []any{dc.ID, "GE", "APE", 38.0, 24.5,
			model.TimestampUS(time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)), nil}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	staID := staRes.Rows[0].ID
	chRes, err := store.Sync(db, store.ChannelsSpec(), []store.Row{
		{Vals: []any{staID, "", "BHZ", 20.0}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	dlID, err := store.CreateDownload(db, evtTime, "", "test")
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`INSERT INTO segments (channel_id, event_id, datacenter_id,
		download_id, event_distance_deg, arrival_time, request_start, request_end,
		data, download_code) VALUES (?, ?, ?, ?, 0.4, ?, ?, ?, ?, 200)`,
		chRes.Rows[0].ID, evRes.Rows[0].ID, dc.ID, dlID,
		model.TimestampUS(evtTime), model.TimestampUS(evtTime), model.TimestampUS(evtTime),
		[]byte("waveform"))
	if err != nil {
		t.Fatal(err)
	}
	return staID
}

func TestDownloadInventories(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		io.WriteString(w, stationXML)
	}))
	defer srv.Close()

	db := testDB(t)
	staID := seedDataSegment(t, db, srv.URL+"/fdsnws/station/1/query")

	saved, err := DownloadInventories(context.Background(), db, testLog(), testEnv(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if saved != 1 {
		t.Fatalf("saved = %d, want 1", saved)
	}
	if !strings.Contains(gotBody, "level=response") || !strings.Contains(gotBody, "GE APE * *") {
		t.Errorf("request body = %q", gotBody)
	}

	var blob []byte
	if err := db.QueryRow(`SELECT inventory_xml FROM stations WHERE id = ?`, staID).Scan(&blob); err != nil {
		t.Fatal(err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("stored inventory is not gzip: %v", err)
	}
	xml, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if string(xml) != stationXML {
		t.Errorf("stored xml = %q", xml)
	}

	// The station now has an inventory, a second pass finds nothing.
	saved, err = DownloadInventories(context.Background(), db, testLog(), testEnv(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if saved != 0 {
		t.Errorf("second pass saved %d, want 0", saved)
	}
}

func TestDownloadInventoriesSkipsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	db := testDB(t)
	staID := seedDataSegment(t, db, srv.URL+"/fdsnws/station/1/query")

	log := testLog()
	saved, err := DownloadInventories(context.Background(), db, log, testEnv(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if saved != 0 {
		t.Errorf("saved = %d, want 0", saved)
	}
	if log.Warnings() == 0 {
		t.Error("failure not logged")
	}
	var blob []byte
	if err := db.QueryRow(`SELECT inventory_xml FROM stations WHERE id = ?`, staID).Scan(&blob); err != nil {
		t.Fatal(err)
	}
	if len(blob) != 0 {
		t.Errorf("inventory stored despite the failure: %d bytes", len(blob))
	}
}
