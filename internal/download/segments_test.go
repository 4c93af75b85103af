package download

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seisfetch/seisfetch/internal/fdsn"
	"github.com/seisfetch/seisfetch/internal/model"
	"github.com/seisfetch/seisfetch/internal/store"
)

// seedPlanChain persists the event/station/channel chain for the given
// channel codes and returns insert candidates sharing one request window,
// plus the data center and a download row id.
func seedPlanChain(t *testing.T, db *sql.DB, chans []string) ([]SegmentCandidate, model.DataCenter, int64) {
	t.Helper()
	wsID, err := store.EnsureWebService(db, "event", "https://example.org/fdsnws/event/1/query")
	if err != nil {
		t.Fatal(err)
	}
	dc, err := store.EnsureDataCenter(db, model.DataCenter{
		StationURL:    "https://geofon.gfz-potsdam.de/fdsnws/station/1/query",
		DataselectURL: "https://geofon.gfz-potsdam.de/fdsnws/dataselect/1/query",
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
	evt := model.Event{ID: evRes.Rows[0].ID, WebServiceID: wsID, EventID: "ev-1",
		Time: evtTime, Latitude: 38.0, Longitude: 24.0, DepthKm: 10, Magnitude: 5}

	staRes, err := store.Sync(db, store.StationsSpec(), []store.Row{
		{Vals: []any{dc.ID, "GE", "APE", 38.0, 24.5,
			model.TimestampUS(time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)), nil}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	staID := staRes.Rows[0].ID

	chRows := make([]store.Row, len(chans))
	for i, cha := range chans {
		chRows[i] = store.Row{Vals: []any{staID, "", cha, 20.0}}
	}
	chRes, err := store.Sync(db, store.ChannelsSpec(), chRows, nil)
	if err != nil {
		t.Fatal(err)
	}

	dlID, err := store.CreateDownload(db, evtTime, "", "test")
	if err != nil {
		t.Fatal(err)
	}

	cands := make([]SegmentCandidate, len(chans))
	for i, cha := range chans {
		e := epoch(chRes.Rows[i].ID, staID, dc.ID, "GE", "APE", "", cha, 38.0, 24.5)
		cands[i] = SegmentCandidate{
			Epoch:        e,
			Event:        evt,
			DistanceDeg:  0.4,
			Arrival:      evtTime.Add(60 * time.Second),
			RequestStart: evtTime.Add(30 * time.Second),
			RequestEnd:   evtTime.Add(210 * time.Second),
		}
	}
	return cands, dc, dlID
}

// echoDataselect answers 200 with the request body, so echoUnpacker can
// fabricate one record per requested channel.
func echoDataselect(t *testing.T, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		b, _ := io.ReadAll(r.Body)
		w.Write(b)
	}))
}

type segRow struct {
	code   *int64
	data   []byte
	dataID string
}

func segmentRows(t *testing.T, db *sql.DB) map[int64]segRow {
	t.Helper()
	rows, err := db.Query(`SELECT channel_id, download_code, data, data_identifier FROM segments`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	out := make(map[int64]segRow)
	for rows.Next() {
		var chID int64
		var code sql.NullInt64
		var r segRow
		if err := rows.Scan(&chID, &code, &r.data, &r.dataID); err != nil {
			t.Fatal(err)
		}
		if code.Valid {
			r.code = &code.Int64
		}
		out[chID] = r
	}
	return out
}

func TestDownloadSegmentsClassification(t *testing.T) {
	srv := echoDataselect(t, nil)
	defer srv.Close()

	db := testDB(t)
	cands, dc, dlID := seedPlanChain(t, db, []string{"BHZ", "BHN", "BHE", "HHZ", "HHN"})
	dcs := map[int64]model.DataCenter{
		dc.ID: {ID: dc.ID, DataselectURL: srv.URL + "/fdsnws/dataselect/1/query"},
	}
	unpacker := echoUnpacker{
		missing:    map[string]bool{"GE.APE..BHN": true},
		outOfRange: map[string]bool{"GE.APE..BHE": true},
		gone:       map[string]bool{"GE.APE..HHZ": true},
		broken:     map[string]bool{"GE.APE..HHN": true},
	}

	matrix, err := DownloadSegments(context.Background(), db, testLog(), testEnv(),
		nil, unpacker, &Plan{Inserts: cands}, dcs, dlID)
	if err != nil {
		t.Fatal(err)
	}

	host := fdsn.SiteHost(srv.URL)
	for code, want := range map[int64]int64{
		200: 1, CodeSegNotFound: 1, CodeTimespanWarn: 1, CodeTimespanErr: 1, CodeMSeedError: 1,
	} {
		if got := matrix.Get(host, code); got != want {
			t.Errorf("matrix[%s][%d] = %d, want %d", host, code, got, want)
		}
	}
	if matrix.Total() != 5 {
		t.Errorf("matrix total = %d, want 5", matrix.Total())
	}

	rows := segmentRows(t, db)
	if len(rows) != 5 {
		t.Fatalf("got %d segment rows, want 5", len(rows))
	}
	byChannel := make(map[string]segRow)
	for i, c := range cands {
		byChannel[c.Epoch.Channel] = rows[cands[i].Epoch.ChannelID]
	}

	ok := byChannel["BHZ"]
	if ok.code == nil || *ok.code != 200 || !strings.HasPrefix(string(ok.data), "payload-") {
		t.Errorf("BHZ row = %+v", ok)
	}
	if ok.dataID != "GE.APE..BHZ" {
		t.Errorf("BHZ data_identifier = %q", ok.dataID)
	}
	if missing := byChannel["BHN"]; missing.code != nil || missing.data != nil {
		t.Errorf("BHN row = %+v, want NULL code and no data", missing)
	}
	if warn := byChannel["BHE"]; warn.code == nil || *warn.code != CodeTimespanWarn || len(warn.data) == 0 {
		t.Errorf("BHE row = %+v, want partial data with code %d", warn, CodeTimespanWarn)
	}
	if gone := byChannel["HHZ"]; gone.code == nil || *gone.code != CodeTimespanErr || gone.data != nil {
		t.Errorf("HHZ row = %+v, want code %d without data", gone, CodeTimespanErr)
	}
	if broken := byChannel["HHN"]; broken.code == nil || *broken.code != CodeMSeedError {
		t.Errorf("HHN row = %+v, want code %d", broken, CodeMSeedError)
	}
}

func TestDownloadSegmentsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	db := testDB(t)
	cands, dc, dlID := seedPlanChain(t, db, []string{"BHZ"})
	dcs := map[int64]model.DataCenter{dc.ID: {ID: dc.ID, DataselectURL: srv.URL}}

	matrix, err := DownloadSegments(context.Background(), db, testLog(), testEnv(),
		nil, echoUnpacker{}, &Plan{Inserts: cands}, dcs, dlID)
	if err != nil {
		t.Fatal(err)
	}
	if got := matrix.Get(fdsn.SiteHost(srv.URL), 204); got != 1 {
		t.Errorf("matrix 204 count = %d", got)
	}
	rows := segmentRows(t, db)
	r := rows[cands[0].Epoch.ChannelID]
	if r.code == nil || *r.code != 204 {
		t.Fatalf("row = %+v, want code 204", r)
	}
	if len(r.data) != 0 {
		t.Errorf("204 row should store no waveform bytes, got %v", r.data)
	}
}

func TestDownloadSegments413RetriedChannelByChannel(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		b, _ := io.ReadAll(r.Body)
		if strings.Count(strings.TrimSpace(string(b)), "\n") > 0 {
			http.Error(w, "too much data", http.StatusRequestEntityTooLarge)
			return
		}
		w.Write(b)
	}))
	defer srv.Close()

	db := testDB(t)
	cands, dc, dlID := seedPlanChain(t, db, []string{"BHZ", "BHN"})
	dcs := map[int64]model.DataCenter{dc.ID: {ID: dc.ID, DataselectURL: srv.URL}}

	matrix, err := DownloadSegments(context.Background(), db, testLog(), testEnv(),
		nil, echoUnpacker{}, &Plan{Inserts: cands}, dcs, dlID)
	if err != nil {
		t.Fatal(err)
	}
	if got := matrix.Get(fdsn.SiteHost(srv.URL), 200); got != 2 {
		t.Errorf("matrix 200 count = %d, want 2", got)
	}
	if requests.Load() != 3 {
		t.Errorf("server saw %d requests, want 3 (1 rejected + 2 singles)", requests.Load())
	}
	for _, c := range cands {
		r := segmentRows(t, db)[c.Epoch.ChannelID]
		if r.code == nil || *r.code != 200 {
			t.Errorf("%s row = %+v, want code 200", c.Epoch.Channel, r)
		}
	}
}

func TestDownloadSegmentsSingleton413Recorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too much data", http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	db := testDB(t)
	cands, dc, dlID := seedPlanChain(t, db, []string{"BHZ"})
	dcs := map[int64]model.DataCenter{dc.ID: {ID: dc.ID, DataselectURL: srv.URL}}

	matrix, err := DownloadSegments(context.Background(), db, testLog(), testEnv(),
		nil, echoUnpacker{}, &Plan{Inserts: cands}, dcs, dlID)
	if err != nil {
		t.Fatal(err)
	}
	if got := matrix.Get(fdsn.SiteHost(srv.URL), 413); got != 1 {
		t.Errorf("matrix 413 count = %d, want 1", got)
	}
	r := segmentRows(t, db)[cands[0].Epoch.ChannelID]
	if r.code == nil || *r.code != 413 || r.data != nil {
		t.Errorf("row = %+v, want code 413 without data", r)
	}
}

func TestDownloadSegmentsRetryUpdatesRow(t *testing.T) {
	srv := echoDataselect(t, nil)
	defer srv.Close()

	db := testDB(t)
	cand := seedSegment(t, db, "ev-1", codePtr(CodeURLError))
	dcs := map[int64]model.DataCenter{
		cand.Epoch.DataCenterID: {ID: cand.Epoch.DataCenterID, DataselectURL: srv.URL},
	}
	dlID, err := store.CreateDownload(db, time.Now(), "", "test")
	if err != nil {
		t.Fatal(err)
	}

	plan, err := BuildPlan(db, testLog(), []SegmentCandidate{cand}, RetryPolicy{URLErr: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Updates) != 1 {
		t.Fatalf("plan = %+v, want one update", plan)
	}

	if _, err := DownloadSegments(context.Background(), db, testLog(), testEnv(),
		nil, echoUnpacker{}, plan, dcs, dlID); err != nil {
		t.Fatal(err)
	}

	rows := segmentRows(t, db)
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want the stored row updated in place", len(rows))
	}
	r := rows[cand.Epoch.ChannelID]
	if r.code == nil || *r.code != 200 || len(r.data) == 0 {
		t.Errorf("row = %+v, want code 200 with data", r)
	}
	var gotDL int64
	if err := db.QueryRow(`SELECT download_id FROM segments`).Scan(&gotDL); err != nil {
		t.Fatal(err)
	}
	if gotDL != dlID {
		t.Errorf("download_id = %d, want %d (reattributed to this run)", gotDL, dlID)
	}
}
