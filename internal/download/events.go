package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/seisfetch/seisfetch/internal/config"
	"github.com/seisfetch/seisfetch/internal/fdsn"
	"github.com/seisfetch/seisfetch/internal/fetch"
	"github.com/seisfetch/seisfetch/internal/model"
	"github.com/seisfetch/seisfetch/internal/runlog"
	"github.com/seisfetch/seisfetch/internal/store"
)

// minEventWindow is the bisection floor: windows this small are not
// split further when the catalog keeps answering 413.
const minEventWindow = time.Minute

type timeWindow struct {
	start, end time.Time
}

// eventQueryURL renders the catalog GET for one time window.
func eventQueryURL(job *config.JobConfig, w timeWindow) string {
	q := url.Values{}
	q.Set("format", "text")
	q.Set("starttime", w.start.UTC().Format(fdsn.TimeFormat))
	q.Set("endtime", w.end.UTC().Format(fdsn.TimeFormat))
	setF := func(key string, v *float64) {
		if v != nil {
			q.Set(key, fmt.Sprintf("%g", *v))
		}
	}
	setF("minlatitude", job.MinLatitude)
	setF("maxlatitude", job.MaxLatitude)
	setF("minlongitude", job.MinLongitude)
	setF("maxlongitude", job.MaxLongitude)
	setF("mindepth", job.MinDepthKm)
	setF("maxdepth", job.MaxDepthKm)
	setF("minmagnitude", job.MinMagnitude)
	setF("maxmagnitude", job.MaxMagnitude)
	return job.EventURL + "?" + q.Encode()
}

// FetchEvents downloads the event catalog for the job window, splitting
// the window in half whenever the service answers 413, and syncs the
// result into the events table. Returns the persisted events.
func FetchEvents(ctx context.Context, db *sql.DB, log *runlog.Logger,
	job *config.JobConfig, env *config.EnvConfig, client *http.Client) ([]model.Event, int64, error) {

	wsID, err := store.EnsureWebService(db, "event", job.EventURL)
	if err != nil {
		return nil, 0, err
	}

	var records []fdsn.EventRecord
	windows := []timeWindow{{start: job.Start.Time, end: job.End.Time}}
	var failed int
	for len(windows) > 0 {
		reqs := make([]fetch.Request, len(windows))
		for i, w := range windows {
			reqs[i] = fetch.Request{Tag: w, URL: eventQueryURL(job, w)}
		}
		stream := fetch.Go(ctx, reqs, fetchOpts(env, env.EventWorkers, env.EventTimeout, client))
		var next []timeWindow
		for res := range stream.Results() {
			w := res.Req.Tag.(timeWindow)
			switch {
			case res.Err == nil:
				recs, dropped := fdsn.ParseEventTable(string(res.Data))
				if dropped > 0 {
					log.Warnf("[events] %d malformed rows dropped (%s - %s)",
						dropped, w.start.Format(fdsn.TimeFormat), w.end.Format(fdsn.TimeFormat))
				}
				records = append(records, recs...)
			case res.Code == http.StatusRequestEntityTooLarge:
				if half := w.end.Sub(w.start) / 2; half >= minEventWindow {
					mid := w.start.Add(half)
					next = append(next, timeWindow{w.start, mid}, timeWindow{mid, w.end})
				} else {
					failed++
					log.Errorf("[events] window %s - %s still too large at bisection floor, skipped",
						w.start.Format(fdsn.TimeFormat), w.end.Format(fdsn.TimeFormat))
				}
			default:
				failed++
				log.Errorf("[events] %s - %s: %v",
					w.start.Format(fdsn.TimeFormat), w.end.Format(fdsn.TimeFormat), res.Err)
			}
		}
		if err := stream.Err(); err != nil {
			return nil, wsID, HardQuit(err)
		}
		windows = next
	}

	if len(records) == 0 {
		if failed > 0 {
			return nil, wsID, HardQuit(errors.New("event catalog could not be fetched"))
		}
		return nil, wsID, HardQuit(errors.New("no events match the query"))
	}

	rows := make([]store.Row, len(records))
	for i, r := range records {
		rows[i] = store.Row{Vals: []any{wsID, r.EventID, model.TimestampUS(r.Time),
			r.Latitude, r.Longitude, r.DepthKm, r.Magnitude}}
	}
	res, err := store.Sync(db, store.EventsSpec(), rows, func(r store.Row, err error) {
		log.Warnf("[events] row %v rejected: %v", r.Vals[1], err)
	})
	if err != nil {
		return nil, wsID, err
	}
	log.Infof("[events] %d fetched, %d inserted, %d updated, %d rejected",
		len(records), res.Inserted, res.Updated, res.RejectedInserts+res.RejectedUpdates)

	byKey := make(map[string]fdsn.EventRecord, len(records))
	for _, r := range records {
		if _, ok := byKey[r.EventID]; !ok {
			byKey[r.EventID] = r
		}
	}
	events := make([]model.Event, 0, len(res.Rows))
	for _, row := range res.Rows {
		rec := byKey[row.Vals[1].(string)]
		events = append(events, model.Event{
			ID: row.ID, WebServiceID: wsID, EventID: rec.EventID,
			Time: rec.Time, Latitude: rec.Latitude, Longitude: rec.Longitude,
			DepthKm: rec.DepthKm, Magnitude: rec.Magnitude,
		})
	}
	if len(events) == 0 {
		return nil, wsID, HardQuit(errors.New("no events could be stored"))
	}
	return events, wsID, nil
}
