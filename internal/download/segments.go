package download

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/seisfetch/seisfetch/internal/config"
	"github.com/seisfetch/seisfetch/internal/fdsn"
	"github.com/seisfetch/seisfetch/internal/fetch"
	"github.com/seisfetch/seisfetch/internal/model"
	"github.com/seisfetch/seisfetch/internal/mseed"
	"github.com/seisfetch/seisfetch/internal/runlog"
	"github.com/seisfetch/seisfetch/internal/stats"
	"github.com/seisfetch/seisfetch/internal/store"
)

// workItem is one planned segment: a candidate plus, for retries, the
// row it updates.
type workItem struct {
	cand      SegmentCandidate
	segmentID int64 // 0 = insert
}

// dlGroup is one dataselect POST: all items of one data center sharing a
// request window.
type dlGroup struct {
	dcID       int64
	start, end time.Time
	items      []workItem
}

// DownloadSegments executes the plan: items are grouped per data center
// and request window into multi-channel POSTs, responses are split into
// per-channel records, classified and written through a buffered
// streamer. Groups rejected with 413 are retried channel by channel.
// Returns the per-host response matrix.
func DownloadSegments(ctx context.Context, db *sql.DB, log *runlog.Logger,
	env *config.EnvConfig, client *http.Client, unpacker mseed.Unpacker,
	plan *Plan, dcs map[int64]model.DataCenter, downloadID int64) (*stats.Matrix, error) {

	groups := groupPlan(plan)

	updateCols := store.SegmentUpdateCols
	if plan.TimeBoundsChanged {
		updateCols = store.SegmentUpdateColsWithBounds
	}
	streamer := store.NewStreamer(db, "segments", "id",
		store.SegmentInsertCols, updateCols, env.SegmentBufSize,
		func(err error) { log.Warnf("[segments] row rejected: %v", err) })

	matrix := stats.NewMatrix()
	w := &segmentWriter{
		streamer:   streamer,
		matrix:     matrix,
		downloadID: downloadID,
		withBounds: plan.TimeBoundsChanged,
	}

	deferred, err := runPass(ctx, log, env, client, unpacker, groups, dcs, w, true)
	if err != nil {
		streamer.Flush()
		return matrix, err
	}
	if len(deferred) > 0 {
		log.Infof("[segments] %d oversized requests retried channel by channel", len(deferred))
		var singles []dlGroup
		for _, g := range deferred {
			for _, it := range g.items {
				singles = append(singles, dlGroup{dcID: g.dcID, start: g.start, end: g.end,
					items: []workItem{it}})
			}
		}
		if _, err := runPass(ctx, log, env, client, unpacker, singles, dcs, w, false); err != nil {
			streamer.Flush()
			return matrix, err
		}
	}
	if err := streamer.Close(); err != nil {
		return matrix, err
	}
	if w.err != nil {
		return matrix, w.err
	}
	log.Infof("[segments] %d inserted, %d updated, %d rejected",
		streamer.Inserted(), streamer.Updated(), streamer.Rejected())
	return matrix, nil
}

// groupPlan buckets the plan by (data center, request window).
func groupPlan(plan *Plan) []dlGroup {
	type gkey struct {
		dcID           int64
		startUS, endUS int64
	}
	byKey := make(map[gkey]*dlGroup)
	var order []gkey
	add := func(it workItem) {
		k := gkey{it.cand.Epoch.DataCenterID,
			it.cand.RequestStart.UnixMicro(), it.cand.RequestEnd.UnixMicro()}
		g, ok := byKey[k]
		if !ok {
			g = &dlGroup{dcID: k.dcID, start: it.cand.RequestStart, end: it.cand.RequestEnd}
			byKey[k] = g
			order = append(order, k)
		}
		g.items = append(g.items, it)
	}
	for _, c := range plan.Inserts {
		add(workItem{cand: c})
	}
	for _, u := range plan.Updates {
		add(workItem{cand: u.Cand, segmentID: u.SegmentID})
	}
	out := make([]dlGroup, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}

func (g dlGroup) body() string {
	var b strings.Builder
	for _, it := range g.items {
		e := it.cand.Epoch
		b.WriteString(fdsn.PostLine(e.Network, e.Station, e.Location, e.Channel, g.start, g.end))
		b.WriteByte('\n')
	}
	return b.String()
}

// runPass fires one batch of grouped requests. When allowDefer is set,
// multi-item groups answered with 413 are returned for regrouping
// instead of being written as failures.
func runPass(ctx context.Context, log *runlog.Logger, env *config.EnvConfig,
	client *http.Client, unpacker mseed.Unpacker, groups []dlGroup,
	dcs map[int64]model.DataCenter, w *segmentWriter, allowDefer bool) ([]dlGroup, error) {

	if len(groups) == 0 {
		return nil, nil
	}
	reqs := make([]fetch.Request, len(groups))
	for i, g := range groups {
		reqs[i] = fetch.Request{Tag: i, URL: dcs[g.dcID].DataselectURL, Body: g.body()}
	}
	stream := fetch.Go(ctx, reqs, fetchOpts(env, env.SegmentWorkers, env.SegmentTimeout, client))

	var deferred []dlGroup
	for res := range stream.Results() {
		g := groups[res.Req.Tag.(int)]
		host := fdsn.SiteHost(dcs[g.dcID].DataselectURL)

		var statusErr *fetch.HTTPStatusError
		switch {
		case res.Err == nil && res.Code == http.StatusNoContent:
			w.writeAll(g, host, 204, []byte{})
		case res.Err == nil:
			w.writeUnpacked(log, g, host, unpacker, res.Data)
		case errors.As(res.Err, &statusErr):
			if statusErr.StatusCode == http.StatusRequestEntityTooLarge &&
				allowDefer && len(g.items) > 1 {
				deferred = append(deferred, g)
				continue
			}
			w.writeAll(g, host, int64(statusErr.StatusCode), nil)
		default:
			log.Warnf("[segments] %s: %v", host, res.Err)
			w.writeAll(g, host, CodeURLError, nil)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, HardQuit(err)
	}
	return deferred, nil
}

// segmentWriter turns classified outcomes into streamer rows and stats
// matrix increments. One cell per item, so the matrix total equals the
// number of rows written.
type segmentWriter struct {
	streamer   *store.Streamer
	matrix     *stats.Matrix
	downloadID int64
	withBounds bool
	err        error // first flush failure, checked after the run
}

// writeAll records the same outcome for every item of a group: an HTTP
// failure code, a transport error, or an empty 204.
func (w *segmentWriter) writeAll(g dlGroup, host string, code int64, data []byte) {
	for _, it := range g.items {
		w.write(it, host, &code, data, nil)
	}
}

// writeUnpacked splits a 200 response and classifies each item.
func (w *segmentWriter) writeUnpacked(log *runlog.Logger, g dlGroup, host string,
	unpacker mseed.Unpacker, data []byte) {

	recs, err := unpacker.Unpack(data, g.start, g.end)
	if err != nil {
		log.Warnf("[segments] %s: unreadable response: %v", host, err)
		code := CodeMSeedError
		for _, it := range g.items {
			w.write(it, host, &code, nil, nil)
		}
		return
	}
	for _, it := range g.items {
		rec, ok := recs[it.cand.Epoch.MSeedID()]
		switch {
		case !ok:
			// Requested but absent from the response: stored as never
			// attempted, shown as Not Found.
			w.matrix.Add(host, CodeSegNotFound, 1)
			w.writeRaw(it, nil, nil, nil)
		case rec.Err != nil:
			code := CodeMSeedError
			w.write(it, host, &code, nil, nil)
		case rec.OutOfRange && rec.Data == nil:
			code := CodeTimespanErr
			w.write(it, host, &code, nil, nil)
		case rec.OutOfRange:
			code := CodeTimespanWarn
			w.write(it, host, &code, rec.Data, &rec)
		default:
			code := int64(200)
			w.write(it, host, &code, rec.Data, &rec)
		}
	}
}

func (w *segmentWriter) write(it workItem, host string, code *int64, data []byte, rec *mseed.Record) {
	w.matrix.Add(host, *code, 1)
	w.writeRaw(it, code, data, rec)
}

// writeRaw emits the streamer row. rec carries the decoded timing fields
// when data was readable.
func (w *segmentWriter) writeRaw(it workItem, code *int64, data []byte, rec *mseed.Record) {
	var startV, endV, rateV, gapV, codeV any
	dataID := ""
	if rec != nil {
		startV = model.TimestampUS(rec.Start)
		endV = model.TimestampUS(rec.End)
		rateV = rec.SampleRate
		gapV = rec.MaxGapSamples
		dataID = it.cand.Epoch.MSeedID()
	}
	if code != nil {
		codeV = *code
	}
	c := it.cand
	var err error
	if it.segmentID == 0 {
		err = w.streamer.Insert(c.Epoch.ChannelID, c.Event.ID, c.Epoch.DataCenterID,
			w.downloadID, c.DistanceDeg, model.TimestampUS(c.Arrival),
			model.TimestampUS(c.RequestStart), model.TimestampUS(c.RequestEnd),
			startV, endV, rateV, data, dataID, gapV, codeV)
	} else {
		vals := []any{w.downloadID, startV, endV, rateV, data, dataID, gapV, codeV}
		if w.withBounds {
			vals = append(vals, c.DistanceDeg, model.TimestampUS(c.Arrival),
				model.TimestampUS(c.RequestStart), model.TimestampUS(c.RequestEnd))
		}
		vals = append(vals, it.segmentID)
		err = w.streamer.Update(vals...)
	}
	if err != nil && w.err == nil {
		w.err = err
	}
}
