package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/seisfetch/seisfetch/internal/config"
	"github.com/seisfetch/seisfetch/internal/fdsn"
	"github.com/seisfetch/seisfetch/internal/fetch"
	"github.com/seisfetch/seisfetch/internal/model"
	"github.com/seisfetch/seisfetch/internal/runlog"
	"github.com/seisfetch/seisfetch/internal/store"
)

// stationGroupKey is the station-epoch natural key used when resolving
// the same station advertised by several data centers.
type stationGroupKey struct {
	network string
	station string
	startUS int64
}

// FetchChannels discovers the channel epochs to download from: station
// metadata is queried from every data center (or reused from the
// database when update_metadata is off), duplicate stations across data
// centers are resolved, and the surviving stations and channels are
// synced. The returned epochs carry persisted ids.
func FetchChannels(ctx context.Context, db *sql.DB, log *runlog.Logger,
	job *config.JobConfig, env *config.EnvConfig, client *http.Client,
	set *DataCenterSet) ([]model.ChannelEpoch, error) {

	filter := job.Filter()

	if !job.UpdateMetadata {
		epochs, err := epochsFromDB(db, job, filter, set.DataCenters)
		if err != nil {
			return nil, err
		}
		if len(epochs) > 0 {
			log.Infof("[channels] update_metadata off, %d channel epochs reused from database", len(epochs))
			return epochs, nil
		}
		log.Infof("[channels] no stored metadata, querying station services")
	}

	epochs, failedDCs := queryStationServices(ctx, log, job, env, client, set, filter)

	// Station-service outages fall back to what earlier runs stored.
	for _, dc := range set.DataCenters {
		if !failedDCs[dc.ID] {
			continue
		}
		fallback, err := store.ChannelEpochsFromDB(db, dc.ID, filter,
			job.MinSampleRate, job.Start.Time, job.End.Time)
		if err != nil {
			return nil, err
		}
		log.Warnf("[channels] %s unreachable, %d epochs reused from database",
			fdsn.SiteHost(dc.StationURL), len(fallback))
		epochs = append(epochs, fallback...)
	}

	epochs, err := resolveDuplicateStations(db, log, epochs, set.Validator)
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, HardQuit(errors.New("no channels match the query"))
	}
	return persistEpochs(db, log, epochs)
}

func epochsFromDB(db *sql.DB, job *config.JobConfig, filter fdsn.Filter,
	dcs []model.DataCenter) ([]model.ChannelEpoch, error) {

	var out []model.ChannelEpoch
	for _, dc := range dcs {
		epochs, err := store.ChannelEpochsFromDB(db, dc.ID, filter,
			job.MinSampleRate, job.Start.Time, job.End.Time)
		if err != nil {
			return nil, err
		}
		out = append(out, epochs...)
	}
	return out, nil
}

// stationRequestBody renders the station POST for the job's selection.
func stationRequestBody(job *config.JobConfig) string {
	net, sta, loc, cha := job.Filter().PostArgs()
	return fmt.Sprintf("format=text\nlevel=channel\n%s %s %s %s %s %s\n",
		net, sta, loc, cha,
		job.Start.UTC().Format(fdsn.TimeFormat), job.End.UTC().Format(fdsn.TimeFormat))
}

func queryStationServices(ctx context.Context, log *runlog.Logger,
	job *config.JobConfig, env *config.EnvConfig, client *http.Client,
	set *DataCenterSet, filter fdsn.Filter) ([]model.ChannelEpoch, map[int64]bool) {

	reqs := make([]fetch.Request, len(set.DataCenters))
	for i, dc := range set.DataCenters {
		reqs[i] = fetch.Request{Tag: dc.ID, URL: dc.StationURL, Body: stationRequestBody(job)}
	}
	stream := fetch.Go(ctx, reqs, fetchOpts(env, env.StationWorkers, env.StationTimeout, client))

	byID := set.ByID()
	var epochs []model.ChannelEpoch
	failed := make(map[int64]bool)
	for res := range stream.Results() {
		dcID := res.Req.Tag.(int64)
		if res.Err != nil {
			log.Errorf("[channels] %s: %v", fdsn.SiteHost(byID[dcID].StationURL), res.Err)
			failed[dcID] = true
			continue
		}
		recs, dropped := fdsn.ParseChannelTable(string(res.Data))
		if dropped > 0 {
			log.Warnf("[channels] %s: %d malformed rows dropped",
				fdsn.SiteHost(byID[dcID].StationURL), dropped)
		}
		for _, r := range recs {
			if r.SampleRate < job.MinSampleRate {
				continue
			}
			// Negations are client-side only, never in the request.
			if !filter.MatchNegations(r.Network, r.Station, r.Location, r.Channel) {
				continue
			}
			epochs = append(epochs, model.ChannelEpoch{
				DataCenterID: dcID,
				Network:      r.Network,
				Station:      r.Station,
				Location:     r.Location,
				Channel:      r.Channel,
				SampleRate:   r.SampleRate,
				Latitude:     r.Latitude,
				Longitude:    r.Longitude,
				StartTime:    r.StartTime,
				EndTime:      r.EndTime,
			})
		}
	}
	if err := stream.Err(); err != nil {
		log.Errorf("[channels] station query stream aborted: %v", err)
		for _, dc := range set.DataCenters {
			failed[dc.ID] = true
		}
	}
	return epochs, failed
}

// resolveDuplicateStations keeps each station epoch under exactly one
// data center. Routing assignments win; otherwise the data center the
// station was stored under last time wins; a station nobody can claim is
// dropped.
func resolveDuplicateStations(db *sql.DB, log *runlog.Logger,
	epochs []model.ChannelEpoch, validator *Validator) ([]model.ChannelEpoch, error) {

	groups := make(map[stationGroupKey]map[int64][]model.ChannelEpoch)
	var order []stationGroupKey
	for _, e := range epochs {
		k := stationGroupKey{e.Network, e.Station, model.TimestampUS(e.StartTime)}
		if groups[k] == nil {
			groups[k] = make(map[int64][]model.ChannelEpoch)
			order = append(order, k)
		}
		groups[k][e.DataCenterID] = append(groups[k][e.DataCenterID], e)
	}

	var stored map[store.StationKey]int64
	var out []model.ChannelEpoch
	dropped := 0
	for _, k := range order {
		byDC := groups[k]
		if len(byDC) == 1 {
			for _, es := range byDC {
				out = append(out, es...)
			}
			continue
		}

		dcIDs := make([]int64, 0, len(byDC))
		for id := range byDC {
			dcIDs = append(dcIDs, id)
		}
		sort.Slice(dcIDs, func(i, j int) bool { return dcIDs[i] < dcIDs[j] })

		winner := int64(0)
		if validator != nil {
			for _, id := range dcIDs {
				first := byDC[id][0]
				if validator.IsIn(id, first.Network, first.Station, first.Location, first.Channel) {
					winner = id
					break
				}
			}
		}
		if winner == 0 {
			if stored == nil {
				var err error
				stored, err = store.StationDataCenters(db)
				if err != nil {
					return nil, err
				}
			}
			sk := store.StationKey{Network: k.network, Station: k.station,
				StartTime: model.FromTimestampUS(k.startUS)}
			if dcID, ok := stored[sk]; ok {
				if _, claims := byDC[dcID]; claims {
					winner = dcID
				}
			}
		}
		if winner == 0 {
			dropped++
			log.Warnf("[channels] station %s.%s claimed by %d data centers, none authoritative, dropped",
				k.network, k.station, len(byDC))
			continue
		}
		out = append(out, byDC[winner]...)
	}
	if dropped > 0 {
		log.Warnf("[channels] %d conflicted stations dropped", dropped)
	}
	return out, nil
}

// persistEpochs syncs stations then channels and stitches the generated
// ids back onto the epochs.
func persistEpochs(db *sql.DB, log *runlog.Logger,
	epochs []model.ChannelEpoch) ([]model.ChannelEpoch, error) {

	type staKey struct {
		network string
		station string
		startUS int64
	}
	staRows := make([]store.Row, 0)
	seen := make(map[staKey]bool)
	for _, e := range epochs {
		k := staKey{e.Network, e.Station, model.TimestampUS(e.StartTime)}
		if seen[k] {
			continue
		}
		seen[k] = true
		staRows = append(staRows, store.Row{Vals: []any{
			e.DataCenterID, e.Network, e.Station, e.Latitude, e.Longitude,
			model.TimestampUS(e.StartTime), store.NullTimeUS(e.EndTime),
		}})
	}
	staRes, err := store.Sync(db, store.StationsSpec(), staRows, func(r store.Row, err error) {
		log.Warnf("[channels] station row %v.%v rejected: %v", r.Vals[1], r.Vals[2], err)
	})
	if err != nil {
		return nil, err
	}
	staIDs := make(map[staKey]int64, len(staRes.Rows))
	for _, row := range staRes.Rows {
		staIDs[staKey{row.Vals[1].(string), row.Vals[2].(string), row.Vals[5].(int64)}] = row.ID
	}

	type chKey struct {
		stationID int64
		location  string
		channel   string
	}
	chRows := make([]store.Row, 0, len(epochs))
	seenCh := make(map[chKey]bool)
	kept := make([]model.ChannelEpoch, 0, len(epochs))
	for _, e := range epochs {
		staID, ok := staIDs[staKey{e.Network, e.Station, model.TimestampUS(e.StartTime)}]
		if !ok {
			continue // station row was rejected
		}
		e.StationID = staID
		kept = append(kept, e)
		ck := chKey{staID, e.Location, e.Channel}
		if seenCh[ck] {
			continue
		}
		seenCh[ck] = true
		chRows = append(chRows, store.Row{Vals: []any{staID, e.Location, e.Channel, e.SampleRate}})
	}
	chRes, err := store.Sync(db, store.ChannelsSpec(), chRows, func(r store.Row, err error) {
		log.Warnf("[channels] channel row %v rejected: %v", r.Vals, err)
	})
	if err != nil {
		return nil, err
	}
	chIDs := make(map[chKey]int64, len(chRes.Rows))
	for _, row := range chRes.Rows {
		chIDs[chKey{row.Vals[0].(int64), row.Vals[1].(string), row.Vals[2].(string)}] = row.ID
	}

	out := make([]model.ChannelEpoch, 0, len(kept))
	for _, e := range kept {
		id, ok := chIDs[chKey{e.StationID, e.Location, e.Channel}]
		if !ok {
			continue
		}
		e.ChannelID = id
		out = append(out, e)
	}
	log.Infof("[channels] %d stations, %d channels persisted, %d epochs selected",
		staRes.Persisted(), chRes.Persisted(), len(out))
	return out, nil
}

// epochCovers reports whether a channel epoch is valid for an event: it
// must have opened before the event and either still be open or close at
// least a day after it.
func epochCovers(e model.ChannelEpoch, eventTime time.Time) bool {
	if e.StartTime.After(eventTime) {
		return false
	}
	return e.EndTime == nil || !e.EndTime.Before(eventTime.Add(24*time.Hour))
}
