package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/seisfetch/seisfetch/internal/config"
	"github.com/seisfetch/seisfetch/internal/fdsn"
	"github.com/seisfetch/seisfetch/internal/fetch"
	"github.com/seisfetch/seisfetch/internal/model"
	"github.com/seisfetch/seisfetch/internal/runlog"
	"github.com/seisfetch/seisfetch/internal/store"
)

// chTuple is one (possibly wildcarded) channel pattern a routing block
// assigned to a data center.
type chTuple struct {
	net, sta, loc, cha string
}

// Validator remembers which channels the routing service assigned to
// which data center, so a station advertised by several data centers can
// be attributed to the right one.
type Validator struct {
	byDC map[int64][]chTuple
}

// IsIn reports whether the routing service assigned the channel to dcID.
func (v *Validator) IsIn(dcID int64, net, sta, loc, cha string) bool {
	for _, t := range v.byDC[dcID] {
		if fdsn.MatchWild(t.net, net) && fdsn.MatchWild(t.sta, sta) &&
			fdsn.MatchWild(t.loc, loc) && fdsn.MatchWild(t.cha, cha) {
			return true
		}
	}
	return false
}

// DataCenterSet is the outcome of data center resolution: the persisted
// data centers to query, plus the routing validator in eida mode.
type DataCenterSet struct {
	DataCenters []model.DataCenter
	Validator   *Validator // nil outside eida mode or after DB fallback
}

// ByID returns the data centers keyed by id.
func (s *DataCenterSet) ByID() map[int64]model.DataCenter {
	out := make(map[int64]model.DataCenter, len(s.DataCenters))
	for _, dc := range s.DataCenters {
		out[dc.ID] = dc
	}
	return out
}

// ResolveDataCenters finds the data centers for the job's data_url mode:
// a single explicit FDSN node, the fixed IRIS endpoint, or the EIDA
// federation via its routing service. Resolved data centers are persisted.
func ResolveDataCenters(ctx context.Context, db *sql.DB, log *runlog.Logger,
	job *config.JobConfig, env *config.EnvConfig, client *http.Client) (*DataCenterSet, error) {

	switch job.DataURL {
	case config.DataSourceIRIS:
		return ensureSingle(db, config.IRISDataselectURL, "iris")
	case config.DataSourceEIDA:
		set, err := resolveEIDA(ctx, db, log, job, env, client)
		if err == nil {
			return set, nil
		}
		log.Warnf("[datacenters] routing service unavailable (%v), falling back to database", err)
		dcs, dbErr := store.DataCentersByOrganization(db, "eida")
		if dbErr != nil {
			return nil, dbErr
		}
		if len(dcs) == 0 {
			return nil, HardQuit(fmt.Errorf("eida routing failed and no eida data centers stored: %w", err))
		}
		return &DataCenterSet{DataCenters: dcs}, nil
	default:
		return ensureSingle(db, job.DataURL, "")
	}
}

func ensureSingle(db *sql.DB, u, org string) (*DataCenterSet, error) {
	stationURL, dataselectURL, err := fdsn.NormalizeURLs(u)
	if err != nil {
		return nil, err
	}
	dc, err := store.EnsureDataCenter(db, model.DataCenter{
		StationURL:    stationURL,
		DataselectURL: dataselectURL,
		Organization:  org,
	})
	if err != nil {
		return nil, err
	}
	return &DataCenterSet{DataCenters: []model.DataCenter{dc}}, nil
}

// routingRequestBody renders the routing POST: dataselect routes for the
// job's channel selection over its full time window.
func routingRequestBody(job *config.JobConfig) string {
	net, sta, loc, cha := job.Filter().PostArgs()
	var b strings.Builder
	b.WriteString("service=dataselect\nformat=post\n")
	fmt.Fprintf(&b, "%s %s %s %s %s %s\n", net, sta, loc, cha,
		job.Start.UTC().Format(fdsn.TimeFormat), job.End.UTC().Format(fdsn.TimeFormat))
	return b.String()
}

func resolveEIDA(ctx context.Context, db *sql.DB, log *runlog.Logger,
	job *config.JobConfig, env *config.EnvConfig, client *http.Client) (*DataCenterSet, error) {

	stream := fetch.Go(ctx, []fetch.Request{{
		URL:  env.RoutingURL,
		Body: routingRequestBody(job),
	}}, fetchOpts(env, 1, env.StationTimeout, client))

	var body []byte
	for res := range stream.Results() {
		if res.Err != nil {
			return nil, res.Err
		}
		body = res.Data
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	blocks := fdsn.ParseRoutingBlocks(string(body))
	if len(blocks) == 0 {
		return nil, errors.New("routing service returned no routes")
	}

	set := &DataCenterSet{Validator: &Validator{byDC: make(map[int64][]chTuple)}}
	for _, block := range blocks {
		stationURL, dataselectURL, err := fdsn.NormalizeURLs(block.URL)
		if err != nil {
			log.Warnf("[datacenters] unparsable routing url %q skipped", block.URL)
			continue
		}
		dc, err := store.EnsureDataCenter(db, model.DataCenter{
			StationURL:    stationURL,
			DataselectURL: dataselectURL,
			Organization:  "eida",
		})
		if err != nil {
			return nil, err
		}
		set.DataCenters = append(set.DataCenters, dc)
		for _, line := range block.Lines {
			set.Validator.byDC[dc.ID] = append(set.Validator.byDC[dc.ID],
				chTuple{net: line.Network, sta: line.Station, loc: line.Location, cha: line.Channel})
		}
	}
	if len(set.DataCenters) == 0 {
		return nil, errors.New("no routing block carried a usable url")
	}
	log.Infof("[datacenters] %d eida data centers resolved", len(set.DataCenters))
	return set, nil
}
