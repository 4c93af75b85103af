package download

import (
	"time"

	"github.com/seisfetch/seisfetch/internal/geo"
	"github.com/seisfetch/seisfetch/internal/model"
	"github.com/seisfetch/seisfetch/internal/runlog"
	"github.com/seisfetch/seisfetch/internal/traveltime"
)

// SegmentCandidate is one (channel epoch, event) pair that qualified for
// download, with its computed geometry.
type SegmentCandidate struct {
	Epoch        model.ChannelEpoch
	Event        model.Event
	DistanceDeg  float64
	Arrival      time.Time
	RequestStart time.Time
	RequestEnd   time.Time
}

// MergeEventsChannels pairs every event with the channel epochs inside
// its magnitude-dependent search radius, computes the phase arrival via
// the travel-time table and derives the request window. A nil table
// makes arrivals coincide with the event origin time.
func MergeEventsChannels(log *runlog.Logger, events []model.Event,
	epochs []model.ChannelEpoch, radius geo.RadiusSchedule,
	tt traveltime.Table, before, after time.Duration) []SegmentCandidate {

	if tt == nil {
		log.Warnf("[merge] no travel-time table, request windows anchored at origin times")
	}

	var out []SegmentCandidate
	var outOfDomain int
	for _, evt := range events {
		maxDist := radius.Radius(evt.Magnitude)

		// Distances are per station; channels of one station share them.
		byStation := make(map[int64]float64)
		var qualifying []int
		var dists []float64
		for i, e := range epochs {
			if !epochCovers(e, evt.Time) {
				continue
			}
			d, ok := byStation[e.StationID]
			if !ok {
				d = geo.DistanceDeg(evt.Latitude, evt.Longitude, e.Latitude, e.Longitude)
				byStation[e.StationID] = d
			}
			if d > maxDist {
				continue
			}
			qualifying = append(qualifying, i)
			dists = append(dists, d)
		}
		if len(qualifying) == 0 {
			continue
		}

		arrivals := make([]float64, len(dists))
		if tt != nil {
			// Stations sit at the surface: receiver depth 0.
			arrivals = tt.Lookup(evt.DepthKm, 0, dists)
		}
		for j, i := range qualifying {
			sec := arrivals[j]
			if sec != sec { // NaN: outside the table's domain
				outOfDomain++
				continue
			}
			arrival := evt.Time.Add(time.Duration(sec * float64(time.Second))).Truncate(time.Microsecond)
			out = append(out, SegmentCandidate{
				Epoch:        epochs[i],
				Event:        evt,
				DistanceDeg:  dists[j],
				Arrival:      arrival,
				RequestStart: arrival.Add(-before).Round(time.Second),
				RequestEnd:   arrival.Add(after).Round(time.Second),
			})
		}
	}
	if outOfDomain > 0 {
		log.Warnf("[merge] %d pairs outside the travel-time table domain, dropped", outOfDomain)
	}
	log.Infof("[merge] %d segment candidates from %d events x %d channel epochs",
		len(out), len(events), len(epochs))
	return out
}
