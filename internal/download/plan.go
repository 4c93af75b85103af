package download

import (
	"database/sql"

	"github.com/seisfetch/seisfetch/internal/model"
	"github.com/seisfetch/seisfetch/internal/runlog"
	"github.com/seisfetch/seisfetch/internal/store"
)

// PlannedUpdate is an existing segment row scheduled for another attempt.
type PlannedUpdate struct {
	SegmentID int64
	Cand      SegmentCandidate
}

// Plan is the download work list: candidates without a stored row become
// inserts, stored rows matching the retry policy (or whose request
// window moved) become updates.
type Plan struct {
	Inserts []SegmentCandidate
	Updates []PlannedUpdate

	// TimeBoundsChanged widens the segment update statement to also
	// refresh the request window columns.
	TimeBoundsChanged bool

	Skipped int
}

// Total is the number of segments the run will request.
func (p *Plan) Total() int { return len(p.Inserts) + len(p.Updates) }

// BuildPlan reconciles the candidates against the stored segments.
func BuildPlan(db *sql.DB, log *runlog.Logger,
	cands []SegmentCandidate, policy RetryPolicy) (*Plan, error) {

	keys, err := store.SegmentKeys(db)
	if err != nil {
		return nil, err
	}
	type pair struct{ chID, evID int64 }
	existing := make(map[pair]*model.SegmentKey, len(keys))
	for i := range keys {
		k := &keys[i]
		existing[pair{k.ChannelID, k.EventID}] = k
	}

	plan := &Plan{}
	type window struct {
		chID           int64
		startUS, endUS int64
	}
	windowEvents := make(map[window]int64)
	duplicates := 0
	for _, c := range cands {
		// The same channel window requested for two distinct events is
		// downloaded twice; flag it, the rows stay independent.
		w := window{c.Epoch.ChannelID, c.RequestStart.UnixMicro(), c.RequestEnd.UnixMicro()}
		if prev, ok := windowEvents[w]; ok && prev != c.Event.ID {
			duplicates++
		} else {
			windowEvents[w] = c.Event.ID
		}

		k, ok := existing[pair{c.Epoch.ChannelID, c.Event.ID}]
		if !ok {
			plan.Inserts = append(plan.Inserts, c)
			continue
		}
		boundsMoved := !k.RequestStart.Equal(c.RequestStart) || !k.RequestEnd.Equal(c.RequestEnd)
		if boundsMoved {
			plan.TimeBoundsChanged = true
		}
		if boundsMoved || policy.ShouldRetry(k.DownloadCode) {
			plan.Updates = append(plan.Updates, PlannedUpdate{SegmentID: k.ID, Cand: c})
		} else {
			plan.Skipped++
		}
	}
	if duplicates > 0 {
		log.Warnf("[plan] %d channel windows shared by multiple events", duplicates)
	}
	log.Infof("[plan] %d new, %d retried, %d already done",
		len(plan.Inserts), len(plan.Updates), plan.Skipped)
	return plan, nil
}
