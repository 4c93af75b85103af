package download

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/seisfetch/seisfetch/internal/buildinfo"
	"github.com/seisfetch/seisfetch/internal/config"
	"github.com/seisfetch/seisfetch/internal/fetch"
	"github.com/seisfetch/seisfetch/internal/mseed"
	"github.com/seisfetch/seisfetch/internal/runlog"
	"github.com/seisfetch/seisfetch/internal/store"
	"github.com/seisfetch/seisfetch/internal/traveltime"
)

// Pipeline bundles everything one run needs.
type Pipeline struct {
	DB       *sql.DB
	Log      *runlog.Logger
	Env      *config.EnvConfig
	Job      *config.JobConfig
	TT       traveltime.Table // may be nil
	Unpacker mseed.Unpacker
	Client   *http.Client
}

// Run executes the whole pipeline. A nil return or a soft QuitError
// means the run finished cleanly; any other error is a failure. The run
// row is created first and finalized with the captured log either way.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	if p.Unpacker == nil {
		p.Unpacker = mseed.LiteUnpacker{}
	}

	downloadID, derr := store.CreateDownload(p.DB, time.Now().UTC(),
		p.Job.RawYAML, buildinfo.Version)
	if derr != nil {
		return derr
	}
	defer func() {
		var q *QuitError
		if errors.As(err, &q) && q.Soft() {
			p.Log.Infof("nothing (more) to do: %s", q.Reason)
			err = nil
		} else if err != nil {
			p.Log.Errorf("run aborted: %v", err)
		}
		if ferr := store.FinalizeDownload(p.DB, downloadID,
			p.Log.Errors(), p.Log.Warnings(), p.Log.Captured()); ferr != nil && err == nil {
			err = ferr
		}
	}()

	steps := 5
	if p.Job.Inventory {
		steps = 6
	}
	step := 0
	banner := func(name string) {
		step++
		if pct, err := fetch.ProcessMemoryPercent(); err == nil {
			p.Log.Infof("STEP %d of %d: %s (memory: %.1f%%)", step, steps, name, pct)
		} else {
			p.Log.Infof("STEP %d of %d: %s", step, steps, name)
		}
	}

	banner("Fetching events")
	events, _, err := FetchEvents(ctx, p.DB, p.Log, p.Job, p.Env, p.Client)
	if err != nil {
		return err
	}

	banner("Resolving data centers")
	set, err := ResolveDataCenters(ctx, p.DB, p.Log, p.Job, p.Env, p.Client)
	if err != nil {
		return err
	}

	banner("Fetching channel metadata")
	epochs, err := FetchChannels(ctx, p.DB, p.Log, p.Job, p.Env, p.Client, set)
	if err != nil {
		return err
	}

	banner("Selecting segments")
	before, after := p.Job.Window()
	cands := MergeEventsChannels(p.Log, events, epochs, p.Job.Radius(), p.TT, before, after)
	if len(cands) == 0 {
		return HardQuit(errors.New("no segments to process"))
	}
	plan, err := BuildPlan(p.DB, p.Log, cands, PolicyFromJob(p.Job))
	if err != nil {
		return err
	}
	// Candidates exist but were all pruned by the retry mask: a clean
	// no-op run, unlike an empty merge.
	if plan.Total() == 0 {
		return SoftQuit("every matching segment is already downloaded")
	}

	banner("Downloading segments")
	matrix, err := DownloadSegments(ctx, p.DB, p.Log, p.Env, p.Client,
		p.Unpacker, plan, set.ByID(), downloadID)
	if matrix != nil && matrix.Total() > 0 {
		p.Log.Infof("segment responses:\n%s", matrix.Render(CodeLabel))
	}
	if err != nil {
		return err
	}

	if p.Job.Inventory {
		banner("Fetching station inventories")
		if _, err := DownloadInventories(ctx, p.DB, p.Log, p.Env, p.Client); err != nil {
			return err
		}
	}
	p.Log.Infof("run completed")
	return nil
}
