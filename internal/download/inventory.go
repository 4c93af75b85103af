package download

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/seisfetch/seisfetch/internal/config"
	"github.com/seisfetch/seisfetch/internal/fdsn"
	"github.com/seisfetch/seisfetch/internal/fetch"
	"github.com/seisfetch/seisfetch/internal/model"
	"github.com/seisfetch/seisfetch/internal/runlog"
	"github.com/seisfetch/seisfetch/internal/store"
)

// openEpochEnd stands in for a station epoch that is still open when a
// bounded request interval is required.
var openEpochEnd = time.Date(2599, 12, 31, 23, 59, 59, 0, time.UTC)

// inventoryRequestBody asks for the full response-level document of one
// station epoch.
func inventoryRequestBody(c model.InventoryCandidate) string {
	end := openEpochEnd
	if c.EndTime != nil {
		end = *c.EndTime
	}
	return fmt.Sprintf("level=response\n%s\n",
		fdsn.PostLine(c.Network, c.Station, "*", "*", c.StartTime, end))
}

// DownloadInventories fetches the station XML of every station that has
// waveform data but no stored inventory, and saves it gzip-compressed.
func DownloadInventories(ctx context.Context, db *sql.DB, log *runlog.Logger,
	env *config.EnvConfig, client *http.Client) (int, error) {

	cands, err := store.InventoryCandidates(db)
	if err != nil {
		return 0, err
	}
	if len(cands) == 0 {
		log.Infof("[inventory] nothing to fetch")
		return 0, nil
	}

	reqs := make([]fetch.Request, len(cands))
	for i, c := range cands {
		reqs[i] = fetch.Request{Tag: i, URL: c.StationURL, Body: inventoryRequestBody(c)}
	}
	stream := fetch.Go(ctx, reqs, fetchOpts(env, env.StationWorkers, env.StationTimeout, client))

	saved := 0
	for res := range stream.Results() {
		c := cands[res.Req.Tag.(int)]
		if res.Err != nil {
			log.Warnf("[inventory] %s.%s: %v", c.Network, c.Station, res.Err)
			continue
		}
		if len(res.Data) == 0 {
			log.Warnf("[inventory] %s.%s: empty document", c.Network, c.Station)
			continue
		}
		compressed, err := gzipBytes(res.Data)
		if err != nil {
			log.Warnf("[inventory] %s.%s: compress: %v", c.Network, c.Station, err)
			continue
		}
		if err := store.UpdateInventoryXML(db, c.StationID, compressed); err != nil {
			return saved, err
		}
		saved++
	}
	if err := stream.Err(); err != nil {
		return saved, HardQuit(err)
	}
	log.Infof("[inventory] %d of %d station inventories saved", saved, len(cands))
	return saved, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
