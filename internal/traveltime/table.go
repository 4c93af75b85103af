// Package traveltime computes seismic phase arrival times from a
// precomputed travel-time grid, interpolated over source depth and
// epicentral distance.
package traveltime

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
)

// Table yields travel times in seconds for (source depth km, receiver
// depth km, distance deg) tuples. Lookup is vectorized: one call per
// event against all its channel distances. Entries outside the table's
// domain come back as NaN.
type Table interface {
	Lookup(srcDepthKm, recvDepthKm float64, distancesDeg []float64) []float64
}

// GridTable is a travel-time table sampled on a regular
// depth x distance grid, bilinearly interpolated. The grid is built for
// one fixed receiver depth; lookups at any other receiver depth are
// outside the domain.
type GridTable struct {
	ReceiverDepthKm float64
	DepthsKm        []float64   // ascending
	DistancesDeg    []float64   // ascending
	TravelTimesSec  [][]float64 // [depth index][distance index]
}

// Load reads a gob-encoded GridTable from disk and validates its shape.
func Load(path string) (*GridTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("traveltime: open table: %w", err)
	}
	defer f.Close()
	var t GridTable
	if err := gob.NewDecoder(f).Decode(&t); err != nil {
		return nil, fmt.Errorf("traveltime: decode table %s: %w", path, err)
	}
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("traveltime: table %s: %w", path, err)
	}
	return &t, nil
}

func (t *GridTable) validate() error {
	if len(t.DepthsKm) < 2 || len(t.DistancesDeg) < 2 {
		return fmt.Errorf("grid too small: %d depths x %d distances",
			len(t.DepthsKm), len(t.DistancesDeg))
	}
	if len(t.TravelTimesSec) != len(t.DepthsKm) {
		return fmt.Errorf("have %d rows, want %d", len(t.TravelTimesSec), len(t.DepthsKm))
	}
	for i, row := range t.TravelTimesSec {
		if len(row) != len(t.DistancesDeg) {
			return fmt.Errorf("row %d has %d cols, want %d", i, len(row), len(t.DistancesDeg))
		}
	}
	if !sort.Float64sAreSorted(t.DepthsKm) || !sort.Float64sAreSorted(t.DistancesDeg) {
		return fmt.Errorf("grid axes must be ascending")
	}
	return nil
}

// bracket finds i such that axis[i] <= v <= axis[i+1], plus the
// interpolation fraction. Returns ok=false outside the axis range.
func bracket(axis []float64, v float64) (i int, frac float64, ok bool) {
	if v < axis[0] || v > axis[len(axis)-1] || math.IsNaN(v) {
		return 0, 0, false
	}
	i = sort.SearchFloat64s(axis, v)
	if i == len(axis) {
		i = len(axis) - 1
	}
	if axis[i] == v {
		if i == len(axis)-1 {
			i--
			return i, 1, true
		}
		return i, 0, true
	}
	i--
	frac = (v - axis[i]) / (axis[i+1] - axis[i])
	return i, frac, true
}

// Lookup interpolates travel times for one source depth against many
// epicentral distances. Out-of-domain entries are NaN.
func (t *GridTable) Lookup(srcDepthKm, recvDepthKm float64, distancesDeg []float64) []float64 {
	out := make([]float64, len(distancesDeg))
	di, dfrac, dok := bracket(t.DepthsKm, srcDepthKm)
	if math.Abs(recvDepthKm-t.ReceiverDepthKm) > 1e-6 {
		dok = false
	}
	for k, dist := range distancesDeg {
		xi, xfrac, xok := bracket(t.DistancesDeg, dist)
		if !dok || !xok {
			out[k] = math.NaN()
			continue
		}
		r0 := t.TravelTimesSec[di]
		r1 := t.TravelTimesSec[di+1]
		v0 := r0[xi] + xfrac*(r0[xi+1]-r0[xi])
		v1 := r1[xi] + xfrac*(r1[xi+1]-r1[xi])
		out[k] = v0 + dfrac*(v1-v0)
	}
	return out
}
