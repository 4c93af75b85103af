// Package mseed implements a minimal miniSEED v2 reader: enough of the
// fixed data header and blockette 1000 to split a multiplexed dataselect
// response into per-channel byte ranges with timing and gap information.
// Sample payloads are never decoded.
package mseed

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

const fixedHeaderLen = 48

// Record is the per-channel result of unpacking one dataselect response.
// Data holds the channel's raw records, concatenated in time order.
type Record struct {
	Err           error
	Data          []byte
	SampleRate    float64
	MaxGapSamples float64
	Start         time.Time
	End           time.Time
	// OutOfRange is set when the record's time span is not fully inside
	// the requested window. Data is nil when the span misses the window
	// entirely, non-nil when it merely sticks out.
	OutOfRange bool
}

// Unpacker splits a raw dataselect response into per-channel Records,
// keyed by "NET.STA.LOC.CHA".
type Unpacker interface {
	Unpack(data []byte, reqStart, reqEnd time.Time) (map[string]Record, error)
}

// LiteUnpacker is the default Unpacker. It requires each record to carry
// a blockette 1000 (record length), as every FDSN data center emits.
type LiteUnpacker struct{}

type rawRecord struct {
	id    string
	data  []byte
	rate  float64
	start time.Time
	end   time.Time
}

type headerError struct {
	id  string
	err error
}

// Unpack implements Unpacker. Per-channel decode problems are reported in
// the Record's Err field; only structural failures that prevent walking
// the buffer at all return a non-nil error.
func (LiteUnpacker) Unpack(data []byte, reqStart, reqEnd time.Time) (map[string]Record, error) {
	var recs []rawRecord
	var badIDs []headerError
	for off := 0; off < len(data); {
		if len(data)-off < fixedHeaderLen {
			return nil, fmt.Errorf("mseed: truncated record header at offset %d", off)
		}
		rec := data[off:]
		recLen, err := recordLength(rec)
		if err != nil {
			return nil, fmt.Errorf("mseed: offset %d: %w", off, err)
		}
		if off+recLen > len(data) {
			return nil, fmt.Errorf("mseed: record at offset %d extends past buffer", off)
		}
		r, err := parseRecord(rec[:recLen])
		if err != nil {
			badIDs = append(badIDs, headerError{id: recordID(rec), err: err})
		} else {
			recs = append(recs, r)
		}
		off += recLen
	}

	byID := make(map[string][]rawRecord)
	for _, r := range recs {
		byID[r.id] = append(byID[r.id], r)
	}

	out := make(map[string]Record, len(byID))
	for id, rs := range byID {
		out[id] = aggregate(rs, reqStart, reqEnd)
	}
	for _, b := range badIDs {
		if _, ok := out[b.id]; !ok {
			out[b.id] = Record{Err: b.err}
		}
	}
	return out, nil
}

// recordID extracts "NET.STA.LOC.CHA" from a fixed header without
// validating the rest, for error attribution.
func recordID(h []byte) string {
	sta := strings.TrimSpace(string(h[8:13]))
	loc := strings.TrimSpace(string(h[13:15]))
	cha := strings.TrimSpace(string(h[15:18]))
	net := strings.TrimSpace(string(h[18:20]))
	return net + "." + sta + "." + loc + "." + cha
}

// recordLength walks the blockette chain to blockette 1000 and returns
// 2^n bytes.
func recordLength(rec []byte) (int, error) {
	numBlockettes := int(rec[39])
	next := int(binary.BigEndian.Uint16(rec[46:48]))
	for i := 0; i < numBlockettes && next != 0; i++ {
		if next+4 > len(rec) {
			return 0, fmt.Errorf("blockette offset %d out of bounds", next)
		}
		btype := binary.BigEndian.Uint16(rec[next : next+2])
		if btype == 1000 {
			if next+7 > len(rec) {
				return 0, fmt.Errorf("blockette 1000 truncated")
			}
			n := int(rec[next+6])
			if n < 8 || n > 20 {
				return 0, fmt.Errorf("implausible record length exponent %d", n)
			}
			return 1 << n, nil
		}
		next = int(binary.BigEndian.Uint16(rec[next+2 : next+4]))
	}
	return 0, fmt.Errorf("no blockette 1000")
}

func parseRecord(rec []byte) (rawRecord, error) {
	r := rawRecord{id: recordID(rec), data: rec}
	start, err := parseBTime(rec[20:30])
	if err != nil {
		return r, err
	}
	numSamples := float64(binary.BigEndian.Uint16(rec[30:32]))
	factor := int16(binary.BigEndian.Uint16(rec[32:34]))
	mult := int16(binary.BigEndian.Uint16(rec[34:36]))
	rate, err := sampleRate(factor, mult)
	if err != nil {
		return r, err
	}
	r.rate = rate
	r.start = start
	if rate > 0 && numSamples > 0 {
		r.end = start.Add(time.Duration(numSamples / rate * float64(time.Second)))
	} else {
		r.end = start
	}
	return r, nil
}

// parseBTime decodes the 10-byte BTime structure (year, day-of-year,
// h, m, s, fractional 1e-4 s).
func parseBTime(b []byte) (time.Time, error) {
	year := int(binary.BigEndian.Uint16(b[0:2]))
	doy := int(binary.BigEndian.Uint16(b[2:4]))
	hour, min, sec := int(b[4]), int(b[5]), int(b[6])
	fract := int(binary.BigEndian.Uint16(b[8:10]))
	if year < 1900 || year > 2500 || doy < 1 || doy > 366 ||
		hour > 23 || min > 59 || sec > 60 {
		return time.Time{}, fmt.Errorf("invalid record time %d-%03d %02d:%02d:%02d", year, doy, hour, min, sec)
	}
	t := time.Date(year, 1, 1, hour, min, sec, fract*100_000, time.UTC)
	return t.AddDate(0, 0, doy-1), nil
}

func sampleRate(factor, mult int16) (float64, error) {
	f, m := float64(factor), float64(mult)
	switch {
	case factor > 0 && mult > 0:
		return f * m, nil
	case factor > 0 && mult < 0:
		return f / -m, nil
	case factor < 0 && mult > 0:
		return m / -f, nil
	case factor < 0 && mult < 0:
		return 1 / (f * m), nil
	}
	return 0, fmt.Errorf("invalid sample rate factor=%d multiplier=%d", factor, mult)
}

// aggregate merges the records of one channel into a Record: time-ordered
// concatenated bytes, overall span, the largest gap or overlap between
// consecutive records in samples, and the out-of-range classification
// against the requested window.
func aggregate(rs []rawRecord, reqStart, reqEnd time.Time) Record {
	sort.Slice(rs, func(i, j int) bool { return rs[i].start.Before(rs[j].start) })

	out := Record{
		SampleRate: rs[0].rate,
		Start:      rs[0].start,
		End:        rs[0].end,
	}
	total := 0
	for _, r := range rs {
		total += len(r.data)
	}
	buf := make([]byte, 0, total)
	var maxGap float64
	for i, r := range rs {
		buf = append(buf, r.data...)
		if r.end.After(out.End) {
			out.End = r.end
		}
		if i > 0 && out.SampleRate > 0 {
			gap := r.start.Sub(rs[i-1].end).Seconds() * out.SampleRate
			if math.Abs(gap) > math.Abs(maxGap) {
				maxGap = gap
			}
		}
	}
	out.MaxGapSamples = maxGap

	if !out.End.After(reqStart) || !out.Start.Before(reqEnd) {
		// Entirely outside the requested window.
		out.OutOfRange = true
		out.Data = nil
		return out
	}
	out.Data = buf
	if out.Start.Before(reqStart) || out.End.After(reqEnd) {
		out.OutOfRange = true
	}
	return out
}
