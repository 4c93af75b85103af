// Package stats accumulates per-host, per-code response counters across
// concurrent download workers and renders them as the summary table
// printed after each pipeline step.
package stats

import (
	"fmt"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
)

// Matrix counts responses by (host, code). Safe for concurrent use.
type Matrix struct {
	hosts *xsync.Map[string, *xsync.Map[int64, *xsync.Counter]]
}

// NewMatrix returns an empty Matrix.
func NewMatrix() *Matrix {
	return &Matrix{hosts: xsync.NewMap[string, *xsync.Map[int64, *xsync.Counter]]()}
}

// Add increments the (host, code) cell by n.
func (m *Matrix) Add(host string, code int64, n int64) {
	row, _ := m.hosts.LoadOrCompute(host, func() (*xsync.Map[int64, *xsync.Counter], bool) {
		return xsync.NewMap[int64, *xsync.Counter](), false
	})
	c, _ := row.LoadOrCompute(code, func() (*xsync.Counter, bool) {
		return xsync.NewCounter(), false
	})
	c.Add(n)
}

// Get returns the (host, code) cell value.
func (m *Matrix) Get(host string, code int64) int64 {
	row, ok := m.hosts.Load(host)
	if !ok {
		return 0
	}
	c, ok := row.Load(code)
	if !ok {
		return 0
	}
	return c.Value()
}

// Total returns the sum of all cells.
func (m *Matrix) Total() int64 {
	var total int64
	m.hosts.Range(func(_ string, row *xsync.Map[int64, *xsync.Counter]) bool {
		row.Range(func(_ int64, c *xsync.Counter) bool {
			total += c.Value()
			return true
		})
		return true
	})
	return total
}

// Hosts returns the hosts seen so far, sorted.
func (m *Matrix) Hosts() []string {
	var hosts []string
	m.hosts.Range(func(h string, _ *xsync.Map[int64, *xsync.Counter]) bool {
		hosts = append(hosts, h)
		return true
	})
	sort.Strings(hosts)
	return hosts
}

// Codes returns the codes seen so far, sorted ascending.
func (m *Matrix) Codes() []int64 {
	seen := make(map[int64]bool)
	m.hosts.Range(func(_ string, row *xsync.Map[int64, *xsync.Counter]) bool {
		row.Range(func(code int64, _ *xsync.Counter) bool {
			seen[code] = true
			return true
		})
		return true
	})
	codes := make([]int64, 0, len(seen))
	for c := range seen {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Render returns the matrix as an aligned text table with one row per
// host, one column per code and a trailing total column. Column headers
// come from label, letting callers name their custom codes.
func (m *Matrix) Render(label func(code int64) string) string {
	hosts := m.Hosts()
	codes := m.Codes()
	if len(hosts) == 0 {
		return "(no responses)"
	}

	headers := make([]string, 0, len(codes)+2)
	headers = append(headers, "host")
	for _, c := range codes {
		headers = append(headers, label(c))
	}
	headers = append(headers, "total")

	rows := make([][]string, 0, len(hosts)+1)
	rows = append(rows, headers)
	colTotals := make([]int64, len(codes))
	for _, h := range hosts {
		row := make([]string, 0, len(codes)+2)
		row = append(row, h)
		var rowTotal int64
		for i, c := range codes {
			v := m.Get(h, c)
			colTotals[i] += v
			rowTotal += v
			row = append(row, fmt.Sprintf("%d", v))
		}
		row = append(row, fmt.Sprintf("%d", rowTotal))
		rows = append(rows, row)
	}
	if len(hosts) > 1 {
		totalRow := []string{"TOTAL"}
		var grand int64
		for _, v := range colTotals {
			grand += v
			totalRow = append(totalRow, fmt.Sprintf("%d", v))
		}
		totalRow = append(totalRow, fmt.Sprintf("%d", grand))
		rows = append(rows, totalRow)
	}

	widths := make([]int, len(headers))
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	var b strings.Builder
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			if i == 0 {
				fmt.Fprintf(&b, "%-*s", widths[i], cell)
			} else {
				fmt.Fprintf(&b, "%*s", widths[i], cell)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// String renders the matrix with plain numeric code headers.
func (m *Matrix) String() string {
	return m.Render(func(code int64) string { return fmt.Sprintf("%d", code) })
}
