package fetch

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessMemoryPercent returns this process's share of total system
// memory, in percent.
func ProcessMemoryPercent() (float64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	pct, err := p.MemoryPercent()
	if err != nil {
		return 0, err
	}
	return float64(pct), nil
}
