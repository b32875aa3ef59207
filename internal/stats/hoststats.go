// Package stats gathers the bridge process's own resource usage, kept
// separate from device stats per SPEC_FULL.md §C.2: a "[PROCESS]" log
// line, never merged into the device stats map.
package stats

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessSnapshot is the bridge's own CPU/RSS usage at one instant.
type ProcessSnapshot struct {
	CPUPercent float64
	RSSBytes   uint64
}

// SampleProcess reads the current process's CPU percent (since last call)
// and resident memory via gopsutil. Returns the zero value on error — a
// failed sample is not fatal to the stats reporter.
func SampleProcess() ProcessSnapshot {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ProcessSnapshot{}
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}

	var rss uint64
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		rss = memInfo.RSS
	}

	return ProcessSnapshot{CPUPercent: cpuPercent, RSSBytes: rss}
}
