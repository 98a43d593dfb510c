package monitor

import (
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// SystemStats 是 JSON /metrics 的返回体
type SystemStats struct {
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	ActiveTerminals   int     `json:"active_terminals"`
	Uptime            float64 `json:"uptime"`
}

// Collect gathers host memory usage and process uptime. A memory read
// failure is reported as -1 rather than failing the whole response.
func Collect(startedAt time.Time, activeTerminals int) SystemStats {
	used := -1.0
	if vm, err := mem.VirtualMemory(); err == nil {
		used = vm.UsedPercent
	}
	return SystemStats{
		MemoryUsedPercent: used,
		ActiveTerminals:   activeTerminals,
		Uptime:            time.Since(startedAt).Seconds(),
	}
}
