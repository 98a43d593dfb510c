//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func applyLimits(pid int, l Limits) error {
	limits := []struct {
		name     string
		resource int
		value    uint64
	}{
		{"cpu", unix.RLIMIT_CPU, l.CPUSeconds},
		{"fsize", unix.RLIMIT_FSIZE, l.FileSizeBytes},
		{"nproc", unix.RLIMIT_NPROC, l.MaxProcesses},
	}

	for _, lim := range limits {
		if lim.value == 0 {
			continue
		}
		rl := unix.Rlimit{Cur: lim.value, Max: lim.value}
		if err := unix.Prlimit(pid, lim.resource, &rl, nil); err != nil {
			return fmt.Errorf("prlimit %s=%d: %w", lim.name, lim.value, err)
		}
	}
	return nil
}
