//go:build !linux

package sandbox

import "errors"

func applyLimits(pid int, l Limits) error {
	if l == (Limits{}) {
		return nil
	}
	return errors.New("per-process resource limits require linux")
}
