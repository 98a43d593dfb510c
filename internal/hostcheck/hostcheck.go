package hostcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

var ErrHostInsecure = errors.New("host security self-check failed")

// Check 是一项启动前的主机安全检查，返回 nil 表示通过
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type Report []Result

func (r Report) Passed() bool {
	for _, res := range r {
		if !res.Passed {
			return false
		}
	}
	return true
}

// Err joins every failed check, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, res := range r {
		if !res.Passed {
			errs = append(errs, fmt.Errorf("%s: %s", res.Name, res.Detail))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrHostInsecure, errors.Join(errs...))
}

// Run executes checks in order. Each check gets its own short timeout.
func Run(ctx context.Context, checks []Check, logger *slog.Logger) Report {
	report := make(Report, 0, len(checks))
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.Run(cctx)
		cancel()

		res := Result{Name: c.Name, Passed: err == nil}
		if err != nil {
			res.Detail = err.Error()
			logger.Error("Host check failed", "check", c.Name, "detail", res.Detail)
		} else {
			logger.Info("Host check passed", "check", c.Name)
		}
		report = append(report, res)
	}
	return report
}

// Defaults returns the production checks. pingDocker should contact the
// Docker daemon the way a sandboxed user could.
func Defaults(pingDocker func(ctx context.Context) error) []Check {
	return []Check{
		{Name: "non-root", Run: func(context.Context) error { return notRoot(os.Geteuid()) }},
		{Name: "userns-blocked", Run: userNamespaceBlocked},
		{Name: "kcore-unreadable", Run: func(context.Context) error { return unreadable("/proc/kcore") }},
		{Name: "docker-unreachable", Run: DockerUnreachable(pingDocker)},
	}
}

func notRoot(euid int) error {
	if euid == 0 {
		return errors.New("gateway is running as root")
	}
	return nil
}

func unreadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	buf := make([]byte, 1)
	if _, err := f.Read(buf); err != nil {
		return nil
	}
	return fmt.Errorf("%s is readable", path)
}

// DockerUnreachable passes when ping fails.
func DockerUnreachable(ping func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if ping == nil {
			return nil
		}
		if err := ping(ctx); err != nil {
			return nil
		}
		return errors.New("docker daemon is reachable from the gateway")
	}
}
