package hostcheck

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestReport(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	checks := []Check{
		{Name: "ok", Run: func(context.Context) error { return nil }},
		{Name: "bad", Run: func(context.Context) error { return errors.New("nope") }},
	}

	report := Run(context.Background(), checks, logger)
	if len(report) != 2 {
		t.Fatalf("len = %d", len(report))
	}
	if report.Passed() {
		t.Error("Report with a failed check must not pass")
	}
	err := report.Err()
	if !errors.Is(err, ErrHostInsecure) {
		t.Errorf("Err = %v", err)
	}
	if report[1].Detail != "nope" {
		t.Errorf("Detail = %q", report[1].Detail)
	}

	if Run(context.Background(), checks[:1], logger).Err() != nil {
		t.Error("Passing report should have nil Err")
	}
}

func TestNotRoot(t *testing.T) {
	if notRoot(0) == nil {
		t.Error("euid 0 should fail")
	}
	if notRoot(1000) != nil {
		t.Error("euid 1000 should pass")
	}
}

func TestUnreadable(t *testing.T) {
	if err := unreadable(filepath.Join(t.TempDir(), "missing")); err != nil {
		t.Errorf("Missing file should pass: %v", err)
	}

	readable := filepath.Join(t.TempDir(), "kcore")
	os.WriteFile(readable, []byte("x"), 0o644)
	if err := unreadable(readable); err == nil {
		t.Error("Readable file should fail")
	}
}

func TestDockerUnreachable(t *testing.T) {
	ctx := context.Background()
	if DockerUnreachable(func(context.Context) error { return errors.New("connection refused") })(ctx) != nil {
		t.Error("Failed ping should pass the check")
	}
	if DockerUnreachable(func(context.Context) error { return nil })(ctx) == nil {
		t.Error("Successful ping should fail the check")
	}
	if DockerUnreachable(nil)(ctx) != nil {
		t.Error("No docker client should pass the check")
	}
}

func TestDefaults(t *testing.T) {
	checks := Defaults(nil)
	names := map[string]bool{}
	for _, c := range checks {
		names[c.Name] = true
	}
	for _, want := range []string{"non-root", "userns-blocked", "kcore-unreadable", "docker-unreachable"} {
		if !names[want] {
			t.Errorf("Missing check %s", want)
		}
	}
}
