package monitor

import (
	"errors"
	"testing"
	"time"
)

func TestErrorTracker(t *testing.T) {
	tr := NewErrorTracker()
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }

	stats := tr.Stats()
	if stats.Errors != 0 || stats.LastError != nil || stats.LastErrorTime != nil {
		t.Fatalf("fresh tracker should be empty, got %+v", stats)
	}

	tr.Record(nil)
	tr.Record(errors.New("first"))
	tr.Record(errors.New("second"))

	stats = tr.Stats()
	if stats.Errors != 2 {
		t.Errorf("Errors = %d, want 2", stats.Errors)
	}
	if stats.LastError == nil || *stats.LastError != "second" {
		t.Errorf("LastError = %v, want second", stats.LastError)
	}
	if stats.LastErrorTime == nil || *stats.LastErrorTime != "2025-03-01T12:00:00Z" {
		t.Errorf("LastErrorTime = %v", stats.LastErrorTime)
	}
}

func TestCollect(t *testing.T) {
	stats := Collect(time.Now().Add(-2*time.Second), 3)
	if stats.ActiveTerminals != 3 {
		t.Errorf("ActiveTerminals = %d, want 3", stats.ActiveTerminals)
	}
	if stats.Uptime < 2 {
		t.Errorf("Uptime = %v, want >= 2", stats.Uptime)
	}
	if stats.MemoryUsedPercent > 100 {
		t.Errorf("MemoryUsedPercent = %v", stats.MemoryUsedPercent)
	}
}
