package monitor

import (
	"sync"
	"time"
)

// ErrorStats 是 /error-stats 的返回体
type ErrorStats struct {
	Errors        int64   `json:"errors"`
	LastError     *string `json:"last_error"`
	LastErrorTime *string `json:"last_error_time"`
}

// ErrorTracker keeps a running error count and the most recent error.
type ErrorTracker struct {
	mu       sync.Mutex
	count    int64
	lastMsg  string
	lastTime time.Time
	now      func() time.Time
}

func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{now: time.Now}
}

func (t *ErrorTracker) Record(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	t.count++
	t.lastMsg = err.Error()
	t.lastTime = t.now()
	t.mu.Unlock()

	ErrorsTotal.Inc()
}

func (t *ErrorTracker) Stats() ErrorStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := ErrorStats{Errors: t.count}
	if t.count > 0 {
		msg := t.lastMsg
		ts := t.lastTime.UTC().Format(time.RFC3339)
		stats.LastError = &msg
		stats.LastErrorTime = &ts
	}
	return stats
}
