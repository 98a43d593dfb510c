package api

import (
	"time"

	"terminal/internal/session"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

type SessionListResponse struct {
	Count    int               `json:"count"`
	Sessions []session.Summary `json:"sessions"`
}

type ArchivedSession struct {
	ID             string `json:"id"`
	Project        string `json:"project"`
	CloseReason    string `json:"close_reason"`
	DeniedCommands int64  `json:"denied_commands"`
	CreatedAt      string `json:"created_at"`
	ClosedAt       string `json:"closed_at"`
}

type HistoryResponse struct {
	Project  string            `json:"project"`
	Sessions []ArchivedSession `json:"sessions"`
}

type SSEEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
