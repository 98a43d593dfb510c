package eventbus

import "time"

type EventType string

const (
	EventSessionReady  EventType = "session.ready"
	EventSessionClosed EventType = "session.closed"
	EventSessionError  EventType = "session.error"
	EventCommandDenied EventType = "command.denied"
)

type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// DeniedPayload 不携带被拒绝的命令原文，只记录原因
type DeniedPayload struct {
	Project string `json:"project"`
	Reason  string `json:"reason"`
	Rule    string `json:"rule,omitempty"`
}

func SessionChannelKey(sessionID string) string {
	return "terminal_session:" + sessionID + ":events"
}
