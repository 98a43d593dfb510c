package repo

import (
	"time"
)

const defaultMetadataTTL = time.Hour

// SessionModel 已结束会话的归档记录
type SessionModel struct {
	tableName struct{} `pg:"terminal_sessions"`

	ID             string    `json:"id" pg:"id,pk"`
	Project        string    `json:"project" pg:"project,notnull"`
	ClientAddr     string    `json:"client_addr" pg:"client_addr"`
	CloseReason    string    `json:"close_reason" pg:"close_reason,notnull"`
	DeniedCommands int64     `json:"denied_commands" pg:"denied_commands,use_zero"`
	CreatedAt      time.Time `json:"created_at" pg:"created_at,notnull"`
	ClosedAt       time.Time `json:"closed_at" pg:"closed_at,notnull"`
}

// Metadata is the live-session mirror kept in Redis.
type Metadata struct {
	ID       string `json:"id"`
	Project  string `json:"project"`
	Created  string `json:"created"`
	ClientIP string `json:"client_ip"`
}

func metadataKey(sessionID string) string {
	return "terminal_session:" + sessionID
}
