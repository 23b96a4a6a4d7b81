package database

import "time"

// SessionAuditLog is one lifecycle event of a bridged SSH session.
type SessionAuditLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SessionID  string    `gorm:"index;size:36" json:"session_id"`
	EventType  string    `gorm:"index;size:32;not null" json:"event_type"`
	Host       string    `gorm:"index;size:255" json:"host"`
	Port       int       `json:"port"`
	Username   string    `gorm:"size:255" json:"username"`
	SourceIP   string    `gorm:"size:64" json:"source_ip"`
	Stage      string    `gorm:"size:32" json:"stage,omitempty"`
	Outcome    string    `gorm:"size:32" json:"outcome,omitempty"`
	Details    string    `gorm:"type:text" json:"details,omitempty"`
	BytesIn    int64     `json:"bytes_in"`
	BytesOut   int64     `json:"bytes_out"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

func (SessionAuditLog) TableName() string {
	return "session_audit_logs"
}
