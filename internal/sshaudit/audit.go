package sshaudit

import (
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshbridge/internal/bridge"
	"github.com/gluk-w/sshbridge/internal/database"
	"github.com/gluk-w/sshbridge/internal/logutil"
	"gorm.io/gorm"
)

// Event types stored in session_audit_logs.event_type.
const (
	EventSessionStart   = string(bridge.EventStarted)
	EventSessionEnd     = string(bridge.EventEnded)
	EventSessionFailed  = string(bridge.EventFailed)
	EventParameterError = "parameter_error"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// Auditor records session events to the database and standard logger.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor creates a new Auditor that writes to the given database.
// If retentionDays is 0, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Record stores a bridge lifecycle event.
func (a *Auditor) Record(ev bridge.Event) {
	if a == nil {
		return
	}
	a.write(database.SessionAuditLog{
		SessionID:  ev.SessionID,
		EventType:  string(ev.Type),
		Host:       ev.Host,
		Port:       ev.Port,
		Username:   ev.Username,
		SourceIP:   ev.SourceIP,
		Stage:      ev.Stage,
		Outcome:    ev.Outcome,
		Details:    ev.Detail,
		BytesIn:    ev.BytesIn,
		BytesOut:   ev.BytesOut,
		DurationMs: ev.Duration.Milliseconds(),
		CreatedAt:  ev.Time,
	})
}

// LogParameterError records a connection rejected before any session
// existed.
func (a *Auditor) LogParameterError(host, username, sourceIP, message string) error {
	return a.write(database.SessionAuditLog{
		EventType: EventParameterError,
		Host:      host,
		Username:  username,
		SourceIP:  sourceIP,
		Details:   message,
	})
}

func (a *Auditor) write(record database.SessionAuditLog) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = a.nowFn()
	}

	a.mu.Lock()
	err := a.db.Create(&record).Error
	a.mu.Unlock()
	if err != nil {
		log.Printf("[ssh-audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[ssh-audit] %s session=%s target=%s:%d user=%s ip=%s outcome=%s details=%s",
		record.EventType,
		record.SessionID,
		logutil.SanitizeForLog(record.Host),
		record.Port,
		logutil.SanitizeForLog(record.Username),
		record.SourceIP,
		record.Outcome,
		logutil.SanitizeForLog(record.Details),
	)
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	SessionID string
	Host      string
	Username  string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.SessionAuditLog `json:"entries"`
	Total   int64                      `json:"total"`
	Limit   int                        `json:"limit"`
	Offset  int                        `json:"offset"`
}

// Query retrieves audit log entries matching the given options, newest
// first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.SessionAuditLog{})

	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Host != "" {
		tx = tx.Where("host = ?", opts.Host)
	}
	if opts.Username != "" {
		tx = tx.Where("username = ?", opts.Username)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.SessionAuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days, or older than the
// configured retention when days is 0. Returns the number deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.SessionAuditLog{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[ssh-audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[ssh-audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
