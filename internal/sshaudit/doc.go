// Package sshaudit keeps a durable trail of bridged SSH sessions.
//
// Every session produces a session_start row when its shell is ready and a
// session_end row when it is released, or a single session_failed row when
// establishment fails. Connections rejected for bad parameters produce a
// parameter_error row. Payload bytes are never recorded.
//
// [Auditor] implements bridge.EventSink and writes to the
// session_audit_logs table through GORM. [InitGlobal] installs the process
// Auditor; the helpers in helpers.go are safe to call before that and drop
// the event.
//
// # Retention
//
// Rows older than the retention period (default [DefaultRetentionDays]) are
// removed by [Auditor.PurgeOlderThan], which the server runs on a cron
// schedule.
//
// # Log Prefixes
//
// Audit log messages use the [ssh-audit] prefix.
package sshaudit
