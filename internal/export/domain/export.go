// Package domain holds the export workflow's errors, job message and read model.
package domain

import (
	"errors"
	"time"

	auditdomain "realm-export/backend/internal/audit/domain"
)

var (
	// ErrRateLimited is returned when the org already has the maximum number of export events.
	ErrRateLimited = errors.New("Exceeded rate limit.")
	// ErrExportInProgress is returned when another request for the same org holds the export lock.
	ErrExportInProgress = errors.New("An export is already in progress.")
	// ErrExportFailed wraps failures of the export routine or the artifact upload.
	ErrExportFailed = errors.New("export failed")
	// ErrExportNotFound is returned for unknown export ids, or exports belonging to another org.
	ErrExportNotFound = errors.New("export not found")
	// ErrExportPending is returned when downloading an export whose URI has not been set yet.
	ErrExportPending = errors.New("export is not ready yet")
	// ErrExportTypeNotAllowed is returned when the export policy denies the requested export type.
	ErrExportTypeNotAllowed = errors.New("Export type not allowed")
	// ErrOrgNotFound is returned when the caller's org no longer exists.
	ErrOrgNotFound = errors.New("organization not found")
)

// Telemetry event types emitted over the export lifecycle.
const (
	EventExportRequested = "realm_export_requested"
	EventExported        = auditdomain.EventRealmExported
	EventExportFailed    = auditdomain.EventRealmExportFailed

	// TelemetrySource is the source attribute on export telemetry events.
	TelemetrySource = "realm_export"
)

// Job is the queued unit of work in queue dispatch mode, serialized as JSON on the export topic.
type Job struct {
	AuditLogID string    `json:"audit_log_id"`
	OrgID      string    `json:"org_id"`
	UserID     string    `json:"user_id"`
	PublicOnly bool      `json:"public_only"`
	Threads    int       `json:"threads"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Export is the API view of a realm_exported audit event.
type Export struct {
	ID           string    `json:"id"`
	ActingUserID string    `json:"acting_user_id"`
	ExportTime   time.Time `json:"export_time"`
	ExportURL    string    `json:"export_url"`
	Pending      bool      `json:"pending"`
}

// ExportFromAudit converts an audit event into its API view.
func ExportFromAudit(l *auditdomain.RealmAuditLog) Export {
	return Export{
		ID:           l.ID,
		ActingUserID: l.ActingUserID,
		ExportTime:   l.EventTime,
		ExportURL:    l.URI(),
		Pending:      l.Pending(),
	}
}

// Result is returned by a successful export request. URI is empty when the export was queued.
type Result struct {
	AuditLogID string
	URI        string
	Queued     bool
}
