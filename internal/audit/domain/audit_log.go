package domain

import "time"

// Event types written to the realm audit log by the export workflow.
const (
	// EventRealmExported marks an accepted export request. Its ExtraData holds the artifact URI
	// once the upload has finished; nil means the export is still pending.
	EventRealmExported = "realm_exported"
	// EventRealmExportFailed records a queued export whose job did not complete.
	EventRealmExportFailed = "realm_export_failed"
)

// RealmAuditLog is one row of an organization's audit log.
type RealmAuditLog struct {
	ID           string
	OrgID        string
	ActingUserID string
	EventType    string
	EventTime    time.Time
	ClientIP     string
	// ExtraData is free-form event payload. For realm_exported it is the export URI.
	ExtraData *string
}

// Pending reports whether the event still awaits its payload.
func (l *RealmAuditLog) Pending() bool {
	return l.ExtraData == nil || *l.ExtraData == ""
}

// URI returns ExtraData or "" when unset.
func (l *RealmAuditLog) URI() string {
	if l.ExtraData == nil {
		return ""
	}
	return *l.ExtraData
}
