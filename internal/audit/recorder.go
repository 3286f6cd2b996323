// Package audit records realm audit-log events for the export workflow.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realm-export/backend/internal/audit/domain"
	auditrepo "realm-export/backend/internal/audit/repository"
)

// ErrNotPending is returned by SetExtraData and Discard when the record does not exist or already has extra data.
var ErrNotPending = errors.New("audit record missing or already completed")

// IPExtractor returns the client IP from the request context.
type IPExtractor func(context.Context) string

// Recorder writes realm audit events. Record and SetExtraData are mandatory writes whose errors
// the caller must handle; LogEvent is best-effort.
type Recorder struct {
	repo        auditrepo.Repository
	ipExtractor IPExtractor
	logger      *zap.Logger
	now         func() time.Time
}

// NewRecorder returns a Recorder that persists to repo and uses ipExtractor for client IP.
// ipExtractor may be nil; then IP is recorded as "unknown".
func NewRecorder(repo auditrepo.Repository, ipExtractor IPExtractor, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{repo: repo, ipExtractor: ipExtractor, logger: logger, now: time.Now}
}

func (r *Recorder) newEntry(ctx context.Context, orgID, userID, eventType string, extraData *string) *domain.RealmAuditLog {
	ip := "unknown"
	if r.ipExtractor != nil {
		ip = r.ipExtractor(ctx)
	}
	return &domain.RealmAuditLog{
		ID:           uuid.New().String(),
		OrgID:        orgID,
		ActingUserID: userID,
		EventType:    eventType,
		EventTime:    r.now().UTC(),
		ClientIP:     ip,
		ExtraData:    extraData,
	}
}

// Record writes one event. A nil extraData leaves the event pending.
func (r *Recorder) Record(ctx context.Context, orgID, userID, eventType string, extraData *string) (*domain.RealmAuditLog, error) {
	entry := r.newEntry(ctx, orgID, userID, eventType, extraData)
	if err := r.repo.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("record %s: %w", eventType, err)
	}
	return entry, nil
}

// Discard removes a pending event, for work that was recorded but never started.
// It returns ErrNotPending if the event is missing or already completed.
func (r *Recorder) Discard(ctx context.Context, id string) error {
	ok, err := r.repo.DeletePending(ctx, id)
	if err != nil {
		return fmt.Errorf("discard %s: %w", id, err)
	}
	if !ok {
		return ErrNotPending
	}
	return nil
}

// SetExtraData completes a pending event. The URI of an export event is set at most once.
func (r *Recorder) SetExtraData(ctx context.Context, id, extraData string) error {
	ok, err := r.repo.SetExtraData(ctx, id, extraData)
	if err != nil {
		return fmt.Errorf("set extra data on %s: %w", id, err)
	}
	if !ok {
		return ErrNotPending
	}
	return nil
}

// Get returns the event for id, or nil if not found.
func (r *Recorder) Get(ctx context.Context, id string) (*domain.RealmAuditLog, error) {
	return r.repo.GetByID(ctx, id)
}

// LatestByType returns the most recent event of eventType for orgID, or nil if there is none.
func (r *Recorder) LatestByType(ctx context.Context, orgID, eventType string) (*domain.RealmAuditLog, error) {
	return r.repo.LatestByOrgAndType(ctx, orgID, eventType)
}

// ListByType returns up to limit events of eventType for orgID, newest first.
func (r *Recorder) ListByType(ctx context.Context, orgID, eventType string, limit int) ([]*domain.RealmAuditLog, error) {
	return r.repo.ListByOrgAndType(ctx, orgID, eventType, limit)
}

// LogEvent writes one event. Best-effort: errors are logged and not returned.
func (r *Recorder) LogEvent(ctx context.Context, orgID, userID, eventType, extraData string) {
	if r.repo == nil {
		return
	}
	var extra *string
	if extraData != "" {
		extra = &extraData
	}
	entry := r.newEntry(ctx, orgID, userID, eventType, extra)
	if err := r.repo.Create(ctx, entry); err != nil {
		r.logger.Warn("audit: failed to log event",
			zap.String("event_type", eventType),
			zap.String("org_id", orgID),
			zap.Error(err),
		)
	}
}
