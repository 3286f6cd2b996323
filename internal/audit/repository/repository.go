package repository

import (
	"context"
	"time"

	"realm-export/backend/internal/audit/domain"
)

// Repository defines persistence for the realm audit log.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.RealmAuditLog, error)
	Create(ctx context.Context, l *domain.RealmAuditLog) error
	// DeletePending removes a row whose extra_data is still NULL. Returns false if no such row exists.
	DeletePending(ctx context.Context, id string) (bool, error)
	// SetExtraData sets extra_data on a row whose extra_data is still NULL. Returns false if no such row exists.
	SetExtraData(ctx context.Context, id, extraData string) (bool, error)
	// CountByOrgAndType counts events of eventType for orgID at or after since. A zero since counts all events.
	CountByOrgAndType(ctx context.Context, orgID, eventType string, since time.Time) (int, error)
	LatestByOrgAndType(ctx context.Context, orgID, eventType string) (*domain.RealmAuditLog, error)
	// ListByOrgAndType returns events newest first.
	ListByOrgAndType(ctx context.Context, orgID, eventType string, limit int) ([]*domain.RealmAuditLog, error)
}
