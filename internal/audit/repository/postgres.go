package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"realm-export/backend/internal/audit/domain"
)

const auditColumns = `id, org_id, acting_user_id, event_type, event_time, client_ip, extra_data`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditLog(s rowScanner) (*domain.RealmAuditLog, error) {
	var (
		l     domain.RealmAuditLog
		actor sql.NullString
		extra sql.NullString
	)
	if err := s.Scan(&l.ID, &l.OrgID, &actor, &l.EventType, &l.EventTime, &l.ClientIP, &extra); err != nil {
		return nil, err
	}
	if actor.Valid {
		l.ActingUserID = actor.String
	}
	if extra.Valid {
		v := extra.String
		l.ExtraData = &v
	}
	return &l, nil
}

// GetByID returns the audit log for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.RealmAuditLog, error) {
	l, err := scanAuditLog(r.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM realm_audit_log WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

// Create persists the audit log. The audit log must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, l *domain.RealmAuditLog) error {
	return insertAuditLog(ctx, r.db, l)
}

// DeletePending removes id if its extra_data is still NULL. Completed events are never deleted.
func (r *PostgresRepository) DeletePending(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM realm_audit_log WHERE id = $1 AND extra_data IS NULL`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func insertAuditLog(ctx context.Context, db *sql.DB, l *domain.RealmAuditLog) error {
	if l.ID == "" {
		return errors.New("audit log id is required")
	}
	actor := sql.NullString{String: l.ActingUserID, Valid: l.ActingUserID != ""}
	var extra sql.NullString
	if l.ExtraData != nil {
		extra = sql.NullString{String: *l.ExtraData, Valid: true}
	}
	ip := l.ClientIP
	if ip == "" {
		ip = "unknown"
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO realm_audit_log (id, org_id, acting_user_id, event_type, event_time, client_ip, extra_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.OrgID, actor, l.EventType, l.EventTime, ip, extra,
	)
	return err
}

// SetExtraData sets extra_data for id if it has not been set yet.
func (r *PostgresRepository) SetExtraData(ctx context.Context, id, extraData string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE realm_audit_log SET extra_data = $2 WHERE id = $1 AND extra_data IS NULL`, id, extraData)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountByOrgAndType counts matching events. A zero since counts every event.
func (r *PostgresRepository) CountByOrgAndType(ctx context.Context, orgID, eventType string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM realm_audit_log WHERE org_id = $1 AND event_type = $2 AND event_time >= $3`,
		orgID, eventType, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s events: %w", eventType, err)
	}
	return n, nil
}

// LatestByOrgAndType returns the most recent event of eventType for orgID, or nil if there is none.
func (r *PostgresRepository) LatestByOrgAndType(ctx context.Context, orgID, eventType string) (*domain.RealmAuditLog, error) {
	l, err := scanAuditLog(r.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM realm_audit_log WHERE org_id = $1 AND event_type = $2
		 ORDER BY event_time DESC, id DESC LIMIT 1`,
		orgID, eventType,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

// ListByOrgAndType returns up to limit events, newest first. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListByOrgAndType(ctx context.Context, orgID, eventType string, limit int) ([]*domain.RealmAuditLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM realm_audit_log WHERE org_id = $1 AND event_type = $2
		 ORDER BY event_time DESC, id DESC LIMIT $3`,
		orgID, eventType, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.RealmAuditLog
	for rows.Next() {
		l, err := scanAuditLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
