package service

import (
	"context"
	"fmt"
	"time"

	auditdomain "realm-export/backend/internal/audit/domain"
	"realm-export/backend/internal/export/domain"
)

// EventCounter counts audit events. The audit repository satisfies it.
type EventCounter interface {
	CountByOrgAndType(ctx context.Context, orgID, eventType string, since time.Time) (int, error)
}

// RateLimiter caps the number of realm_exported events an org may accumulate.
type RateLimiter struct {
	counter EventCounter
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewRateLimiter returns a limiter allowing limit events. A zero window counts every event ever
// recorded; a positive window counts only events within it.
func NewRateLimiter(counter EventCounter, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{counter: counter, limit: limit, window: window, now: time.Now}
}

// Check returns domain.ErrRateLimited when orgID already has limit or more export events.
// It has no side effects.
func (r *RateLimiter) Check(ctx context.Context, orgID string) error {
	var since time.Time
	if r.window > 0 {
		since = r.now().Add(-r.window)
	}
	n, err := r.counter.CountByOrgAndType(ctx, orgID, auditdomain.EventRealmExported, since)
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if n >= r.limit {
		return domain.ErrRateLimited
	}
	return nil
}
