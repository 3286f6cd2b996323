package repository

import (
	"context"

	"realm-export/backend/internal/user/domain"
)

// Repository defines persistence for users.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
	// ListByOrg returns the users holding a membership in orgID, ordered by email.
	ListByOrg(ctx context.Context, orgID string) ([]*domain.User, error)
}
