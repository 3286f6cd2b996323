// seed inserts a development organization with an owner, an admin and a member, then prints a bearer
// token for each so the export endpoints can be tried with curl. Idempotent: skips inserts if the dev
// owner (owner@example.com) already exists. Tokens are printed only when JWT_PRIVATE_KEY is set.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"realm-export/backend/internal/config"
	"realm-export/backend/internal/db"
	membershipdomain "realm-export/backend/internal/membership/domain"
	membershiprepo "realm-export/backend/internal/membership/repository"
	orgdomain "realm-export/backend/internal/organization/domain"
	orgrepo "realm-export/backend/internal/organization/repository"
	"realm-export/backend/internal/security"
	userdomain "realm-export/backend/internal/user/domain"
	userrepo "realm-export/backend/internal/user/repository"
)

const devOrgID = "dev-org-001"

type devUser struct {
	id    string
	email string
	name  string
	role  membershipdomain.Role
}

var devUsers = []devUser{
	{"dev-user-001", "owner@example.com", "Desdemona", membershipdomain.RoleOwner},
	{"dev-user-002", "admin@example.com", "Iago", membershipdomain.RoleAdmin},
	{"dev-user-003", "member@example.com", "Hamlet", membershipdomain.RoleMember},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	users := userrepo.NewPostgresRepository(conn)
	orgs := orgrepo.NewPostgresRepository(conn)
	memberships := membershiprepo.NewPostgresRepository(conn)

	existing, err := users.GetByEmail(ctx, devUsers[0].email)
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if existing != nil {
		log.Printf("Seed already applied (%s exists). Skipping inserts.", devUsers[0].email)
	} else {
		now := time.Now().UTC()
		if err := orgs.CreateOrganization(ctx, &orgdomain.Org{
			ID:        devOrgID,
			Name:      "Zulip Dev",
			Status:    orgdomain.OrgStatusActive,
			CreatedAt: now,
		}); err != nil {
			log.Fatalf("create org: %v", err)
		}
		for i, u := range devUsers {
			if err := users.Create(ctx, &userdomain.User{
				ID:        u.id,
				Email:     u.email,
				Name:      u.name,
				Status:    userdomain.UserStatusActive,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				log.Fatalf("create user %s: %v", u.email, err)
			}
			if err := memberships.CreateMembership(ctx, &membershipdomain.Membership{
				ID:        fmt.Sprintf("dev-membership-%03d", i+1),
				UserID:    u.id,
				OrgID:     devOrgID,
				Role:      u.role,
				CreatedAt: now,
			}); err != nil {
				log.Fatalf("create membership %s: %v", u.email, err)
			}
		}
		log.Println("Seed completed successfully.")
	}

	if cfg.JWTPrivateKey == "" {
		return
	}
	signer, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("JWT_PRIVATE_KEY: %v", err)
	}
	pub, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("JWT_PUBLIC_KEY: %v", err)
	}
	tokens := security.NewTokenProvider(signer, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	for _, u := range devUsers {
		token, expires, err := tokens.IssueAccess("dev-session-"+u.id, u.id, devOrgID)
		if err != nil {
			log.Fatalf("issue token for %s: %v", u.email, err)
		}
		fmt.Printf("%s (%s), expires %s:\n  Authorization: Bearer %s\n", u.email, u.role, expires.Format(time.RFC3339), token)
	}
}
