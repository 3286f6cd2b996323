// Package exporter produces the realm export tarball.
package exporter

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	membershipdomain "realm-export/backend/internal/membership/domain"
	orgdomain "realm-export/backend/internal/organization/domain"
	userdomain "realm-export/backend/internal/user/domain"
)

// Params are the inputs to one export run.
type Params struct {
	Org *orgdomain.Org
	// OutputDir is a fresh directory owned by the caller; the tarball is written inside it.
	OutputDir string
	// Threads bounds the parallelism of the export.
	Threads int
	// PublicOnly excludes private data (member email addresses).
	PublicOnly bool
}

// Exporter writes an org's data to a tarball under Params.OutputDir and returns the tarball path.
type Exporter interface {
	ExportRealm(ctx context.Context, p Params) (string, error)
}

// UserLister lists an org's users. The user repository satisfies it.
type UserLister interface {
	ListByOrg(ctx context.Context, orgID string) ([]*userdomain.User, error)
}

// MembershipLister lists an org's memberships. The membership repository satisfies it.
type MembershipLister interface {
	ListMembershipsByOrg(ctx context.Context, orgID string) ([]*membershipdomain.Membership, error)
}

// TarballExporter writes <org>-export.tar.gz containing realm.json and members.json.
type TarballExporter struct {
	users       UserLister
	memberships MembershipLister
	now         func() time.Time
}

// NewTarballExporter returns an exporter reading members through users and memberships.
func NewTarballExporter(users UserLister, memberships MembershipLister) *TarballExporter {
	return &TarballExporter{users: users, memberships: memberships, now: time.Now}
}

type realmRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ExportedAt time.Time `json:"exported_at"`
	PublicOnly bool      `json:"public_only"`
}

type memberRecord struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

// ExportRealm serializes members with at most p.Threads goroutines and writes the tarball.
func (e *TarballExporter) ExportRealm(ctx context.Context, p Params) (string, error) {
	if p.Org == nil {
		return "", errors.New("exporter: org is required")
	}
	if p.Threads <= 0 {
		return "", fmt.Errorf("exporter: threads must be positive, got %d", p.Threads)
	}
	users, err := e.users.ListByOrg(ctx, p.Org.ID)
	if err != nil {
		return "", fmt.Errorf("list users: %w", err)
	}
	memberships, err := e.memberships.ListMembershipsByOrg(ctx, p.Org.ID)
	if err != nil {
		return "", fmt.Errorf("list memberships: %w", err)
	}
	roles := make(map[string]membershipdomain.Role, len(memberships))
	for _, m := range memberships {
		roles[m.UserID] = m.Role
	}

	members := make([]json.RawMessage, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Threads)
	for i, u := range users {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec := memberRecord{ID: u.ID, Name: u.Name, Role: string(roles[u.ID]), Status: string(u.Status)}
			if !p.PublicOnly {
				rec.Email = u.Email
			}
			b, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			members[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("serialize members: %w", err)
	}

	realm, err := json.MarshalIndent(realmRecord{
		ID:         p.Org.ID,
		Name:       p.Org.Name,
		Status:     string(p.Org.Status),
		CreatedAt:  p.Org.CreatedAt,
		ExportedAt: e.now().UTC(),
		PublicOnly: p.PublicOnly,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	memberJSON, err := json.MarshalIndent(members, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(p.OutputDir, p.Org.ID+"-export.tar.gz")
	if err := writeTarball(path, map[string][]byte{
		"realm.json":   realm,
		"members.json": memberJSON,
	}, []string{"realm.json", "members.json"}); err != nil {
		return "", err
	}
	return path, nil
}

func writeTarball(path string, files map[string][]byte, order []string) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create tarball: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, name := range order {
		body := files[name]
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), ModTime: time.Now()}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("tar header %s: %w", name, err)
		}
		if _, err := tw.Write(body); err != nil {
			return fmt.Errorf("tar write %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
