// Package upload stores export tarballs and resolves their URIs back to bytes.
// Two backends exist: local disk served under /user_avatars/, and S3-compatible object storage.
package upload

import (
	"context"
	"errors"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a URI does not resolve to stored bytes.
var ErrNotFound = errors.New("export artifact not found")

// TarballContentType is the content type exports are stored and served with.
const TarballContentType = "application/gzip"

// Backend stores export tarballs and reads them back by URI.
type Backend interface {
	// UploadExportTarball copies the file at tarballPath into storage and returns its public URI.
	UploadExportTarball(ctx context.Context, orgID, tarballPath string) (string, error)
	// Owns reports whether uri has the shape this backend produces.
	Owns(uri string) bool
	// Open returns the bytes stored at uri. Missing objects return ErrNotFound.
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// exportPathID returns the storage-relative path for a new export: exports/<org>/<random>/<file>.
func exportPathID(orgID, tarballPath string) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return path.Join("exports", orgID, random, filepath.Base(tarballPath))
}
