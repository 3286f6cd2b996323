package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalRoutePrefix is the URL path under which local uploads are served.
const LocalRoutePrefix = "/user_avatars/"

// LocalBackend stores files under <root>/avatars and addresses them as <externalURL>/user_avatars/<path_id>.
type LocalBackend struct {
	dir       string
	uriPrefix string
}

// NewLocalBackend returns a backend rooted at uploadsDir. externalURL is the server's public base URL.
func NewLocalBackend(uploadsDir, externalURL string) *LocalBackend {
	return &LocalBackend{
		dir:       filepath.Join(uploadsDir, "avatars"),
		uriPrefix: strings.TrimRight(externalURL, "/") + LocalRoutePrefix,
	}
}

// UploadExportTarball copies tarballPath to <root>/avatars/exports/<org>/<random>/<file>.
func (b *LocalBackend) UploadExportTarball(ctx context.Context, orgID, tarballPath string) (string, error) {
	pathID := exportPathID(orgID, tarballPath)
	dst := filepath.Join(b.dir, filepath.FromSlash(pathID))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	if err := copyFile(ctx, tarballPath, dst); err != nil {
		return "", err
	}
	return b.uriPrefix + pathID, nil
}

func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open tarball: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("copy tarball: %w", err)
	}
	return out.Close()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Owns reports whether uri starts with this server's /user_avatars/ prefix.
func (b *LocalBackend) Owns(uri string) bool {
	return strings.HasPrefix(uri, b.uriPrefix)
}

// Open reads the file behind a local upload URI.
func (b *LocalBackend) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if !b.Owns(uri) {
		return nil, ErrNotFound
	}
	return b.openPathID(strings.TrimPrefix(uri, b.uriPrefix))
}

// openPathID opens <root>/avatars/<pathID>. Paths escaping the root and directories are ErrNotFound.
func (b *LocalBackend) openPathID(pathID string) (*os.File, error) {
	clean := path.Clean("/" + pathID)
	if clean == "/" {
		return nil, ErrNotFound
	}
	full := filepath.Join(b.dir, filepath.FromSlash(clean))
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		_ = f.Close()
		return nil, ErrNotFound
	}
	return f, nil
}

// ServeHTTP serves r.URL.Path relative to <root>/avatars. Mount it behind http.StripPrefix(LocalRoutePrefix).
func (b *LocalBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f, err := b.openPathID(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if strings.HasSuffix(st.Name(), ".tar.gz") {
		w.Header().Set("Content-Type", TarballContentType)
	}
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}
