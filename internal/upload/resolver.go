package upload

import (
	"context"
	"io"
)

// Resolver maps an export URI to the backend that produced it.
type Resolver struct {
	backends []Backend
}

// NewResolver returns a Resolver over the deployment's configured backends. Nil backends are skipped.
func NewResolver(backends ...Backend) *Resolver {
	r := &Resolver{}
	for _, b := range backends {
		if b != nil {
			r.backends = append(r.backends, b)
		}
	}
	return r
}

// Open returns the bytes behind uri. Unknown URI shapes and missing objects return ErrNotFound.
func (r *Resolver) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if uri == "" {
		return nil, ErrNotFound
	}
	for _, b := range r.backends {
		if b.Owns(uri) {
			return b.Open(ctx, uri)
		}
	}
	return nil, ErrNotFound
}
