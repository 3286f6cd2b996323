package service

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"realm-export/backend/internal/export/domain"
	"realm-export/backend/internal/export/exporter"
	orgdomain "realm-export/backend/internal/organization/domain"
	"realm-export/backend/internal/upload"
)

// transientDirPrefix names the per-dispatch scratch directory.
const transientDirPrefix = "zulip-export-"

// Dispatcher runs the exporter in a fresh scratch directory and moves the result to final storage.
type Dispatcher struct {
	exporter exporter.Exporter
	backend  upload.Backend
	tmpDir   string
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewDispatcher returns a Dispatcher. tmpDir is the parent of scratch directories; "" uses os.TempDir().
func NewDispatcher(exp exporter.Exporter, backend upload.Backend, tmpDir string, tracer trace.Tracer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{exporter: exp, backend: backend, tmpDir: tmpDir, tracer: tracer, logger: logger}
}

// Dispatch exports org and uploads the tarball, returning its URI. The scratch directory and tarball
// are removed before Dispatch returns, whether it succeeds or not. Failures wrap domain.ErrExportFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, org *orgdomain.Org, publicOnly bool, threads int) (string, error) {
	ctx, span := d.tracer.Start(ctx, "realm_export.dispatch", trace.WithAttributes(
		attribute.String("org_id", org.ID),
		attribute.Bool("public_only", publicOnly),
		attribute.Int("threads", threads),
	))
	defer span.End()

	uri, err := d.dispatch(ctx, org, publicOnly, threads)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "export failed")
		return "", err
	}
	return uri, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, org *orgdomain.Org, publicOnly bool, threads int) (string, error) {
	dir, err := os.MkdirTemp(d.tmpDir, transientDirPrefix)
	if err != nil {
		return "", fmt.Errorf("%w: create scratch dir: %v", domain.ErrExportFailed, err)
	}
	defer d.remove(dir)

	tarball, err := d.exporter.ExportRealm(ctx, exporter.Params{
		Org:        org,
		OutputDir:  dir,
		Threads:    threads,
		PublicOnly: publicOnly,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrExportFailed, err)
	}
	defer d.remove(tarball)

	uri, err := d.backend.UploadExportTarball(ctx, org.ID, tarball)
	if err != nil {
		return "", fmt.Errorf("%w: upload: %v", domain.ErrExportFailed, err)
	}
	d.logger.Info("realm export uploaded", zap.String("org_id", org.ID), zap.String("uri", uri))
	return uri, nil
}

func (d *Dispatcher) remove(path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		d.logger.Warn("export: cleanup failed", zap.String("path", path), zap.Error(err))
	}
}
