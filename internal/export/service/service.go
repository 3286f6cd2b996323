// Package service implements the realm export workflow: access check, export policy, per-org lock,
// rate limit, dispatch and audit recording.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"realm-export/backend/internal/audit"
	auditdomain "realm-export/backend/internal/audit/domain"
	"realm-export/backend/internal/config"
	"realm-export/backend/internal/export/domain"
	"realm-export/backend/internal/export/lock"
	orgdomain "realm-export/backend/internal/organization/domain"
	"realm-export/backend/internal/platform/rbac"
	"realm-export/backend/internal/policy/engine"
	"realm-export/backend/internal/telemetry"
	telemetrydomain "realm-export/backend/internal/telemetry/domain"
	"realm-export/backend/internal/upload"
)

const (
	instrumentationName = "realm-export/export"
	listLimit           = 100
)

// OrgGetter loads an organization. The organization repository satisfies it.
type OrgGetter interface {
	GetOrganizationByID(ctx context.Context, id string) (*orgdomain.Org, error)
}

// JobPublisher enqueues export jobs. *queue.Publisher satisfies it.
type JobPublisher interface {
	Publish(ctx context.Context, job domain.Job) error
}

// ArtifactOpener resolves an export URI to bytes. *upload.Resolver satisfies it.
type ArtifactOpener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Deps holds the collaborators of Service. Memberships, Orgs, Recorder, Limiter, Dispatcher and Locker
// are required. Policy nil allows public exports only. Publisher is required in queue mode.
type Deps struct {
	Memberships rbac.OrgMembershipGetter
	Orgs        OrgGetter
	Recorder    *audit.Recorder
	Limiter     *RateLimiter
	Dispatcher  *Dispatcher
	Locker      lock.Locker
	Resolver    ArtifactOpener
	Policy      engine.Evaluator
	Publisher   JobPublisher
	Emitter     telemetry.EventEmitter
	Logger      *zap.Logger
}

// Options are the export settings taken from config.
type Options struct {
	Threads      int
	DispatchMode string
	LockTTL      time.Duration
}

// Service runs export requests.
type Service struct {
	deps     Deps
	opts     Options
	logger   *zap.Logger
	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
}

// New returns a Service. Spans and counters use the global OTel providers.
func New(deps Deps, opts Options) (*Service, error) {
	if opts.DispatchMode == config.DispatchQueue && deps.Publisher == nil {
		return nil, errors.New("export service: queue dispatch requires a publisher")
	}
	if opts.Threads <= 0 {
		return nil, fmt.Errorf("export service: threads must be positive, got %d", opts.Threads)
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("realm_export.requests", metric.WithDescription("Accepted realm export requests"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("realm_export.failures", metric.WithDescription("Realm exports that failed to produce an artifact"))
	if err != nil {
		return nil, err
	}
	return &Service{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		requests: requests,
		failures: failures,
	}, nil
}

// Tracer returns the tracer used for export spans, for wiring the Dispatcher.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Request runs one export request for the caller in ctx. exportType is engine.ExportTypePublic or
// engine.ExportTypeFull; "" means public.
//
// Authorization and rate-limit failures return before any side effect. In sync mode the audit record
// is written only after the artifact is uploaded; in queue mode a pending record is committed, then the
// job is published, and the record is discarded if publishing fails.
func (s *Service) Request(ctx context.Context, exportType string) (res *domain.Result, err error) {
	ctx, span := s.tracer.Start(ctx, "realm_export.request")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	caller, err := rbac.RequireOrgAdminCaller(ctx, s.deps.Memberships)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("org_id", caller.OrgID), attribute.String("user_id", caller.UserID))

	publicOnly, err := s.authorizeExportType(ctx, caller, exportType)
	if err != nil {
		return nil, err
	}

	release, err := s.deps.Locker.Acquire(ctx, lock.OrgKey(caller.OrgID), s.opts.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, domain.ErrExportInProgress
		}
		return nil, fmt.Errorf("export lock: %w", err)
	}
	defer release()

	if err := s.deps.Limiter.Check(ctx, caller.OrgID); err != nil {
		return nil, err
	}
	org, err := s.deps.Orgs.GetOrganizationByID(ctx, caller.OrgID)
	if err != nil {
		return nil, fmt.Errorf("load org: %w", err)
	}
	if org == nil {
		return nil, domain.ErrOrgNotFound
	}

	mode := s.opts.DispatchMode
	s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode), attribute.Bool("public_only", publicOnly)))
	s.emit(ctx, domain.EventExportRequested, caller.OrgID, caller.UserID, map[string]any{"public_only": publicOnly, "mode": mode})

	if mode == config.DispatchQueue {
		return s.enqueue(ctx, caller, publicOnly)
	}
	return s.runSync(ctx, org, caller, publicOnly)
}

func (s *Service) authorizeExportType(ctx context.Context, caller *rbac.Caller, exportType string) (bool, error) {
	if exportType == "" {
		exportType = engine.ExportTypePublic
	}
	if s.deps.Policy == nil {
		if exportType != engine.ExportTypePublic {
			return false, domain.ErrExportTypeNotAllowed
		}
		return true, nil
	}
	d, err := s.deps.Policy.EvaluateExport(ctx, engine.ExportInput{
		OrgID:      caller.OrgID,
		UserID:     caller.UserID,
		Role:       string(caller.Role),
		ExportType: exportType,
	})
	if err != nil {
		return false, fmt.Errorf("export policy: %w", err)
	}
	if !d.Allowed {
		return false, domain.ErrExportTypeNotAllowed
	}
	return d.PublicOnly, nil
}

func (s *Service) runSync(ctx context.Context, org *orgdomain.Org, caller *rbac.Caller, publicOnly bool) (*domain.Result, error) {
	uri, err := s.deps.Dispatcher.Dispatch(ctx, org, publicOnly, s.opts.Threads)
	if err != nil {
		s.recordFailure(ctx, caller.OrgID, caller.UserID, "", err)
		return nil, err
	}
	entry, err := s.deps.Recorder.Record(ctx, caller.OrgID, caller.UserID, auditdomain.EventRealmExported, &uri)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, domain.EventExported, caller.OrgID, caller.UserID, map[string]any{"audit_log_id": entry.ID, "uri": uri})
	return &domain.Result{AuditLogID: entry.ID, URI: uri}, nil
}

func (s *Service) enqueue(ctx context.Context, caller *rbac.Caller, publicOnly bool) (*domain.Result, error) {
	// The pending record is committed before the job is visible on the topic, so a worker never
	// reads a job whose record it cannot see.
	entry, err := s.deps.Recorder.Record(ctx, caller.OrgID, caller.UserID, auditdomain.EventRealmExported, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: enqueue: %v", domain.ErrExportFailed, err)
	}
	err = s.deps.Publisher.Publish(ctx, domain.Job{
		AuditLogID: entry.ID,
		OrgID:      caller.OrgID,
		UserID:     caller.UserID,
		PublicOnly: publicOnly,
		Threads:    s.opts.Threads,
		EnqueuedAt: entry.EventTime,
	})
	if err != nil {
		if derr := s.deps.Recorder.Discard(context.WithoutCancel(ctx), entry.ID); derr != nil {
			s.logger.Error("export job not published and pending record not discarded",
				zap.String("audit_log_id", entry.ID), zap.Error(derr))
		}
		return nil, fmt.Errorf("%w: enqueue: %v", domain.ErrExportFailed, err)
	}
	s.logger.Info("realm export queued", zap.String("org_id", caller.OrgID), zap.String("audit_log_id", entry.ID))
	return &domain.Result{AuditLogID: entry.ID, Queued: true}, nil
}

// RunJob executes a queued export and sets the URI on its pending record. Jobs whose record is missing
// or already completed are skipped. A failed export leaves the record pending.
func (s *Service) RunJob(ctx context.Context, job domain.Job) error {
	ctx, span := s.tracer.Start(ctx, "realm_export.job", trace.WithAttributes(
		attribute.String("org_id", job.OrgID),
		attribute.String("audit_log_id", job.AuditLogID),
	))
	defer span.End()

	entry, err := s.deps.Recorder.Get(ctx, job.AuditLogID)
	if err != nil {
		return fmt.Errorf("load audit record: %w", err)
	}
	if entry == nil || entry.OrgID != job.OrgID {
		s.logger.Warn("export job skipped: audit record missing", zap.String("audit_log_id", job.AuditLogID))
		return nil
	}
	if !entry.Pending() {
		s.logger.Info("export job skipped: already completed", zap.String("audit_log_id", job.AuditLogID))
		return nil
	}
	org, err := s.deps.Orgs.GetOrganizationByID(ctx, job.OrgID)
	if err != nil {
		return fmt.Errorf("load org: %w", err)
	}
	if org == nil {
		s.recordFailure(ctx, job.OrgID, job.UserID, job.AuditLogID, domain.ErrOrgNotFound)
		return domain.ErrOrgNotFound
	}

	threads := job.Threads
	if threads <= 0 {
		threads = s.opts.Threads
	}
	uri, err := s.deps.Dispatcher.Dispatch(ctx, org, job.PublicOnly, threads)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "export failed")
		s.recordFailure(ctx, job.OrgID, job.UserID, job.AuditLogID, err)
		return err
	}
	if err := s.deps.Recorder.SetExtraData(ctx, entry.ID, uri); err != nil {
		return err
	}
	s.emit(ctx, domain.EventExported, job.OrgID, job.UserID, map[string]any{"audit_log_id": entry.ID, "uri": uri})
	return nil
}

// List returns the caller org's export events, newest first.
func (s *Service) List(ctx context.Context) ([]domain.Export, error) {
	orgID, _, err := rbac.RequireOrgAdmin(ctx, s.deps.Memberships)
	if err != nil {
		return nil, err
	}
	entries, err := s.deps.Recorder.ListByType(ctx, orgID, auditdomain.EventRealmExported, listLimit)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	out := make([]domain.Export, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.ExportFromAudit(e))
	}
	return out, nil
}

// Latest returns the caller org's most recent export event, or domain.ErrExportNotFound.
func (s *Service) Latest(ctx context.Context) (*domain.Export, error) {
	orgID, _, err := rbac.RequireOrgAdmin(ctx, s.deps.Memberships)
	if err != nil {
		return nil, err
	}
	entry, err := s.deps.Recorder.LatestByType(ctx, orgID, auditdomain.EventRealmExported)
	if err != nil {
		return nil, fmt.Errorf("latest export: %w", err)
	}
	if entry == nil {
		return nil, domain.ErrExportNotFound
	}
	e := domain.ExportFromAudit(entry)
	return &e, nil
}

// Download opens the artifact of export id in the caller's org. The caller must close the reader.
func (s *Service) Download(ctx context.Context, id string) (io.ReadCloser, *domain.Export, error) {
	orgID, _, err := rbac.RequireOrgAdmin(ctx, s.deps.Memberships)
	if err != nil {
		return nil, nil, err
	}
	entry, err := s.deps.Recorder.Get(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load export: %w", err)
	}
	if entry == nil || entry.OrgID != orgID || entry.EventType != auditdomain.EventRealmExported {
		return nil, nil, domain.ErrExportNotFound
	}
	if entry.Pending() {
		return nil, nil, domain.ErrExportPending
	}
	if s.deps.Resolver == nil {
		return nil, nil, domain.ErrExportNotFound
	}
	rc, err := s.deps.Resolver.Open(ctx, entry.URI())
	if err != nil {
		if errors.Is(err, upload.ErrNotFound) {
			return nil, nil, domain.ErrExportNotFound
		}
		return nil, nil, fmt.Errorf("open export: %w", err)
	}
	e := domain.ExportFromAudit(entry)
	return rc, &e, nil
}

func (s *Service) recordFailure(ctx context.Context, orgID, userID, auditLogID string, cause error) {
	s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", s.opts.DispatchMode)))
	s.logger.Error("realm export failed",
		zap.String("org_id", orgID),
		zap.String("audit_log_id", auditLogID),
		zap.Error(cause),
	)
	if auditLogID != "" {
		s.deps.Recorder.LogEvent(ctx, orgID, userID, auditdomain.EventRealmExportFailed, auditLogID)
	}
	s.emit(ctx, domain.EventExportFailed, orgID, userID, map[string]any{"audit_log_id": auditLogID, "error": cause.Error()})
}

func (s *Service) emit(ctx context.Context, eventType, orgID, userID string, meta map[string]any) {
	if s.deps.Emitter == nil {
		return
	}
	telemetry.EmitAsync(s.deps.Emitter, ctx, telemetrydomain.NewEvent(orgID, userID, eventType, domain.TelemetrySource, meta))
}
