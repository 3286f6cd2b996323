// Package app wires configuration into the export service and the infrastructure behind it.
// cmd/server and cmd/worker build the same graph through New.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"realm-export/backend/internal/audit"
	auditrepo "realm-export/backend/internal/audit/repository"
	"realm-export/backend/internal/config"
	"realm-export/backend/internal/db"
	"realm-export/backend/internal/export/exporter"
	"realm-export/backend/internal/export/lock"
	"realm-export/backend/internal/export/queue"
	"realm-export/backend/internal/export/service"
	membershiprepo "realm-export/backend/internal/membership/repository"
	orgrepo "realm-export/backend/internal/organization/repository"
	"realm-export/backend/internal/policy/engine"
	"realm-export/backend/internal/server/middleware"
	"realm-export/backend/internal/telemetry"
	telemetryotel "realm-export/backend/internal/telemetry/otel"
	"realm-export/backend/internal/telemetry/producer"
	"realm-export/backend/internal/upload"
	userrepo "realm-export/backend/internal/user/repository"
)

// ServiceName is the OTel service.name of every process built by New.
const ServiceName = "realm-export"

// App is the wired export service and the resources it owns.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	DB        *sql.DB
	Providers *telemetryotel.Providers
	Policy    *engine.OPAEvaluator
	Service   *service.Service
	// Local is the local uploads backend, or nil when LOCAL_UPLOADS_DIR is unset. It serves
	// /user_avatars/ even after new exports move to object storage.
	Local *upload.LocalBackend

	closers []func() error
}

// New opens every dependency named by cfg and returns the wired App. On error, whatever was
// already opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.Providers, err = telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, ServiceName, cfg.OTLPInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.Providers.SetGlobal()

	a.DB, err = db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.DB.Close)

	policySource, err := engine.LoadPolicyFile(cfg.ExportPolicyFile)
	if err != nil {
		return nil, err
	}
	a.Policy = engine.NewOPAEvaluator(policySource, logger)
	if err := a.Policy.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("export policy: %w", err)
	}

	backend, readable, err := a.newBackends(ctx)
	if err != nil {
		return nil, err
	}
	locker, err := a.newLocker(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := a.newEmitter()
	if err != nil {
		return nil, err
	}

	deps := service.Deps{
		Memberships: membershiprepo.NewPostgresRepository(a.DB),
		Orgs:        orgrepo.NewPostgresRepository(a.DB),
		Locker:      locker,
		Resolver:    upload.NewResolver(readable...),
		Policy:      a.Policy,
		Emitter:     emitter,
		Logger:      logger,
	}
	auditRepo := auditrepo.NewPostgresRepository(a.DB)
	deps.Recorder = audit.NewRecorder(auditRepo, middleware.ClientIPFromContext, logger)
	deps.Limiter = service.NewRateLimiter(auditRepo, cfg.ExportRateLimit, cfg.RateLimitWindow())
	deps.Dispatcher = service.NewDispatcher(
		exporter.NewTarballExporter(userrepo.NewPostgresRepository(a.DB), membershiprepo.NewPostgresRepository(a.DB)),
		backend, cfg.TmpDir(), service.Tracer(), logger,
	)
	if cfg.ExportDispatchMode == config.DispatchQueue {
		pub := queue.NewPublisher(cfg.KafkaBrokersList(), cfg.ExportKafkaTopic)
		a.closers = append(a.closers, pub.Close)
		deps.Publisher = pub
	}

	a.Service, err = service.New(deps, service.Options{
		Threads:      cfg.ExportThreads,
		DispatchMode: cfg.ExportDispatchMode,
		LockTTL:      cfg.LockTTL(),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newBackends builds every storage backend cfg configures. New exports go to active, chosen by
// EXPORT_STORAGE. readable holds all of them, so exports written before the deployment switched
// backends still resolve.
func (a *App) newBackends(ctx context.Context) (active upload.Backend, readable []upload.Backend, err error) {
	cfg := a.Config
	if cfg.HasLocalUploads() {
		a.Local = upload.NewLocalBackend(cfg.LocalUploadsDir, cfg.ExternalURL)
		readable = append(readable, a.Local)
		if cfg.UsesLocalUploads() {
			active = a.Local
		}
	}
	if cfg.S3AvatarBucket != "" {
		s3, err := a.newS3Backend(ctx, !cfg.UsesLocalUploads())
		if err != nil {
			return nil, nil, err
		}
		readable = append(readable, s3)
		if !cfg.UsesLocalUploads() {
			active = s3
		}
	}
	if active == nil {
		return nil, nil, errors.New("no export storage configured: set LOCAL_UPLOADS_DIR or S3_AVATAR_BUCKET")
	}
	return active, readable, nil
}

// newS3Backend connects to the export bucket. The bucket is checked only when new exports are
// written there.
func (a *App) newS3Backend(ctx context.Context, active bool) (*upload.S3Backend, error) {
	cfg := a.Config
	store, err := upload.NewMinioStore(upload.MinioOptions{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if active {
		if ok, err := store.BucketExists(ctx, cfg.S3AvatarBucket); err != nil {
			a.Logger.Warn("object storage: bucket check failed", zap.String("bucket", cfg.S3AvatarBucket), zap.Error(err))
		} else if !ok {
			return nil, fmt.Errorf("object storage: bucket %q does not exist", cfg.S3AvatarBucket)
		}
	}
	return upload.NewS3Backend(store, cfg.S3AvatarBucket, cfg.S3PublicURL()), nil
}

// newLocker returns a Redis-backed lock when REDIS_URL is set. The in-process lock only
// serializes requests handled by this process.
func (a *App) newLocker(ctx context.Context) (lock.Locker, error) {
	if a.Config.RedisURL == "" {
		if a.Config.ExportDispatchMode == config.DispatchQueue {
			a.Logger.Warn("REDIS_URL not set: export lock is per process")
		}
		return lock.NewMemoryLocker(), nil
	}
	rdb, err := lock.NewRedisClient(ctx, a.Config.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rdb.Close)
	return lock.NewRedisLocker(rdb, a.Logger), nil
}

// newEmitter fans export telemetry out to OTel logs and, when brokers are set, to Kafka.
func (a *App) newEmitter() (telemetry.EventEmitter, error) {
	emitters := telemetry.MultiEmitter{telemetryotel.NewEventEmitter(a.Providers.LoggerProvider)}
	kp, err := producer.NewKafkaProducer(a.Config.KafkaBrokersList(), a.Config.TelemetryKafkaTopic)
	if err != nil {
		return nil, fmt.Errorf("telemetry kafka: %w", err)
	}
	if kp != nil {
		a.closers = append(a.closers, kp.Close)
		emitters = append(emitters, kp)
	}
	return emitters, nil
}

// Close releases everything New opened, newest first, then flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.Providers != nil {
		if err := a.Providers.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
