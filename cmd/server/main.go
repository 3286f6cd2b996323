// server runs the realm export HTTP API and the gRPC health service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"realm-export/backend/internal/app"
	"realm-export/backend/internal/config"
	"realm-export/backend/internal/db/migrate"
	exporthandler "realm-export/backend/internal/export/handler"
	"realm-export/backend/internal/health"
	"realm-export/backend/internal/logger"
	"realm-export/backend/internal/security"
	"realm-export/backend/internal/server"
	"realm-export/backend/internal/server/middleware"
	"realm-export/backend/internal/telemetry"
)

const (
	healthInterval  = 15 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("server", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		return fmt.Errorf("JWT_PUBLIC_KEY: %w", err)
	}
	tokens := security.NewTokenProvider(nil, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	trusted, err := middleware.ParseTrustedProxies(cfg.TrustedProxiesList())
	if err != nil {
		return fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}

	version, err := migrate.Run(cfg.DatabaseURL, migrate.Up)
	if err != nil {
		return err
	}
	log.Info("database migrated", zap.Uint("version", version))

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	checker := health.NewChecker(a.DB, a.Policy, nil, log)
	go checker.Run(ctx, healthInterval)

	var local http.Handler
	if a.Local != nil {
		local = a.Local
	}
	httpSrv := server.NewHTTPServer(cfg.HTTPAddr, server.NewRouter(server.HTTPDeps{
		Tokens:         tokens,
		Exports:        exporthandler.New(a.Service, log),
		LocalUploads:   local,
		Health:         checker,
		TrustedProxies: trusted,
		Logger:         log,
	}))

	lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
	if err != nil {
		_ = a.Close(context.Background())
		return err
	}
	grpcSrv := server.NewGRPCServer(checker)

	errc := make(chan error, 2)
	go func() {
		log.Info("gRPC health listening", zap.String("addr", cfg.GRPCHealthAddr))
		errc <- grpcSrv.Serve(lis)
	}()
	go func() {
		log.Info("HTTP API listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("dispatch_mode", cfg.ExportDispatchMode),
			zap.Bool("local_uploads", cfg.UsesLocalUploads()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errc:
		log.Error("listener failed", zap.Error(err))
	}

	checker.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()

	// Let in-flight async telemetry finish before the providers flush.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if cerr := a.Close(shutdownCtx); cerr != nil {
		log.Warn("close", zap.Error(cerr))
	}
	log.Info("stopped")
	return err
}
