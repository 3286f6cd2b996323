// Package health reports readiness over the standard grpc.health.v1 service and /healthz.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"realm-export/backend/internal/server/response"
)

// ServiceName is the grpc.health.v1 service name reported alongside the overall ("") status.
const ServiceName = "realm_export.ExportService"

const checkTimeout = 3 * time.Second

// Pinger checks database connectivity (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the policy engine can evaluate (e.g. *engine.OPAEvaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Checker runs readiness checks and publishes the result to a grpc health server.
type Checker struct {
	pinger  Pinger
	policy  PolicyChecker
	server  *grpchealth.Server
	logger  *zap.Logger
	serving atomic.Bool
}

// NewChecker returns a Checker. pinger and policy may be nil; nil checks are skipped.
func NewChecker(pinger Pinger, policy PolicyChecker, server *grpchealth.Server, logger *zap.Logger) *Checker {
	if server == nil {
		server = grpchealth.NewServer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{pinger: pinger, policy: policy, server: server, logger: logger}
}

// Server returns the grpc health server to register with grpc.Server.
func (c *Checker) Server() *grpchealth.Server {
	return c.server
}

// Check runs every configured check once and updates the published status.
// A failing check yields NOT_SERVING; it is never returned as an error.
func (c *Checker) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if c.pinger != nil {
		if err := c.pinger.PingContext(ctx); err != nil {
			c.logger.Warn("health: database ping failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	if c.policy != nil {
		if err := c.policy.HealthCheck(ctx); err != nil {
			c.logger.Warn("health: policy engine check failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	c.server.SetServingStatus("", status)
	c.server.SetServingStatus(ServiceName, status)
	c.serving.Store(status == healthpb.HealthCheckResponse_SERVING)
	return status
}

// Run checks immediately and then every interval until ctx is done.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING so load balancers drain before the process exits.
func (c *Checker) Shutdown() {
	c.serving.Store(false)
	c.server.Shutdown()
}

// ServeHTTP reports the last check result as JSON: 200 when serving, 503 otherwise.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c.serving.Load() {
		response.Success(w, map[string]any{"status": healthpb.HealthCheckResponse_SERVING.String()})
		return
	}
	response.Error(w, http.StatusServiceUnavailable, healthpb.HealthCheckResponse_NOT_SERVING.String(), "NOT_SERVING")
}
