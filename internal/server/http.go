// Package server builds the HTTP router and the gRPC health server.
package server

import (
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	exporthandler "realm-export/backend/internal/export/handler"
	"realm-export/backend/internal/server/middleware"
	"realm-export/backend/internal/upload"
)

// HTTPDeps holds the handlers mounted by NewRouter.
type HTTPDeps struct {
	// Tokens validates bearer tokens on /json routes.
	Tokens middleware.AccessValidator
	// Exports serves /json/export/realm.
	Exports *exporthandler.Handler
	// LocalUploads serves /user_avatars/*. Nil when exports are stored in object storage.
	LocalUploads http.Handler
	// Health serves /healthz. Nil mounts a handler that always reports ok.
	Health http.Handler
	// TrustedProxies are the peers whose X-Forwarded-For and X-Real-IP headers set the client IP.
	TrustedProxies []netip.Prefix
	Logger         *zap.Logger
}

// NewRouter returns the chi router for the public HTTP API.
func NewRouter(deps HTTPDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.ClientIP(deps.TrustedProxies))
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)

	healthHandler := deps.Health
	if healthHandler == nil {
		healthHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"result":"success","msg":"","status":"SERVING"}`))
		})
	}
	r.Method(http.MethodGet, "/healthz", healthHandler)

	if deps.LocalUploads != nil {
		r.Handle(upload.LocalRoutePrefix+"*", http.StripPrefix(strings.TrimSuffix(upload.LocalRoutePrefix, "/"), deps.LocalUploads))
	}

	r.Route("/json", func(r chi.Router) {
		r.Use(middleware.Authenticate(deps.Tokens, logger))
		if deps.Exports != nil {
			deps.Exports.Routes(r)
		}
	})
	return r
}

// NewHTTPServer wraps handler in an *http.Server with the API's timeouts. Writes are not bounded so
// large export downloads can stream.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
