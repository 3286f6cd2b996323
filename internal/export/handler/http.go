// Package handler exposes the realm export workflow over HTTP under /json/export/realm.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"realm-export/backend/internal/export/domain"
	"realm-export/backend/internal/platform/rbac"
	"realm-export/backend/internal/policy/engine"
	"realm-export/backend/internal/server/response"
	"realm-export/backend/internal/upload"
)

// maxBodyBytes bounds request bodies of POST /json/export/realm.
const maxBodyBytes = 1 << 16

// ExportService is the part of *service.Service the handler uses.
type ExportService interface {
	Request(ctx context.Context, exportType string) (*domain.Result, error)
	List(ctx context.Context) ([]domain.Export, error)
	Latest(ctx context.Context) (*domain.Export, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *domain.Export, error)
}

// Handler serves the export endpoints. Requests must already carry an authenticated identity.
type Handler struct {
	svc    ExportService
	logger *zap.Logger
}

// New returns a Handler backed by svc.
func New(svc ExportService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the export endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/export/realm", h.requestExport)
	r.Get("/export/realm", h.listExports)
	r.Get("/export/realm/latest", h.latestExport)
	r.Get("/export/realm/{id}/download", h.downloadExport)
}

type exportRequest struct {
	ExportType string `json:"export_type"`
}

func (h *Handler) requestExport(w http.ResponseWriter, r *http.Request) {
	exportType, err := parseExportType(w, r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, err.Error(), response.CodeBadRequest)
		return
	}
	res, err := h.svc.Request(r.Context(), exportType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Success(w, map[string]any{"id": res.AuditLogID, "uri": res.URI})
}

func (h *Handler) listExports(w http.ResponseWriter, r *http.Request) {
	exports, err := h.svc.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Success(w, map[string]any{"exports": exports})
}

func (h *Handler) latestExport(w http.ResponseWriter, r *http.Request) {
	export, err := h.svc.Latest(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Success(w, map[string]any{"export": export})
}

func (h *Handler) downloadExport(w http.ResponseWriter, r *http.Request) {
	rc, export, err := h.svc.Download(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", upload.TarballContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(export.ExportURL)}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("export download interrupted", zap.String("export_id", export.ID), zap.Error(err))
	}
}

// parseExportType reads export_type from a JSON body or form values. Empty means public.
func parseExportType(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var exportType string
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var req exportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return "", errors.New("Malformed JSON")
		}
		exportType = req.ExportType
	} else {
		if err := r.ParseForm(); err != nil {
			return "", errors.New("Malformed form data")
		}
		exportType = r.FormValue("export_type")
	}
	switch exportType {
	case "", engine.ExportTypePublic, engine.ExportTypeFull:
		return exportType, nil
	default:
		return "", errors.New("Invalid export_type: " + strconv.Quote(exportType))
	}
}

// writeError maps service errors to the JSON error envelope.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rbac.ErrUnauthenticated):
		response.Error(w, http.StatusUnauthorized, "Not logged in: API authentication or user session required", response.CodeUnauthorized)
	case errors.Is(err, rbac.ErrPermissionDenied):
		response.Error(w, http.StatusBadRequest, rbac.ErrPermissionDenied.Error(), response.CodeBadRequest)
	case errors.Is(err, domain.ErrRateLimited):
		response.Error(w, http.StatusBadRequest, domain.ErrRateLimited.Error(), response.CodeRateLimited)
	case errors.Is(err, domain.ErrExportTypeNotAllowed):
		response.Error(w, http.StatusBadRequest, domain.ErrExportTypeNotAllowed.Error(), response.CodeBadRequest)
	case errors.Is(err, domain.ErrExportInProgress):
		response.Error(w, http.StatusConflict, domain.ErrExportInProgress.Error(), response.CodeConflict)
	case errors.Is(err, domain.ErrExportPending):
		response.Error(w, http.StatusConflict, domain.ErrExportPending.Error(), response.CodeConflict)
	case errors.Is(err, domain.ErrExportNotFound), errors.Is(err, domain.ErrOrgNotFound):
		response.Error(w, http.StatusNotFound, "Export not found", response.CodeNotFound)
	default:
		h.logger.Error("export request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg := "Internal server error"
		if errors.Is(err, domain.ErrExportFailed) {
			msg = "Export failed"
		}
		response.Error(w, http.StatusInternalServerError, msg, response.CodeInternalError)
	}
}
