package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"bitriver-vod/internal/auth"
	"bitriver-vod/internal/ingest"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/workspace"
)

// DefaultMaxUploadBytes caps multipart uploads when no limit is configured.
const DefaultMaxUploadBytes int64 = 8 << 30

// Ingester starts ingestion for a staged source file.
type Ingester interface {
	Accept(ctx context.Context, req ingest.AcceptRequest) (models.Asset, error)
}

// AssetReader is the read side of the asset registry.
type AssetReader interface {
	FindByID(ctx context.Context, id string) (models.Asset, error)
	ListAssets(ctx context.Context, filter storage.ListFilter) ([]models.Asset, error)
}

// HealthCheck probes one dependency for /readyz.
type HealthCheck struct {
	Component string
	Ping      func(ctx context.Context) error
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Ingest   Ingester
	Assets   AssetReader
	Tokens   *auth.TokenService
	Sessions *auth.SessionManager
	// AdminKey authorizes operator calls as a bearer credential. Empty
	// disables admin access.
	AdminKey string
	// InboxDir is the only directory JSON ingestion requests may reference.
	InboxDir string
	// UploadDir spools multipart uploads. It must share a filesystem with
	// the staging root so sources can be renamed into workspaces.
	UploadDir      string
	MaxUploadBytes int64
	TrustProxy     bool
	Checks         []HealthCheck
	Logger         *slog.Logger
}

// Handler serves the asset API.
type Handler struct {
	ingest         Ingester
	assets         AssetReader
	tokens         *auth.TokenService
	sessions       *auth.SessionManager
	adminKey       string
	inboxDir       string
	uploadDir      string
	maxUploadBytes int64
	trustProxy     bool
	checks         []HealthCheck
	logger         *slog.Logger
}

// NewHandler validates cfg and prepares the upload directory.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	switch {
	case cfg.Ingest == nil:
		return nil, errors.New("api: ingester required")
	case cfg.Assets == nil:
		return nil, errors.New("api: asset reader required")
	case cfg.Tokens == nil:
		return nil, errors.New("api: token service required")
	}
	h := &Handler{
		ingest:         cfg.Ingest,
		assets:         cfg.Assets,
		tokens:         cfg.Tokens,
		sessions:       cfg.Sessions,
		adminKey:       strings.TrimSpace(cfg.AdminKey),
		maxUploadBytes: cfg.MaxUploadBytes,
		trustProxy:     cfg.TrustProxy,
		checks:         cfg.Checks,
		logger:         cfg.Logger,
	}
	if h.sessions == nil {
		h.sessions = auth.NewSessionManager(24 * time.Hour)
	}
	if h.maxUploadBytes <= 0 {
		h.maxUploadBytes = DefaultMaxUploadBytes
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = logging.WithComponent(h.logger, "api")

	if dir := strings.TrimSpace(cfg.InboxDir); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("api: inbox dir: %w", err)
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("api: inbox dir: %w", err)
		}
		h.inboxDir = resolved
	}
	if dir := strings.TrimSpace(cfg.UploadDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("api: upload dir: %w", err)
		}
		h.uploadDir = filepath.Clean(dir)
	}
	return h, nil
}

// Register mounts the API routes on router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/readyz", h.Readyz).Methods(http.MethodGet, http.MethodHead)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/assets", h.CreateAsset).Methods(http.MethodPost)
	api.HandleFunc("/assets", h.ListAssets).Methods(http.MethodGet)
	api.HandleFunc("/assets/{id}", h.GetAsset).Methods(http.MethodGet)
	api.HandleFunc("/assets/{id}/tokens", h.IssueToken).Methods(http.MethodPost)
	api.HandleFunc("/sessions", h.CreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", h.RevokeSession).Methods(http.MethodDelete)
}

// writeServiceError maps domain errors onto API statuses. Anything
// unrecognised is logged and reported as an internal error.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidRequest),
		errors.Is(err, workspace.ErrInvalidAssetID),
		errors.Is(err, workspace.ErrSourceMissing),
		errors.Is(err, workspace.ErrSourceNotFile),
		errors.Is(err, storage.ErrInvalidAsset):
		writeError(w, http.StatusBadRequest, clientMessage(err))
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "asset not found")
	case errors.Is(err, ingest.ErrConflict), errors.Is(err, storage.ErrExists):
		writeError(w, http.StatusConflict, "asset already exists")
	case errors.Is(err, ingest.ErrQueueFull), errors.Is(err, ingest.ErrQueueClosed):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "ingest queue unavailable")
	default:
		logging.WithContext(r.Context(), h.logger).Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

// clientMessage trims the package prefix off a validation error so clients
// see the reason without internal naming.
func clientMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 && i+2 < len(msg) {
		return msg[i+2:]
	}
	return msg
}

type assetResponse struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	SourceName   string           `json:"sourceName,omitempty"`
	Status       string           `json:"status"`
	Error        string           `json:"error,omitempty"`
	Metadata     *models.Metadata `json:"metadata,omitempty"`
	HasThumbnail bool             `json:"hasThumbnail"`
	CreatedAt    string           `json:"createdAt"`
	UpdatedAt    string           `json:"updatedAt"`
	ReadyAt      *string          `json:"readyAt,omitempty"`
}

func newAssetResponse(asset models.Asset) assetResponse {
	resp := assetResponse{
		ID:           asset.ID,
		Title:        asset.Title,
		SourceName:   asset.SourceName,
		Status:       string(asset.Status),
		Error:        asset.Error,
		Metadata:     asset.Metadata,
		HasThumbnail: asset.ThumbnailPath != "",
		CreatedAt:    asset.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    asset.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if asset.ReadyAt != nil {
		ready := asset.ReadyAt.UTC().Format(time.RFC3339Nano)
		resp.ReadyAt = &ready
	}
	return resp
}

// GetAsset reports the status of one asset. Assets that are not ready yet
// are only visible to their owner and the admin.
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	asset, err := h.assets.FindByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !caller.canSee(asset) {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}
	writeJSON(w, http.StatusOK, newAssetResponse(asset))
}

// ListAssets returns the ready catalog, newest first.
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	filter := storage.ListFilter{ReadyOnly: true, Limit: 100}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		var limit int
		if _, err := fmt.Sscan(raw, &limit); err != nil || limit <= 0 || limit > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		filter.Limit = limit
	}
	assets, err := h.assets.ListAssets(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	response := make([]assetResponse, 0, len(assets))
	for _, asset := range assets {
		response = append(response, newAssetResponse(asset))
	}
	writeJSON(w, http.StatusOK, response)
}
