// Package delivery serves packaged assets to playback clients. Every request
// carries a short-lived playback token scoped to one asset; segment bodies
// honour single byte ranges.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"

	"bitriver-vod/internal/auth"
	"bitriver-vod/internal/media"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/serverutil"
	"bitriver-vod/internal/storage"
)

// Response kinds reported to metrics.
const (
	kindManifest  = "manifest"
	kindPlaylist  = "playlist"
	kindSegment   = "segment"
	kindLicense   = "license"
	kindThumbnail = "thumbnail"
)

const (
	segmentCacheControl = "public, max-age=31536000, immutable"
	noStore             = "no-store"
)

// TokenValidator checks playback tokens.
type TokenValidator interface {
	Validate(raw string, params auth.ValidateParams) (*auth.Claims, error)
}

// AssetLookup reports asset state. FindByID returns storage.ErrNotFound for
// unknown ids.
type AssetLookup interface {
	FindByID(ctx context.Context, id string) (models.Asset, error)
}

// Config wires the delivery handlers.
type Config struct {
	Tokens TokenValidator
	Keys   media.KeySource
	// Assets gates delivery on the asset being ready. When nil, presence of
	// the committed asset directory is enough.
	Assets     AssetLookup
	AssetsRoot string
	// TrustProxy honours X-Forwarded-For when binding tokens to client IPs.
	TrustProxy bool
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
}

// Server holds the playback handlers. It keeps no per-request state.
type Server struct {
	tokens     TokenValidator
	keys       media.KeySource
	assets     AssetLookup
	root       string
	trustProxy bool
	metrics    *metrics.Recorder
	logger     *slog.Logger
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("delivery: token validator required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("delivery: key source required")
	}
	if strings.TrimSpace(cfg.AssetsRoot) == "" {
		return nil, fmt.Errorf("delivery: assets root required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Server{
		tokens:     cfg.Tokens,
		keys:       cfg.Keys,
		assets:     cfg.Assets,
		root:       filepath.Clean(cfg.AssetsRoot),
		trustProxy: cfg.TrustProxy,
		metrics:    recorder,
		logger:     logging.WithComponent(logger, "delivery"),
	}, nil
}

// Register mounts the playback routes on router.
func (s *Server) Register(router *mux.Router) {
	assets := router.PathPrefix("/assets/{assetId}").Subrouter()
	assets.Handle("/"+media.ManifestFile, s.observe(kindManifest, s.handleDASHManifest)).Methods(http.MethodGet, http.MethodHead)
	assets.Handle("/"+media.HLSMasterFile, s.observe(kindManifest, s.handleHLSMaster)).Methods(http.MethodGet, http.MethodHead)
	assets.Handle("/license", s.observe(kindLicense, s.handleLicense)).Methods(http.MethodGet, http.MethodPost)
	assets.Handle("/thumbnail", s.observe(kindThumbnail, s.handleThumbnail)).Methods(http.MethodGet, http.MethodHead)
	assets.Handle("/{track}/"+media.MediaPlaylist, s.observe(kindPlaylist, s.handleMediaPlaylist)).Methods(http.MethodGet, http.MethodHead)
	assets.Handle("/{track}/{filename}", s.observe(kindSegment, s.handleSegment)).Methods(http.MethodGet, http.MethodHead)
}

// Handler returns a router serving only the playback routes.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	s.Register(router)
	return router
}

func (s *Server) observe(kind string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := metrics.NewResponseRecorder(w)
		next(rr, r)
		s.metrics.ObserveDelivery(kind, rr.Status(), rr.BytesWritten())
	})
}

// playback is the authorized context of one delivery request.
type playback struct {
	assetID string
	token   string
	claims  *auth.Claims
	asset   *models.Asset
	dir     string
	logger  *slog.Logger
}

// authorize runs the token check and, when an asset lookup is configured,
// the readiness check. It writes the error response itself and returns
// false when the request must stop. checkFile runs between the two, so a
// bad filename is reported before asset state leaks.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, checkFile func() bool) (*playback, bool) {
	assetID := mux.Vars(r)["assetId"]
	ctx := logging.ContextWithAssetID(r.Context(), assetID)
	logger := logging.WithContext(ctx, s.logger)

	raw := auth.ExtractToken(r)
	if raw == "" {
		s.metrics.ObserveTokenCheck("missing")
		serverutil.WriteError(w, http.StatusUnauthorized, auth.ErrUnauthorized.Error())
		return nil, false
	}
	claims, err := s.tokens.Validate(raw, auth.ValidateParams{
		ExpectedAssetID: assetID,
		ClientIP:        serverutil.ClientIP(r, s.trustProxy),
		ClientUserAgent: r.UserAgent(),
	})
	if err != nil {
		s.metrics.ObserveTokenCheck("rejected")
		serverutil.WriteError(w, http.StatusUnauthorized, auth.ErrUnauthorized.Error())
		return nil, false
	}
	s.metrics.ObserveTokenCheck("ok")

	if checkFile != nil && !checkFile() {
		serverutil.WriteError(w, http.StatusBadRequest, "invalid media path")
		return nil, false
	}
	if !models.ValidAssetID(assetID) {
		serverutil.WriteError(w, http.StatusNotFound, "asset not found")
		return nil, false
	}

	pb := &playback{
		assetID: assetID,
		token:   raw,
		claims:  claims,
		dir:     filepath.Join(s.root, assetID),
		logger:  logger,
	}
	if s.assets != nil {
		asset, err := s.assets.FindByID(ctx, assetID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				serverutil.WriteError(w, http.StatusNotFound, "asset not found")
				return nil, false
			}
			logger.Error("asset lookup failed", "error", err)
			serverutil.WriteError(w, http.StatusInternalServerError, "internal error")
			return nil, false
		}
		if !asset.Ready() {
			serverutil.WriteError(w, http.StatusNotFound, "asset not found")
			return nil, false
		}
		pb.asset = &asset
	}
	return pb, true
}

func setNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", noStore)
	w.Header().Set("Pragma", "no-cache")
}
