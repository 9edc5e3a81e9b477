package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"bitriver-vod/internal/auth"
	"bitriver-vod/internal/media"
	"bitriver-vod/internal/serverutil"
)

type issueTokenRequest struct {
	// SubjectID lets an admin issue on behalf of a viewer.
	SubjectID string `json:"subjectId"`
}

type tokenResponse struct {
	AssetID      string `json:"assetId"`
	Token        string `json:"token"`
	ExpiresAt    string `json:"expiresAt"`
	ManifestURL  string `json:"manifestUrl"`
	HLSURL       string `json:"hlsUrl"`
	LicenseURL   string `json:"licenseUrl"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// IssueToken mints a playback token for a ready asset, bound to the caller's
// address and user agent.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req issueTokenRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeDecodeError(w, err)
			return
		}
	}
	subject := caller.SubjectID
	if s := strings.TrimSpace(req.SubjectID); s != "" {
		if !caller.Admin && s != caller.SubjectID {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		subject = s
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
	if !asset.Ready() {
		writeError(w, http.StatusConflict, "asset not ready")
		return
	}

	token, expiresAt, err := h.tokens.Issue(auth.IssueParams{
		AssetID:         asset.ID,
		SubjectID:       subject,
		ClientIP:        serverutil.ClientIP(r, h.trustProxy),
		ClientUserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	base := "/assets/" + url.PathEscape(asset.ID) + "/"
	query := "?" + auth.TokenQueryParam + "=" + url.QueryEscape(token)
	resp := tokenResponse{
		AssetID:     asset.ID,
		Token:       token,
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
		ManifestURL: base + media.ManifestFile + query,
		HLSURL:      base + media.HLSMasterFile + query,
		LicenseURL:  base + "license" + query,
	}
	if asset.ThumbnailPath != "" {
		resp.ThumbnailURL = base + "thumbnail" + query
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, resp)
}

type createSessionRequest struct {
	SubjectID string `json:"subjectId"`
}

type sessionResponse struct {
	SubjectID string `json:"subjectId"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// CreateSession issues an API session for a subject. Only the admin key may
// call it; the resulting bearer token authorizes token issuance.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	subject := strings.TrimSpace(req.SubjectID)
	if subject == "" {
		writeError(w, http.StatusBadRequest, "subjectId is required")
		return
	}
	token, expiresAt, err := h.sessions.Create(r.Context(), subject)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidSubjectID) {
			writeError(w, http.StatusBadRequest, "invalid subjectId")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, sessionResponse{
		SubjectID: subject,
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}

// RevokeSession ends the session presented as the bearer credential.
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	if caller.Admin {
		writeError(w, http.StatusBadRequest, "admin key is not a session")
		return
	}
	if err := h.sessions.Revoke(r.Context(), auth.BearerToken(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
