package delivery

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"bitriver-vod/internal/keys"
	"bitriver-vod/internal/media"
	"bitriver-vod/internal/serverutil"
	"bitriver-vod/internal/thumbcrypt"
)

// ClearKeyLicense is the W3C ClearKey license response.
type ClearKeyLicense struct {
	Keys []ClearKeyJWK `json:"keys"`
	Type string        `json:"type"`
}

// ClearKeyJWK carries one content key as an octet-sequence JWK.
type ClearKeyJWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	K   string `json:"k"`
}

type clearKeyRequest struct {
	Kids []string `json:"kids"`
	Type string   `json:"type"`
}

const maxLicenseRequestBytes = 4 << 10

func (s *Server) handleLicense(w http.ResponseWriter, r *http.Request) {
	pb, ok := s.authorize(w, r, nil)
	if !ok {
		return
	}
	key, err := s.keys.DeriveKey(pb.assetID)
	if err != nil {
		pb.logger.Error("derive content key failed", "error", err)
		serverutil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	keyID, err := s.keys.KeyID(pb.assetID)
	if err != nil {
		pb.logger.Error("derive key id failed", "error", err)
		serverutil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	kid := keys.EncodeBase64URL(keyID)

	setNoStore(w)
	if r.Method == http.MethodPost && r.Body != nil {
		payload, _ := io.ReadAll(io.LimitReader(r.Body, maxLicenseRequestBytes))
		var req clearKeyRequest
		if len(payload) > 0 && json.Unmarshal(payload, &req) == nil && len(req.Kids) > 0 && !containsKid(req.Kids, kid) {
			serverutil.WriteError(w, http.StatusNotFound, "unknown key id")
			return
		}
	}

	pb.logger.Info("license issued", "subject", pb.claims.Subject, "token_id", pb.claims.ID)
	serverutil.WriteJSON(w, http.StatusOK, ClearKeyLicense{
		Keys: []ClearKeyJWK{{Kty: "oct", Kid: kid, K: keys.EncodeBase64URL(key)}},
		Type: "temporary",
	})
}

func containsKid(kids []string, kid string) bool {
	for _, candidate := range kids {
		if candidate == kid {
			return true
		}
	}
	return false
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	pb, ok := s.authorize(w, r, nil)
	if !ok {
		return
	}
	rel := media.ThumbnailFile
	if pb.asset != nil {
		if pb.asset.ThumbnailPath == "" {
			serverutil.WriteError(w, http.StatusNotFound, "thumbnail not found")
			return
		}
		rel = filepath.FromSlash(pb.asset.ThumbnailPath)
	}
	sealed, err := os.ReadFile(filepath.Join(pb.dir, rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			serverutil.WriteError(w, http.StatusNotFound, "thumbnail not found")
			return
		}
		pb.logger.Error("read thumbnail failed", "error", err)
		serverutil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	key, err := s.keys.DeriveKey(pb.assetID)
	if err != nil {
		pb.logger.Error("derive content key failed", "error", err)
		serverutil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	image, err := thumbcrypt.Decrypt(sealed, key)
	if err != nil {
		pb.logger.Error("decrypt thumbnail failed", "error", err)
		serverutil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Cache-Control", "private, no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(image)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(image)
}
