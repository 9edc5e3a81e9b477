package api

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"bitriver-vod/internal/ingest"
)

const maxTitleLength = 200

type createAssetRequest struct {
	SourcePath string `json:"sourcePath"`
	Title      string `json:"title"`
	AssetID    string `json:"assetId"`
}

type acceptedResponse struct {
	Status  string `json:"status"`
	AssetID string `json:"assetId"`
}

type uploadedMedia struct {
	tempPath     string
	size         int64
	originalName string
}

// CreateAsset starts ingestion from either a multipart upload (field "file")
// or a JSON reference to a file in the inbox. It answers 202 as soon as the
// job is queued.
func (h *Handler) CreateAsset(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	contentType := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type")))
	if strings.HasPrefix(contentType, "multipart/form-data") {
		h.createAssetFromMultipart(w, r, caller)
		return
	}
	h.createAssetFromJSON(w, r, caller)
}

func (h *Handler) createAssetFromJSON(w http.ResponseWriter, r *http.Request, caller Principal) {
	var req createAssetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	source, err := h.resolveInboxPath(req.SourcePath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.accept(w, r, caller, ingest.AcceptRequest{
		AssetID:    req.AssetID,
		SourcePath: source,
		SourceName: filepath.Base(source),
		Title:      req.Title,
	})
}

func (h *Handler) createAssetFromMultipart(w http.ResponseWriter, r *http.Request, caller Principal) {
	if h.uploadDir == "" {
		writeError(w, http.StatusBadRequest, "uploads are disabled")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart payload")
		return
	}
	var req ingest.AcceptRequest
	var media *uploadedMedia
	defer func() {
		// Accept moves the file away on success; anything left is ours.
		if media != nil {
			_ = os.Remove(media.tempPath)
		}
	}()
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
				return
			}
			writeError(w, http.StatusBadRequest, "read multipart data")
			return
		}
		switch name := part.FormName(); name {
		case "file":
			if media != nil {
				_ = part.Close()
				continue
			}
			saved, saveErr := h.saveMultipartFile(part)
			if saveErr != nil {
				var maxErr *http.MaxBytesError
				if errors.As(saveErr, &maxErr) {
					writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
					return
				}
				h.writeServiceError(w, r, saveErr)
				return
			}
			media = saved
		case "title", "assetId":
			payload, readErr := io.ReadAll(io.LimitReader(part, 4<<10))
			_ = part.Close()
			if readErr != nil {
				writeError(w, http.StatusBadRequest, "read form field")
				return
			}
			value := strings.TrimSpace(string(payload))
			if name == "title" {
				req.Title = value
			} else {
				req.AssetID = value
			}
		default:
			_ = part.Close()
		}
	}
	if media == nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	if media.size == 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}
	req.SourcePath = media.tempPath
	req.SourceName = media.originalName
	if req.Title == "" {
		req.Title = strings.TrimSuffix(media.originalName, filepath.Ext(media.originalName))
	}
	h.accept(w, r, caller, req)
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request, caller Principal, req ingest.AcceptRequest) {
	req.Title = normalizeText(req.Title)
	req.SourceName = normalizeText(req.SourceName)
	if len([]rune(req.Title)) > maxTitleLength {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("title must be at most %d characters", maxTitleLength))
		return
	}
	if !caller.Admin {
		req.OwnerID = caller.SubjectID
	}
	asset, err := h.ingest.Accept(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("ingestion accepted", "asset_id", asset.ID, "subject_id", caller.SubjectID)
	w.Header().Set("Location", "/api/assets/"+asset.ID)
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "processing", AssetID: asset.ID})
}

func (h *Handler) saveMultipartFile(part *multipart.Part) (*uploadedMedia, error) {
	defer part.Close()
	tmp, err := os.CreateTemp(h.uploadDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()
	written, err := io.Copy(tmp, part)
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("save upload: %w", err)
	}
	name := filepath.Base(strings.ReplaceAll(part.FileName(), "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}
	return &uploadedMedia{tempPath: tmp.Name(), size: written, originalName: name}, nil
}

// resolveInboxPath maps a client supplied path onto a regular file inside
// the inbox. Relative paths are taken from the inbox root; symlinks that
// leave the inbox are rejected.
func (h *Handler) resolveInboxPath(raw string) (string, error) {
	if h.inboxDir == "" {
		return "", errors.New("inbox ingestion is disabled")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("sourcePath is required")
	}
	candidate := raw
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(h.inboxDir, candidate)
	}
	candidate = filepath.Clean(candidate)
	if !within(h.inboxDir, candidate) {
		return "", errors.New("sourcePath must be inside the inbox")
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", errors.New("source file not found")
		}
		return "", errors.New("source file unreadable")
	}
	if !within(h.inboxDir, resolved) {
		return "", errors.New("sourcePath must be inside the inbox")
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", errors.New("sourcePath is not a regular file")
	}
	return resolved, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// normalizeText returns s in NFC with surrounding space removed, so titles
// and filenames compare equal however the client composed them.
func normalizeText(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}
