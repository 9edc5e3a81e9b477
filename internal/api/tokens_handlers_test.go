package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"

	"bitriver-vod/internal/auth"
	"bitriver-vod/internal/models"
)

func TestIssueTokenForReadyAsset(t *testing.T) {
	env := newTestEnv(t)
	asset := env.readyAsset(t, "")

	rec := env.do(t, http.MethodPost, "/api/assets/"+asset.ID+"/tokens", testAdminKey, nil, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("expected no-store, got %q", cc)
	}
	var resp tokenResponse
	decodeBody(t, rec, &resp)
	if resp.AssetID != asset.ID || resp.Token == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !strings.HasPrefix(resp.ManifestURL, "/assets/"+asset.ID+"/manifest.mpd?token=") {
		t.Fatalf("unexpected manifest url %q", resp.ManifestURL)
	}
	if resp.ThumbnailURL == "" || resp.LicenseURL == "" || resp.HLSURL == "" {
		t.Fatalf("expected all playback urls, got %+v", resp)
	}
	manifest, err := url.Parse(resp.ManifestURL)
	if err != nil {
		t.Fatalf("parse manifest url: %v", err)
	}
	if manifest.Query().Get("token") != resp.Token {
		t.Fatal("manifest url does not carry the issued token")
	}

	claims, err := env.tokens.Validate(resp.Token, auth.ValidateParams{ExpectedAssetID: asset.ID})
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.Subject != AdminSubject {
		t.Fatalf("expected admin subject, got %q", claims.Subject)
	}
	if _, err := env.tokens.Validate(resp.Token, auth.ValidateParams{ExpectedAssetID: uuid.NewString()}); err == nil {
		t.Fatal("token must not validate for another asset")
	}
}

func TestIssueTokenRejectsUnavailableAssets(t *testing.T) {
	env := newTestEnv(t)
	pending := uuid.NewString()
	if _, err := env.registry.Create(context.Background(), models.Asset{ID: pending}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if rec := env.do(t, http.MethodPost, "/api/assets/"+pending+"/tokens", testAdminKey, nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("pending asset: expected 409, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/assets/"+uuid.NewString()+"/tokens", testAdminKey, nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown asset: expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/assets/"+pending+"/tokens", "", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", rec.Code)
	}
}

func TestIssueTokenFollowsCatalogVisibility(t *testing.T) {
	env := newTestEnv(t)
	ready := env.readyAsset(t, "alice")
	pending, err := env.registry.Create(context.Background(), models.Asset{ID: uuid.NewString(), OwnerID: "alice"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	aliceToken, _, err := env.sessions.Create(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	bobToken, _, err := env.sessions.Create(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	if rec := env.do(t, http.MethodPost, "/api/assets/"+ready.ID+"/tokens", bobToken, nil, ""); rec.Code != http.StatusCreated {
		t.Fatalf("ready asset: expected 201, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/assets/"+pending.ID+"/tokens", bobToken, nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("other subject, pending asset: expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/assets/"+pending.ID+"/tokens", aliceToken, nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("owner, pending asset: expected 409, got %d", rec.Code)
	}
}

func TestSessionLifecycleAuthorizesTokenIssuance(t *testing.T) {
	env := newTestEnv(t)
	asset := env.readyAsset(t, "")

	rec := env.doJSON(t, http.MethodPost, "/api/sessions", testAdminKey, map[string]string{"subjectId": "viewer-9"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var session sessionResponse
	decodeBody(t, rec, &session)
	if session.SubjectID != "viewer-9" || session.Token == "" {
		t.Fatalf("unexpected session %+v", session)
	}

	if rec := env.doJSON(t, http.MethodPost, "/api/sessions", session.Token, map[string]string{"subjectId": "other"}); rec.Code != http.StatusForbidden {
		t.Fatalf("session creating sessions: expected 403, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/assets/"+asset.ID+"/tokens", session.Token, nil, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("session token issuance: expected 201, got %d", rec.Code)
	}
	var token tokenResponse
	decodeBody(t, rec, &token)
	claims, err := env.tokens.Validate(token.Token, auth.ValidateParams{ExpectedAssetID: asset.ID})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "viewer-9" {
		t.Fatalf("expected subject viewer-9, got %q", claims.Subject)
	}

	if rec := env.doJSON(t, http.MethodPost, "/api/assets/"+asset.ID+"/tokens", session.Token, map[string]string{"subjectId": "someone-else"}); rec.Code != http.StatusForbidden {
		t.Fatalf("impersonation: expected 403, got %d", rec.Code)
	}

	if rec := env.do(t, http.MethodDelete, "/api/sessions", session.Token, nil, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/assets/"+asset.ID+"/tokens", session.Token, nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session: expected 401, got %d", rec.Code)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.doJSON(t, http.MethodPost, "/api/sessions", testAdminKey, map[string]string{"subjectId": " "}); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank subject: expected 400, got %d", rec.Code)
	}
	if rec := env.doJSON(t, http.MethodPost, "/api/sessions", testAdminKey, map[string]string{"unknown": "x"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", rec.Code)
	}
	if rec := env.doJSON(t, http.MethodPost, "/api/sessions", "", map[string]string{"subjectId": "x"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", rec.Code)
	}
}
