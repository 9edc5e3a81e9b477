package ingest_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bitriver-vod/internal/auth"
	"bitriver-vod/internal/delivery"
	"bitriver-vod/internal/ingest"
	"bitriver-vod/internal/media/mediatest"
	"bitriver-vod/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestUploadToPlaybackEndToEnd(t *testing.T) {
	h := newHarness(t, &mediatest.Runner{}, nil)
	processor, err := ingest.NewProcessor(ingest.ProcessorConfig{
		Handler: h.pipeline,
		Queue:   h.queue,
		Workers: 1,
		Timeout: 10 * time.Second,
		Metrics: h.recorder,
		Logger:  h.logger,
	})
	require.NoError(t, err)
	processor.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = processor.Shutdown(ctx)
	})

	asset := h.accept("keynote.mp4")
	require.Eventually(t, func() bool {
		current, err := h.registry.FindByID(context.Background(), asset.ID)
		return err == nil && current.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, models.AssetStatusReady, h.asset(asset.ID).Status)

	clock := &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret: []byte(harnessSecret),
		TTL:    time.Hour,
		Logger: h.logger,
		Now:    clock.Now,
	})
	require.NoError(t, err)
	srv, err := delivery.New(delivery.Config{
		Tokens:     tokens,
		Keys:       h.deriver,
		Assets:     h.registry,
		AssetsRoot: h.assets,
		Metrics:    h.recorder,
		Logger:     h.logger,
	})
	require.NoError(t, err)
	handler := srv.Handler()

	token, _, err := tokens.Issue(auth.IssueParams{AssetID: asset.ID, SubjectID: "viewer-42"})
	require.NoError(t, err)

	get := func(path string, header map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/assets/"+asset.ID+"/"+path+"?token="+token, nil)
		for k, v := range header {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	manifest := get("manifest.mpd", nil)
	require.Equal(t, http.StatusOK, manifest.Code)
	require.Contains(t, manifest.Body.String(), "<MPD")

	init := get("video/init.mp4", nil)
	require.Equal(t, http.StatusOK, init.Code)
	require.Equal(t, "video/mp4", init.Header().Get("Content-Type"))

	segment := get("video/segment-0000.m4s", map[string]string{"Range": "bytes=0-1023"})
	require.Equal(t, http.StatusPartialContent, segment.Code)
	require.Equal(t, "bytes 0-1023/5000", segment.Header().Get("Content-Range"))
	require.Equal(t, 1024, segment.Body.Len())

	clock.Advance(time.Hour + time.Second)
	for _, path := range []string{"manifest.mpd", "video/init.mp4", "video/segment-0000.m4s"} {
		require.Equal(t, http.StatusUnauthorized, get(path, nil).Code, path)
	}
}
