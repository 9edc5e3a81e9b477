package ingest_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"bitriver-vod/internal/ingest"
	"bitriver-vod/internal/keys"
	"bitriver-vod/internal/media"
	"bitriver-vod/internal/media/mediatest"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/workspace"
)

const harnessSecret = "0123456789abcdef0123456789abcdef-ingest"

type recordingPublisher struct {
	mu     sync.Mutex
	events []ingest.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event ingest.Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) statuses(assetID string) []models.AssetStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.AssetStatus
	for _, event := range p.events {
		if event.AssetID == assetID {
			out = append(out, event.Status)
		}
	}
	return out
}

// durableQueue wraps MemoryQueue but claims durability, standing in for Redis.
type durableQueue struct{ *ingest.MemoryQueue }

func (durableQueue) Durable() bool { return true }

type harness struct {
	t          *testing.T
	inbox      string
	staging    string
	assets     string
	runner     *mediatest.Runner
	deriver    *keys.Deriver
	registry   *storage.JSONRegistry
	workspaces *workspace.Manager
	queue      ingest.Queue
	events     *recordingPublisher
	recorder   *metrics.Recorder
	pipeline   *ingest.Pipeline
	config     ingest.PipelineConfig
	logger     *slog.Logger
}

func newHarness(t *testing.T, runner *mediatest.Runner, queue ingest.Queue) *harness {
	t.Helper()
	base := t.TempDir()
	h := &harness{
		t:        t,
		inbox:    filepath.Join(base, "inbox"),
		staging:  filepath.Join(base, "staging"),
		assets:   filepath.Join(base, "assets"),
		runner:   runner,
		queue:    queue,
		events:   &recordingPublisher{},
		recorder: metrics.New(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if h.runner.ProbeJSON == "" {
		h.runner.ProbeJSON = mediatest.ProbeJSON(120.0, 1280, 720, 2_500_000, true)
	}
	if h.queue == nil {
		h.queue = ingest.NewMemoryQueue(16)
	}
	require.NoError(t, os.MkdirAll(h.inbox, 0o755))

	var err error
	h.deriver, err = keys.NewDeriver([]byte(harnessSecret), keys.WithIterations(1000))
	require.NoError(t, err)
	h.registry, err = storage.NewJSONRegistry(filepath.Join(base, "registry.json"))
	require.NoError(t, err)
	h.workspaces, err = workspace.NewManager(h.staging, h.assets, h.logger)
	require.NoError(t, err)
	transcoder, err := media.NewTranscoder(media.TranscoderConfig{Runner: runner, Keys: h.deriver, Logger: h.logger})
	require.NoError(t, err)

	h.config = ingest.PipelineConfig{
		Registry:   h.registry,
		Workspaces: h.workspaces,
		Analyzer:   media.NewAnalyzer(runner, ""),
		Transcoder: transcoder,
		Queue:      h.queue,
		Events:     h.events,
		Metrics:    h.recorder,
		Logger:     h.logger,
	}
	h.rebuild(nil)
	return h
}

// rebuild replaces the pipeline after mutate adjusts its config.
func (h *harness) rebuild(mutate func(*ingest.PipelineConfig)) {
	h.t.Helper()
	if mutate != nil {
		mutate(&h.config)
	}
	pipeline, err := ingest.NewPipeline(h.config)
	require.NoError(h.t, err)
	h.pipeline = pipeline
}

// writeSource drops a fake upload into the inbox and returns its path.
func (h *harness) writeSource(name string) string {
	h.t.Helper()
	path := filepath.Join(h.inbox, name)
	require.NoError(h.t, os.WriteFile(path, []byte("fake source media"), 0o644))
	return path
}

func (h *harness) accept(name string) models.Asset {
	h.t.Helper()
	asset, err := h.pipeline.Accept(context.Background(), ingest.AcceptRequest{SourcePath: h.writeSource(name), Title: "Clip " + name})
	require.NoError(h.t, err)
	return asset
}

func (h *harness) popJob() ingest.Job {
	h.t.Helper()
	job, err := h.queue.Pop(context.Background())
	require.NoError(h.t, err)
	return job
}

func (h *harness) asset(id string) models.Asset {
	h.t.Helper()
	asset, err := h.registry.FindByID(context.Background(), id)
	require.NoError(h.t, err)
	return asset
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
