package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"bitriver-vod/internal/media"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/workspace"
)

// Stage names used for metrics and failure messages.
const (
	StageAccept    = "accept"
	StageAnalyze   = "analyze"
	StageTranscode = "transcode"
	StageCommit    = "commit"
	StageRecover   = "recover"
)

// InterruptedMessage is recorded on assets whose processing stopped with the
// process.
const InterruptedMessage = "interrupted"

var (
	// ErrInvalidRequest rejects Accept calls with unusable input.
	ErrInvalidRequest = errors.New("ingest: invalid request")
	// ErrConflict is returned when an asset id is already taken or in flight.
	ErrConflict = errors.New("ingest: asset already exists")
)

// Analyzer extracts metadata from a source file.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (models.Metadata, error)
}

// Transcoder packages a source into an encrypted asset.
type Transcoder interface {
	Transcode(ctx context.Context, req media.Request) (media.Result, error)
}

// PipelineConfig wires a Pipeline to its collaborators.
type PipelineConfig struct {
	Registry   storage.Registry
	Workspaces *workspace.Manager
	Analyzer   Analyzer
	Transcoder Transcoder
	Queue      Queue
	Events     Publisher
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
	// UseGPU selects the hardware encoder for new jobs.
	UseGPU bool
	Clock  func() time.Time
}

// Pipeline runs the ingestion workflow for one asset at a time per call.
type Pipeline struct {
	registry   storage.Registry
	workspaces *workspace.Manager
	analyzer   Analyzer
	transcoder Transcoder
	queue      Queue
	events     Publisher
	metrics    *metrics.Recorder
	logger     *slog.Logger
	useGPU     bool
	now        func() time.Time
}

// NewPipeline validates cfg and returns a Pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("ingest: registry required")
	case cfg.Workspaces == nil:
		return nil, errors.New("ingest: workspace manager required")
	case cfg.Analyzer == nil:
		return nil, errors.New("ingest: analyzer required")
	case cfg.Transcoder == nil:
		return nil, errors.New("ingest: transcoder required")
	case cfg.Queue == nil:
		return nil, errors.New("ingest: queue required")
	}
	p := &Pipeline{
		registry:   cfg.Registry,
		workspaces: cfg.Workspaces,
		analyzer:   cfg.Analyzer,
		transcoder: cfg.Transcoder,
		queue:      cfg.Queue,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		useGPU:     cfg.UseGPU,
		now:        cfg.Clock,
	}
	if p.events == nil {
		p.events = NoopPublisher{}
	}
	if p.metrics == nil {
		p.metrics = metrics.Default()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = logging.WithComponent(p.logger, "ingest")
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	return p, nil
}

// AcceptRequest describes a source file handed over for ingestion.
type AcceptRequest struct {
	// AssetID lets the caller pick the id. It must be a UUID; a new one is
	// generated when empty.
	AssetID string
	// SourcePath is moved, not copied, into the asset workspace.
	SourcePath string
	SourceName string
	Title      string
	OwnerID    string
}

// Accept stages the source, records the asset and queues it for processing.
// It returns as soon as the job is queued; the asset is still ingesting.
func (p *Pipeline) Accept(ctx context.Context, req AcceptRequest) (models.Asset, error) {
	id := strings.TrimSpace(req.AssetID)
	if id == "" {
		id = uuid.NewString()
	} else if parsed, err := uuid.Parse(id); err != nil {
		return models.Asset{}, fmt.Errorf("%w: asset id must be a uuid", ErrInvalidRequest)
	} else {
		id = parsed.String()
	}
	if strings.TrimSpace(req.SourcePath) == "" {
		return models.Asset{}, fmt.Errorf("%w: source path required", ErrInvalidRequest)
	}
	logger := p.logger.With("asset_id", id)
	p.metrics.ObserveIngestAttempt(StageAccept)

	if _, err := p.registry.FindByID(ctx, id); err == nil {
		p.metrics.ObserveIngestFailure(StageAccept)
		return models.Asset{}, fmt.Errorf("%w: %s", ErrConflict, id)
	} else if !errors.Is(err, storage.ErrNotFound) {
		p.metrics.ObserveIngestFailure(StageAccept)
		return models.Asset{}, fmt.Errorf("check asset: %w", err)
	}

	ws, err := p.workspaces.Create(id, workspace.Options{Temporary: true, CleanupOnError: true})
	if err != nil {
		p.metrics.ObserveIngestFailure(StageAccept)
		if errors.Is(err, workspace.ErrExists) {
			return models.Asset{}, fmt.Errorf("%w: %s", ErrConflict, id)
		}
		return models.Asset{}, fmt.Errorf("create workspace: %w", err)
	}
	if _, err := ws.MoveIn(req.SourcePath); err != nil {
		p.metrics.ObserveIngestFailure(StageAccept)
		return models.Asset{}, ws.Fail(fmt.Errorf("stage source: %w", err))
	}

	sourceName := strings.TrimSpace(req.SourceName)
	if sourceName == "" {
		sourceName = filepath.Base(req.SourcePath)
	}
	asset, err := p.registry.Create(ctx, models.Asset{
		ID:         id,
		OwnerID:    strings.TrimSpace(req.OwnerID),
		Title:      req.Title,
		SourceName: sourceName,
		Status:     models.AssetStatusIngesting,
	})
	if err != nil {
		p.metrics.ObserveIngestFailure(StageAccept)
		if errors.Is(err, storage.ErrExists) {
			err = fmt.Errorf("%w: %s", ErrConflict, id)
		}
		return models.Asset{}, ws.Fail(fmt.Errorf("record asset: %w", err))
	}
	p.publish(ctx, asset)

	job := Job{AssetID: id, UseGPU: p.useGPU, EnqueuedAt: p.now()}
	if err := p.queue.Push(ctx, job); err != nil {
		p.metrics.ObserveIngestFailure(StageAccept)
		p.markFailed(ctx, id, "queue unavailable")
		return models.Asset{}, ws.Fail(fmt.Errorf("queue job: %w", err))
	}
	logger.Info("asset accepted", "source_name", sourceName)
	return asset, nil
}

// Process runs analysis, transcoding and commit for job. Failures mark the
// asset failed and discard its workspace before the error is returned.
func (p *Pipeline) Process(ctx context.Context, job Job) error {
	id := job.AssetID
	ctx = logging.ContextWithAssetID(ctx, id)
	logger := p.logger.With("asset_id", id)

	asset, err := p.registry.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn("job references unknown asset; discarding workspace")
			if discardErr := p.workspaces.Discard(id); discardErr != nil {
				logger.Error("workspace discard failed", "error", discardErr)
			}
		}
		return fmt.Errorf("load asset: %w", err)
	}
	if asset.Status.Terminal() {
		logger.Info("asset already finished; skipping job", "status", asset.Status)
		return nil
	}
	if asset.Status != models.AssetStatusIngesting {
		logger.Info("asset already being processed; skipping job", "status", asset.Status)
		return nil
	}

	ws, err := p.workspaces.Open(id, workspace.Options{Temporary: true, CleanupOnError: true})
	if err != nil {
		return p.abort(ctx, nil, id, StageAccept, err)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Error("workspace close failed", "error", err)
		}
	}()

	p.metrics.ObserveIngestAttempt(StageAnalyze)
	if err := p.transition(ctx, id, models.AssetStatusAnalyzing); err != nil {
		return p.abort(ctx, ws, id, StageAnalyze, err)
	}
	source, err := ws.SourceFile()
	if err != nil {
		return p.abort(ctx, ws, id, StageAnalyze, err)
	}
	meta, err := p.analyzer.Analyze(ctx, source)
	if err != nil {
		return p.abort(ctx, ws, id, StageAnalyze, err)
	}
	if _, err := p.registry.UpdateAsset(ctx, id, storage.AssetUpdate{Metadata: &meta}); err != nil {
		return p.abort(ctx, ws, id, StageAnalyze, err)
	}
	logger.Info("source analyzed", "duration_seconds", meta.DurationSeconds, "resolution", meta.Resolution, "quality", meta.Quality)

	p.metrics.ObserveIngestAttempt(StageTranscode)
	if err := p.transition(ctx, id, models.AssetStatusTranscoding); err != nil {
		return p.abort(ctx, ws, id, StageTranscode, err)
	}
	kind := media.SelectEncoder(meta.Quality, job.UseGPU).Kind()
	p.metrics.TranscoderJobStarted(kind)
	result, err := p.transcoder.Transcode(ctx, media.Request{
		AssetID:      id,
		SourcePath:   source,
		OutputDir:    ws.OutputDir(),
		ScratchDir:   filepath.Join(ws.Root(), "scratch"),
		Quality:      meta.Quality,
		UseGPU:       job.UseGPU,
		HasAudio:     meta.AudioCodec != "",
		DurationHint: meta.DurationSeconds,
	})
	if err != nil {
		p.metrics.TranscoderJobFailed(kind)
		return p.abort(ctx, ws, id, StageTranscode, err)
	}
	p.metrics.TranscoderJobCompleted(kind)

	p.metrics.ObserveIngestAttempt(StageCommit)
	if _, err := ws.Commit(result.RequiredFiles()...); err != nil {
		return p.abort(ctx, ws, id, StageCommit, err)
	}
	update := storage.AssetUpdate{
		ManifestPath:  &result.ManifestPath,
		HLSPath:       &result.HLSPath,
		ThumbnailPath: &result.ThumbnailPath,
	}
	if _, err := p.registry.UpdateAsset(ctx, id, update); err != nil {
		p.removeCommitted(id)
		return p.abort(ctx, ws, id, StageCommit, err)
	}
	if err := p.transition(ctx, id, models.AssetStatusReady); err != nil {
		p.removeCommitted(id)
		return p.abort(ctx, ws, id, StageCommit, err)
	}
	logger.Info("asset ready", "encoder", result.Encoder, "duration_seconds", result.Duration, "thumbnail", result.ThumbnailPath != "")
	return nil
}

// RecoverInterrupted fails assets a previous process left mid-pipeline.
// Assets still ingesting are kept when the queue is durable, since their job
// is still queued.
func (p *Pipeline) RecoverInterrupted(ctx context.Context) (int, error) {
	statuses := []models.AssetStatus{models.AssetStatusAnalyzing, models.AssetStatusTranscoding}
	if !p.queue.Durable() {
		statuses = append(statuses, models.AssetStatusIngesting)
	}
	recovered := 0
	var errs []error
	for _, status := range statuses {
		assets, err := p.registry.ListAssets(ctx, storage.ListFilter{Status: status})
		if err != nil {
			return recovered, fmt.Errorf("list %s assets: %w", status, err)
		}
		for _, asset := range assets {
			if err := ctx.Err(); err != nil {
				return recovered, err
			}
			updated, err := p.registry.UpdateStatus(ctx, asset.ID, models.AssetStatusFailed, InterruptedMessage)
			if err != nil {
				errs = append(errs, fmt.Errorf("fail %s: %w", asset.ID, err))
				continue
			}
			p.metrics.ObserveIngestFailure(StageRecover)
			p.publish(ctx, updated)
			if err := p.workspaces.Discard(asset.ID); err != nil {
				p.logger.Error("workspace discard failed", "asset_id", asset.ID, "error", err)
			}
			recovered++
			p.logger.Warn("marked interrupted asset failed", "asset_id", asset.ID, "previous_status", status)
		}
	}
	return recovered, errors.Join(errs...)
}

func (p *Pipeline) transition(ctx context.Context, id string, status models.AssetStatus) error {
	asset, err := p.registry.UpdateStatus(ctx, id, status, "")
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	p.publish(ctx, asset)
	return nil
}

// abort records a failed stage. Bookkeeping runs on a context detached from
// cancellation so shutdowns still leave the asset failed.
func (p *Pipeline) abort(ctx context.Context, ws *workspace.Workspace, id, stage string, cause error) error {
	p.metrics.ObserveIngestFailure(stage)
	if ws != nil {
		cause = ws.Fail(cause)
	} else if err := p.workspaces.Discard(id); err != nil {
		p.logger.Error("workspace discard failed", "asset_id", id, "error", err)
	}
	message := failureMessage(ctx, stage, cause)
	p.logger.Error("ingestion failed", "asset_id", id, "stage", stage, "reason", message, "error", cause)
	p.markFailed(context.WithoutCancel(ctx), id, message)
	return fmt.Errorf("%s: %w", stage, cause)
}

func (p *Pipeline) markFailed(ctx context.Context, id, message string) {
	asset, err := p.registry.UpdateStatus(ctx, id, models.AssetStatusFailed, message)
	if err != nil {
		p.logger.Error("failed to mark asset failed", "asset_id", id, "error", err)
		return
	}
	p.publish(ctx, asset)
}

func (p *Pipeline) removeCommitted(id string) {
	dir, err := p.workspaces.AssetDir(id)
	if err != nil {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		p.logger.Error("failed to remove committed asset", "asset_id", id, "path", dir, "error", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, asset models.Asset) {
	p.metrics.ObserveAssetStatus(string(asset.Status))
	event := Event{AssetID: asset.ID, Status: asset.Status, Error: asset.Error, OccurredAt: asset.UpdatedAt}
	if err := p.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Warn("lifecycle event publish failed", "asset_id", asset.ID, "status", asset.Status, "error", err)
	}
}

// failureMessage is the client-visible reason stored on a failed asset.
func failureMessage(ctx context.Context, stage string, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return stage + " timed out"
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return InterruptedMessage
	case errors.Is(err, media.ErrUnreadable), errors.Is(err, workspace.ErrSourceMissing):
		return "source unreadable"
	case errors.Is(err, media.ErrInvalidMedia):
		return "invalid media"
	case errors.Is(err, media.ErrEncodeFailed):
		return "transcode failed"
	case errors.Is(err, media.ErrOutputIncomplete), errors.Is(err, workspace.ErrIncomplete):
		return "packaged output incomplete"
	default:
		return stage + " failed"
	}
}
