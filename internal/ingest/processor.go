package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
)

const (
	defaultProcessorWorkers = 2
	defaultProcessorTimeout = 2 * time.Hour
	popRetryDelay           = time.Second
	requeueTimeout          = 5 * time.Second
)

// JobHandler processes one job.
type JobHandler interface {
	Process(ctx context.Context, job Job) error
}

// ProcessorConfig wires a Processor.
type ProcessorConfig struct {
	Handler JobHandler
	Queue   Queue
	// Workers bounds how many jobs run at once.
	Workers int
	// Timeout bounds a single job.
	Timeout time.Duration
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Processor pulls jobs from a Queue and runs them on an ants worker pool.
// A job whose asset is already running in this process is dropped.
type Processor struct {
	handler JobHandler
	queue   Queue
	timeout time.Duration
	metrics *metrics.Recorder
	logger  *slog.Logger
	pool    *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	loopDone chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

// NewProcessor validates cfg and allocates the worker pool.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Handler == nil {
		return nil, errors.New("ingest: job handler required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("ingest: queue required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultProcessorWorkers
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProcessorTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "processor")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(recovered any) {
		logger.Error("job panicked", "panic", fmt.Sprint(recovered))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		handler:  cfg.Handler,
		queue:    cfg.Queue,
		timeout:  timeout,
		metrics:  recorder,
		logger:   logger,
		pool:     pool,
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		inFlight: make(map[string]struct{}),
	}, nil
}

// Start begins consuming the queue. Calling it more than once is a no-op.
func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.consume()
}

// Run starts the processor and blocks until ctx ends, then shuts down,
// allowing running jobs up to grace to notice cancellation.
func (p *Processor) Run(ctx context.Context, grace time.Duration) error {
	p.Start()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return p.Shutdown(shutdownCtx)
}

// Shutdown stops consuming, cancels running jobs and waits for them to
// finish or ctx to end.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	done := make(chan struct{})
	go func() {
		if started {
			<-p.loopDone
		}
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.pool.Release()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight reports whether a job for assetID is currently running.
func (p *Processor) InFlight(assetID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[assetID]
	return ok
}

// Running reports how many pool workers are alive.
func (p *Processor) Running() int {
	return p.pool.Running()
}

func (p *Processor) consume() {
	defer close(p.loopDone)
	for {
		job, err := p.queue.Pop(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			p.logger.Error("queue pop failed", "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(popRetryDelay):
			}
			continue
		}
		p.reportDepth()
		p.dispatch(job)
	}
}

func (p *Processor) dispatch(job Job) {
	if !p.beginWork(job.AssetID) {
		p.logger.Warn("duplicate job ignored", "asset_id", job.AssetID)
		return
	}
	p.wg.Add(1)
	err := p.pool.Submit(func() {
		defer p.wg.Done()
		defer p.finishWork(job.AssetID)
		p.run(job)
	})
	if err != nil {
		p.wg.Done()
		p.finishWork(job.AssetID)
		p.logger.Error("job submit failed", "asset_id", job.AssetID, "error", err)
		p.requeue(job)
	}
}

func (p *Processor) run(job Job) {
	// A job picked up while shutting down goes back to the queue untouched.
	if p.ctx.Err() != nil {
		p.requeue(job)
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	started := time.Now()
	logger := p.logger.With("asset_id", job.AssetID)
	logger.Info("job started", "queued_for", started.Sub(job.EnqueuedAt).Round(time.Millisecond).String())
	if err := p.handler.Process(ctx, job); err != nil {
		logger.Error("job failed", "error", err, "elapsed", time.Since(started).Round(time.Millisecond).String())
		return
	}
	logger.Info("job finished", "elapsed", time.Since(started).Round(time.Millisecond).String())
}

func (p *Processor) requeue(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	if err := p.queue.Push(ctx, job); err != nil {
		p.logger.Error("job requeue failed", "asset_id", job.AssetID, "error", err)
	}
}

func (p *Processor) reportDepth() {
	ctx, cancel := context.WithTimeout(p.ctx, time.Second)
	defer cancel()
	depth, err := p.queue.Len(ctx)
	if err != nil {
		return
	}
	p.metrics.SetQueueDepth(int64(depth))
}

func (p *Processor) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}
