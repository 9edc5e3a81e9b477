package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"bitriver-vod/internal/models"
)

var (
	// ErrQueueClosed is returned by Push and Pop after Close.
	ErrQueueClosed = errors.New("ingest: queue closed")
	// ErrQueueFull is returned when a bounded queue cannot take another job.
	ErrQueueFull = errors.New("ingest: queue full")
)

// Job asks a worker to process one accepted asset.
type Job struct {
	AssetID    string    `json:"assetId"`
	UseGPU     bool      `json:"useGpu,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

func (j Job) validate() error {
	if !models.ValidAssetID(strings.TrimSpace(j.AssetID)) {
		return errors.New("ingest: job has invalid asset id")
	}
	return nil
}

// Queue hands jobs from the API to workers.
type Queue interface {
	Push(ctx context.Context, job Job) error
	// Pop blocks until a job is available or ctx ends.
	Pop(ctx context.Context) (Job, error)
	Len(ctx context.Context) (int, error)
	// Durable reports whether queued jobs survive a process restart.
	Durable() bool
	Close() error
}

const defaultMemoryQueueSize = 64

// MemoryQueue is an in-process queue backed by a buffered channel.
type MemoryQueue struct {
	jobs chan Job

	mu     sync.Mutex
	closed chan struct{}
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue returns a queue holding at most size pending jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryQueueSize
	}
	return &MemoryQueue{jobs: make(chan Job, size), closed: make(chan struct{})}
}

// Push enqueues job without blocking. A full queue returns ErrQueueFull so the
// caller can fail the request instead of stalling it.
func (q *MemoryQueue) Push(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-q.closed:
		return Job{}, ErrQueueClosed
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	return len(q.jobs), nil
}

func (q *MemoryQueue) Durable() bool { return false }

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
	return nil
}
