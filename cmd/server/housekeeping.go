package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maintenanceTask is one periodic cleanup job.
type maintenanceTask struct {
	name string
	run  func(ctx context.Context) error
}

type sessionPurger interface {
	PurgeExpired(ctx context.Context) error
}

func sessionPurgeTask(sessions sessionPurger) maintenanceTask {
	return maintenanceTask{name: "sessions", run: sessions.PurgeExpired}
}

// staleUploadTask removes regular files in dir last modified more than maxAge
// ago. Uploads are moved out of dir once accepted, so anything left behind
// belongs to a request that died mid-stream.
func staleUploadTask(dir string, maxAge time.Duration, now func() time.Time, logger *slog.Logger) maintenanceTask {
	return maintenanceTask{name: "uploads", run: func(ctx context.Context) error {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		cutoff := now().Add(-maxAge)
		var errs []error
		for _, entry := range entries {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			logger.Info("removed stale upload", "path", path, "age", now().Sub(info.ModTime()).Round(time.Second))
		}
		return errors.Join(errs...)
	}}
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }
func (t timeTicker) Stop()               { t.ticker.Stop() }

type tickerFactory func(time.Duration) purgeTicker

func startHousekeeping(ctx context.Context, logger *slog.Logger, interval time.Duration, tasks ...maintenanceTask) func() {
	return startHousekeepingWithTicker(ctx, logger, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	}, tasks...)
}

// startHousekeepingWithTicker runs every task on each tick until ctx ends or
// the returned stop function is called. A failing task does not skip the
// ones after it.
func startHousekeepingWithTicker(ctx context.Context, logger *slog.Logger, interval time.Duration, newTicker tickerFactory, tasks ...maintenanceTask) func() {
	if interval <= 0 || len(tasks) == 0 {
		return func() {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				for _, task := range tasks {
					if err := task.run(workerCtx); err != nil && workerCtx.Err() == nil {
						logger.Error("housekeeping task failed", "task", task.name, "error", err)
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
