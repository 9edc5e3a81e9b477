package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bitriver-vod/internal/auth"
)

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time { return m.c }

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHousekeepingRunsEveryTaskAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan string, 4)
	failing := maintenanceTask{name: "first", run: func(context.Context) error {
		calls <- "first"
		return errors.New("boom")
	}}
	second := maintenanceTask{name: "second", run: func(context.Context) error {
		calls <- "second"
		return nil
	}}

	ticker := newManualTicker()
	stop := startHousekeepingWithTicker(ctx, discardLogger(), time.Minute, func(time.Duration) purgeTicker {
		return ticker
	}, failing, second)

	ticker.Tick()
	for _, want := range []string{"first", "second"} {
		select {
		case got := <-calls:
			if got != want {
				t.Fatalf("expected %s, got %s", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected %s to run", want)
		}
	}

	cancel()
	stop()
	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after cancellation")
	}
}

func TestSessionPurgeTaskDropsExpiredSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := auth.NewMemorySessionStore()
	sessions := auth.NewSessionManager(time.Hour, auth.WithStore(store), auth.WithSessionClock(clock))
	if _, _, err := sessions.Create(ctx, "viewer-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	mu.Lock()
	now = now.Add(30 * time.Minute)
	mu.Unlock()
	if _, _, err := sessions.Create(ctx, "viewer-2"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ticker := newManualTicker()
	stop := startHousekeepingWithTicker(ctx, discardLogger(), time.Minute, func(time.Duration) purgeTicker {
		return ticker
	}, sessionPurgeTask(sessions))
	defer stop()

	mu.Lock()
	now = now.Add(45 * time.Minute)
	mu.Unlock()
	ticker.Tick()

	waitFor(t, "one live session", func() bool { return store.Len() == 1 })
}

func TestStaleUploadTask(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	stale := filepath.Join(dir, "upload-stale")
	fresh := filepath.Join(dir, "upload-fresh")
	for _, path := range []string{stale, fresh} {
		if err := os.WriteFile(path, []byte("partial"), 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	if err := os.Chtimes(stale, now.Add(-7*time.Hour), now.Add(-7*time.Hour)); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Chtimes(fresh, now.Add(-time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	task := staleUploadTask(dir, 6*time.Hour, func() time.Time { return now }, discardLogger())
	if err := task.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale upload removed, stat err=%v", err)
	}
	for _, keep := range []string{fresh, filepath.Join(dir, "nested")} {
		if _, err := os.Stat(keep); err != nil {
			t.Fatalf("expected %s kept: %v", keep, err)
		}
	}

	missing := staleUploadTask(filepath.Join(dir, "absent"), time.Hour, time.Now, discardLogger())
	if err := missing.run(context.Background()); err != nil {
		t.Fatalf("missing dir should be ignored: %v", err)
	}
}

func TestHousekeepingDisabled(t *testing.T) {
	called := false
	factory := func(time.Duration) purgeTicker {
		called = true
		return newManualTicker()
	}
	noop := maintenanceTask{name: "noop", run: func(context.Context) error { return nil }}

	startHousekeepingWithTicker(context.Background(), nil, 0, factory, noop)()
	startHousekeepingWithTicker(context.Background(), nil, time.Minute, factory)()
	if called {
		t.Fatal("zero interval or no tasks must not start a ticker")
	}
}
