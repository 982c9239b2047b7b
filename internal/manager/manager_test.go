package manager

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cacherr/internal/domain"
	"cacherr/internal/domain/ports"
	"cacherr/internal/mover"
	"cacherr/internal/tracker"
	"cacherr/internal/usecase"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubUpstream struct {
	ondeck   []ports.OnDeckItem
	sessions []domain.Session
}

func (s *stubUpstream) ListOnDeck(context.Context, int, int, []string) ([]ports.OnDeckItem, error) {
	return s.ondeck, nil
}

func (s *stubUpstream) ListWatchlist(context.Context, int, []string) ([]ports.WatchlistItem, error) {
	return nil, nil
}

func (s *stubUpstream) ListSessions(context.Context) ([]domain.Session, error) {
	return s.sessions, nil
}

func (s *stubUpstream) ListWatchedFiles(context.Context, []string) ([]string, error) {
	return nil, nil
}

func (s *stubUpstream) HasActiveSessions(context.Context) (bool, error) {
	return len(s.sessions) > 0, nil
}

func newManager(t *testing.T) (*Manager, *stubUpstream, string) {
	t.Helper()
	array := t.TempDir()
	cache := t.TempDir()
	state := t.TempDir()
	logger := testLogger()
	up := &stubUpstream{}

	mv := mover.New(mover.Config{
		ArrayRoot:  array,
		CacheRoot:  cache,
		Method:     domain.MethodCopy,
		MaxToCache: 1,
		MaxToArray: 1,
	}, logger)

	m := New(Deps{
		Upstream:   up,
		Mover:      mv,
		Timestamps: tracker.NewTimestamps(filepath.Join(state, "cache_timestamps.json"), logger),
		Watchlist:  tracker.NewWatchlist(filepath.Join(state, "watchlist_tracker.json"), logger),
		OnDeck:     tracker.NewOnDeck(filepath.Join(state, "ondeck_tracker.json"), logger),
		CycleConfig: usecase.CycleConfig{
			MinRetentionHours: 6,
			MaxCacheHours:     720,
			OnDeckProtected:   true,
			CacheMethod:       domain.MethodCopy,
			MaxConcurrent:     1,
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		CacheRoot: cache,
		Logger:    logger,
	})
	return m, up, array
}

func TestManagerRefusesOperationsBeforeStart(t *testing.T) {
	m, _, _ := newManager(t)
	if _, err := m.RunCycle(context.Background()); !errors.Is(err, domain.ErrNotRunning) {
		t.Fatalf("RunCycle err = %v, want ErrNotRunning", err)
	}
	if _, err := m.Reconcile(context.Background()); !errors.Is(err, domain.ErrNotRunning) {
		t.Fatalf("Reconcile err = %v, want ErrNotRunning", err)
	}
}

func TestManagerLifecycle(t *testing.T) {
	m, up, array := newManager(t)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	video := filepath.Join(array, "movie.mkv")
	if err := os.WriteFile(video, []byte("movie"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	up.ondeck = []ports.OnDeckItem{{FilePath: video, User: "alice"}}

	summary, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Transferred != 1 {
		t.Fatalf("transferred = %d", summary.Transferred)
	}

	stats := m.Stats()
	if stats.TrackedEntries != 1 {
		t.Fatalf("tracked = %d", stats.TrackedEntries)
	}
	if stats.PerSource[domain.SourceOnDeck] != 1 {
		t.Fatalf("per-source = %v", stats.PerSource)
	}
	if stats.LastCycle == nil || stats.LastCycle.RunID != summary.RunID {
		t.Fatalf("last cycle not recorded")
	}

	m.Stop()
	if _, err := m.RunCycle(context.Background()); !errors.Is(err, domain.ErrNotRunning) {
		t.Fatalf("RunCycle after stop err = %v, want ErrNotRunning", err)
	}
}

func TestManagerStartupReconcileDropsOrphans(t *testing.T) {
	m, _, array := newManager(t)
	ghost := filepath.Join(array, "a.mkv")
	if err := os.WriteFile(ghost, []byte("a"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Tracked, but the cache copy never existed.
	m.deps.Timestamps.Record(ghost, domain.SourceOnDeck, 1,
		filepath.Join(m.deps.CacheRoot, "a.mkv"), domain.MethodCopy, time.Now())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if _, ok := m.deps.Timestamps.Get(ghost); ok {
		t.Fatalf("orphaned entry survived startup reconcile")
	}
}

func TestManagerDoubleStartFails(t *testing.T) {
	m, _, _ := newManager(t)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()
	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("second Start succeeded")
	}
}
