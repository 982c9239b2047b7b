package usecase

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cacherr/internal/domain"
	"cacherr/internal/mover"
	"cacherr/internal/tracker"
)

func newMonitorEnv(t *testing.T) (*SessionMonitor, *fakeUpstream, string) {
	t.Helper()
	array := t.TempDir()
	cache := t.TempDir()
	logger := testLogger()
	up := &fakeUpstream{}

	mv := mover.New(mover.Config{
		ArrayRoot:  array,
		CacheRoot:  cache,
		Method:     domain.MethodCopy,
		MaxToCache: 1,
		MaxToArray: 1,
	}, logger)

	m := &SessionMonitor{
		Upstream:         up,
		Mover:            mv,
		Timestamps:       tracker.NewTimestamps(filepath.Join(t.TempDir(), "cache_timestamps.json"), logger),
		Logger:           logger,
		Interval:         time.Minute,
		CacheOnPlayStart: true,
		WatchedThreshold: 0.85,
		CacheMethod:      domain.MethodCopy,
		active:           make(map[string]domain.Session),
	}
	return m, up, array
}

func TestMonitorCachesOnPlayStart(t *testing.T) {
	m, up, array := newMonitorEnv(t)
	video := filepath.Join(array, "movie.mkv")
	writeFile(t, video, "movie")

	up.sessions = []domain.Session{{
		SessionKey: "s1", UserID: "1", Username: "alice",
		FilePath: video, State: domain.SessionPlaying, Progress: 0.1,
	}}
	m.tick(context.Background())

	if !m.Mover.IsCached(video) {
		t.Fatalf("file not cached on play start")
	}
	entry, ok := m.Timestamps.Get(video)
	if !ok {
		t.Fatalf("no tracker entry")
	}
	if entry.Source != domain.SourceActiveWatching {
		t.Fatalf("source = %s", entry.Source)
	}
}

func TestMonitorMarksWatchedOnce(t *testing.T) {
	m, up, array := newMonitorEnv(t)
	video := filepath.Join(array, "movie.mkv")
	writeFile(t, video, "movie")
	m.Timestamps.Record(video, domain.SourceOnDeck, 5, m.Mover.CachePath(video), domain.MethodCopy, time.Now())

	session := domain.Session{
		SessionKey: "s1", Username: "alice",
		FilePath: video, State: domain.SessionPlaying, Progress: 0.2,
	}
	up.sessions = []domain.Session{session}
	m.tick(context.Background())

	if e, _ := m.Timestamps.Get(video); e.WatchedAt != nil {
		t.Fatalf("marked watched at 20%% progress")
	}

	session.Progress = 0.9
	up.sessions = []domain.Session{session}
	m.tick(context.Background())

	e, _ := m.Timestamps.Get(video)
	if e.WatchedAt == nil {
		t.Fatalf("not marked watched at 90%% progress")
	}
	first := *e.WatchedAt

	// Another tick above threshold keeps the original timestamp.
	m.tick(context.Background())
	e, _ = m.Timestamps.Get(video)
	if !e.WatchedAt.Equal(first) {
		t.Fatalf("watched timestamp moved: %v -> %v", first, e.WatchedAt)
	}
}

func TestMonitorCountsAccessPerSessionStart(t *testing.T) {
	m, up, array := newMonitorEnv(t)
	video := filepath.Join(array, "movie.mkv")
	writeFile(t, video, "movie")
	m.Timestamps.Record(video, domain.SourceOnDeck, 5, m.Mover.CachePath(video), domain.MethodCopy, time.Now())

	up.sessions = []domain.Session{{SessionKey: "s1", Username: "alice", FilePath: video, State: domain.SessionPlaying}}
	m.tick(context.Background())
	m.tick(context.Background()) // same session, no new start

	if e, _ := m.Timestamps.Get(video); e.AccessCount != 1 {
		t.Fatalf("access count = %d, want 1", e.AccessCount)
	}

	// Session ends, then the same user starts again.
	up.sessions = nil
	m.tick(context.Background())
	up.sessions = []domain.Session{{SessionKey: "s2", Username: "alice", FilePath: video, State: domain.SessionPlaying}}
	m.tick(context.Background())

	if e, _ := m.Timestamps.Get(video); e.AccessCount != 2 {
		t.Fatalf("access count = %d, want 2", e.AccessCount)
	}
}

func TestMonitorStopsOnCancel(t *testing.T) {
	m, _, _ := newMonitorEnv(t)
	m.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("monitor did not stop after cancel")
	}
}
