package usecase

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cacherr/internal/domain"
	"cacherr/internal/domain/ports"
	"cacherr/internal/mover"
	"cacherr/internal/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeUpstream is a canned ports.Upstream for cycle and monitor tests.
type fakeUpstream struct {
	ondeck    []ports.OnDeckItem
	watchlist []ports.WatchlistItem
	sessions  []domain.Session
	watched   []string
}

func (f *fakeUpstream) ListOnDeck(context.Context, int, int, []string) ([]ports.OnDeckItem, error) {
	return f.ondeck, nil
}

func (f *fakeUpstream) ListWatchlist(context.Context, int, []string) ([]ports.WatchlistItem, error) {
	return f.watchlist, nil
}

func (f *fakeUpstream) ListSessions(context.Context) ([]domain.Session, error) {
	return f.sessions, nil
}

func (f *fakeUpstream) ListWatchedFiles(context.Context, []string) ([]string, error) {
	return f.watched, nil
}

func (f *fakeUpstream) HasActiveSessions(context.Context) (bool, error) {
	return len(f.sessions) > 0, nil
}

type cycleEnv struct {
	cycle    Cycle
	upstream *fakeUpstream
	array    string
	cache    string
}

func newCycleEnv(t *testing.T) *cycleEnv {
	t.Helper()
	array := t.TempDir()
	cache := t.TempDir()
	state := t.TempDir()
	logger := testLogger()
	up := &fakeUpstream{}

	mv := mover.New(mover.Config{
		ArrayRoot:  array,
		CacheRoot:  cache,
		Method:     domain.MethodCopy,
		MaxToCache: 2,
		MaxToArray: 2,
	}, logger)

	c := Cycle{
		Upstream:   up,
		Mover:      mv,
		Timestamps: tracker.NewTimestamps(filepath.Join(state, "cache_timestamps.json"), logger),
		Watchlist:  tracker.NewWatchlist(filepath.Join(state, "watchlist_tracker.json"), logger),
		OnDeck:     tracker.NewOnDeck(filepath.Join(state, "ondeck_tracker.json"), logger),
		Logger:     logger,
		Config: CycleConfig{
			EpisodesAhead:            2,
			WatchlistEnabled:         true,
			WatchlistEpisodesPerShow: 3,
			WatchlistRetentionDays:   7,
			MinRetentionHours:        6,
			MaxCacheHours:            720,
			OnDeckProtected:          true,
			CacheMethod:              domain.MethodCopy,
			MaxConcurrent:            2,
		},
	}
	return &cycleEnv{cycle: c, upstream: up, array: array, cache: cache}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestCycleFreshCacheOnDeckEpisode(t *testing.T) {
	env := newCycleEnv(t)
	video := filepath.Join(env.array, "shows", "X", "S1E5.mkv")
	writeFile(t, video, "five-gigabytes")
	writeFile(t, filepath.Join(env.array, "shows", "X", "S1E5.en.srt"), "subs")

	env.upstream.ondeck = []ports.OnDeckItem{{
		FilePath: video,
		User:     "alice",
		Episode:  &domain.EpisodeInfo{Show: "X", Season: 1, Episode: 5, IsCurrentOnDeck: true},
	}}

	summary := env.cycle.Run(context.Background())
	if summary.Skipped != "" {
		t.Fatalf("cycle skipped: %s", summary.Skipped)
	}
	if summary.Transferred != 2 {
		t.Fatalf("transferred = %d, want 2 (video + subtitle)", summary.Transferred)
	}
	for _, p := range []string{"S1E5.mkv", "S1E5.en.srt"} {
		if _, err := os.Stat(filepath.Join(env.cache, "shows", "X", p)); err != nil {
			t.Fatalf("%s missing on cache tier: %v", p, err)
		}
	}
	entry, ok := env.cycle.Timestamps.Get(video)
	if !ok {
		t.Fatalf("no tracker entry")
	}
	if entry.Source != domain.SourceOnDeck {
		t.Fatalf("source = %s", entry.Source)
	}
	if len(entry.Sidecars) != 1 {
		t.Fatalf("sidecars = %v", entry.Sidecars)
	}
	// The tracked size is the video alone; subtitle bytes stay out of the
	// usage accounting.
	if entry.FileSizeBytes != int64(len("five-gigabytes")) {
		t.Fatalf("tracked size = %d, want %d", entry.FileSizeBytes, len("five-gigabytes"))
	}
	if !entry.HasUser("alice") {
		t.Fatalf("user not recorded: %v", entry.Users)
	}
}

func TestCycleSecondRunIsIdempotent(t *testing.T) {
	env := newCycleEnv(t)
	video := filepath.Join(env.array, "movie.mkv")
	writeFile(t, video, "movie")
	env.upstream.ondeck = []ports.OnDeckItem{{FilePath: video, User: "alice"}}

	first := env.cycle.Run(context.Background())
	if first.Transferred == 0 {
		t.Fatalf("first run transferred nothing")
	}
	second := env.cycle.Run(context.Background())
	if second.Transferred != 0 {
		t.Fatalf("second run transferred %d, want 0", second.Transferred)
	}
	if second.Restored != 0 {
		t.Fatalf("second run restored %d, want 0", second.Restored)
	}
}

func TestCycleSkipsWhenSessionsActive(t *testing.T) {
	env := newCycleEnv(t)
	env.cycle.Config.ExitIfActiveSession = true
	env.upstream.sessions = []domain.Session{{SessionKey: "s1", FilePath: "/x", State: domain.SessionPlaying}}
	video := filepath.Join(env.array, "movie.mkv")
	writeFile(t, video, "movie")
	env.upstream.ondeck = []ports.OnDeckItem{{FilePath: video, User: "alice"}}

	summary := env.cycle.Run(context.Background())
	if summary.Skipped != domain.SkipActiveSessions {
		t.Fatalf("skipped = %q, want %q", summary.Skipped, domain.SkipActiveSessions)
	}
	if summary.Transferred != 0 {
		t.Fatalf("gated cycle transferred %d files", summary.Transferred)
	}
}

func TestCycleRetentionExpiryRestores(t *testing.T) {
	env := newCycleEnv(t)
	env.cycle.Config.MinRetentionHours = 6
	env.cycle.Config.MaxCacheHours = 48
	env.cycle.Config.WatchlistRetentionDays = 0

	video := filepath.Join(env.array, "movie.mkv")
	writeFile(t, video, "movie")
	if _, err := env.cycle.Mover.CopyToCache(context.Background(), video); err != nil {
		t.Fatalf("seed transfer: %v", err)
	}
	// Cached 72 hours ago, on no current list.
	env.cycle.Timestamps.Record(video, domain.SourceWatchlist, 5, env.cycle.Mover.CachePath(video),
		domain.MethodCopy, time.Now().Add(-72*time.Hour))

	summary := env.cycle.Run(context.Background())
	if summary.Restored != 1 {
		t.Fatalf("restored = %d, want 1", summary.Restored)
	}
	if _, ok := env.cycle.Timestamps.Get(video); ok {
		t.Fatalf("tracker entry survived restore")
	}
	if _, err := os.Stat(video); err != nil {
		t.Fatalf("original missing after restore: %v", err)
	}
	if _, err := os.Stat(env.cycle.Mover.CachePath(video)); !os.IsNotExist(err) {
		t.Fatalf("cache copy survived restore")
	}
}

func TestCycleRetentionUnlimitedAgeKeepsListedFiles(t *testing.T) {
	env := newCycleEnv(t)
	env.cycle.Config.MinRetentionHours = 6
	env.cycle.Config.MaxCacheHours = 0 // no age cap
	env.cycle.Config.WatchlistRetentionDays = 1

	// Still on a watchlist, but added long past the watchlist window.
	listed := filepath.Join(env.array, "listed.mkv")
	writeFile(t, listed, "listed")
	env.upstream.watchlist = []ports.WatchlistItem{{
		FilePath: listed,
		User:     "alice",
		AddedAt:  time.Now().Add(-100 * time.Hour).Unix(),
	}}
	if _, err := env.cycle.Mover.CopyToCache(context.Background(), listed); err != nil {
		t.Fatalf("seed transfer: %v", err)
	}
	env.cycle.Timestamps.Record(listed, domain.SourceWatchlist, 6, env.cycle.Mover.CachePath(listed),
		domain.MethodCopy, time.Now().Add(-100*time.Hour))

	// Same age, on no list at all.
	unlisted := filepath.Join(env.array, "unlisted.mkv")
	writeFile(t, unlisted, "unlisted")
	if _, err := env.cycle.Mover.CopyToCache(context.Background(), unlisted); err != nil {
		t.Fatalf("seed transfer: %v", err)
	}
	env.cycle.Timestamps.Record(unlisted, domain.SourceWatchlist, 8, env.cycle.Mover.CachePath(unlisted),
		domain.MethodCopy, time.Now().Add(-100*time.Hour))

	summary := env.cycle.Run(context.Background())
	if summary.Restored != 1 {
		t.Fatalf("restored = %d, want 1 (only the unlisted file)", summary.Restored)
	}
	if _, ok := env.cycle.Timestamps.Get(listed); !ok {
		t.Fatalf("listed file restored despite unlimited age cap")
	}
	if _, err := os.Stat(env.cycle.Mover.CachePath(listed)); err != nil {
		t.Fatalf("listed cache copy gone: %v", err)
	}
	if _, ok := env.cycle.Timestamps.Get(unlisted); ok {
		t.Fatalf("unlisted file survived the sweep")
	}
}

func TestCycleRetentionKeepsOnDeckFiles(t *testing.T) {
	env := newCycleEnv(t)
	env.cycle.Config.MinRetentionHours = 1
	env.cycle.Config.MaxCacheHours = 48

	video := filepath.Join(env.array, "shows", "X", "S1E5.mkv")
	writeFile(t, video, "episode")
	env.upstream.ondeck = []ports.OnDeckItem{{FilePath: video, User: "alice"}}

	if _, err := env.cycle.Mover.CopyToCache(context.Background(), video); err != nil {
		t.Fatalf("seed transfer: %v", err)
	}
	// Old enough to expire on age, but still on deck.
	env.cycle.Timestamps.Record(video, domain.SourceOnDeck, 7, env.cycle.Mover.CachePath(video),
		domain.MethodCopy, time.Now().Add(-24*time.Hour))

	summary := env.cycle.Run(context.Background())
	if summary.Restored != 0 {
		t.Fatalf("restored = %d, want 0 (on-deck protected)", summary.Restored)
	}
	if _, ok := env.cycle.Timestamps.Get(video); !ok {
		t.Fatalf("tracker entry gone")
	}
}

func TestEvictionUnderPressure(t *testing.T) {
	env := newCycleEnv(t)
	const gb = int64(1) << 30
	env.cycle.Config.EvictionEnabled = true
	env.cycle.Config.CacheLimitBytes = 10 * gb
	env.cycle.Config.EvictionThresholdPercent = 0.8
	env.cycle.Config.EvictionTargetPercent = 0.5
	env.cycle.Config.EvictionMinPriority = 60
	env.cycle.Config.EvictionProtectedHours = 2

	// Ten 1 GiB entries cached 200 hours ago: five on-deck (score 60, kept),
	// five watchlist (score 50, evictable).
	cachedAt := time.Now().Add(-200 * time.Hour)
	for i := 0; i < 5; i++ {
		path := filepath.Join(env.array, "ondeck", string(rune('a'+i))+".mkv")
		writeFile(t, path, "x")
		if _, err := env.cycle.Mover.CopyToCache(context.Background(), path); err != nil {
			t.Fatalf("seed: %v", err)
		}
		env.cycle.Timestamps.Record(path, domain.SourceOnDeck, gb, env.cycle.Mover.CachePath(path), domain.MethodCopy, cachedAt)
	}
	var watchlistPaths []string
	for i := 0; i < 5; i++ {
		path := filepath.Join(env.array, "watchlist", string(rune('a'+i))+".mkv")
		writeFile(t, path, "x")
		if _, err := env.cycle.Mover.CopyToCache(context.Background(), path); err != nil {
			t.Fatalf("seed: %v", err)
		}
		env.cycle.Timestamps.Record(path, domain.SourceWatchlist, gb, env.cycle.Mover.CachePath(path), domain.MethodCopy, cachedAt)
		watchlistPaths = append(watchlistPaths, path)
	}

	result := env.cycle.enforceLimit(context.Background(), testLogger(), nil)
	if !result.Needed || !result.Performed {
		t.Fatalf("result = %+v, want needed and performed", result)
	}
	// Usage 10 GiB, target usage 5 GiB: all five watchlist entries go.
	if result.FilesEvicted != 5 {
		t.Fatalf("evicted = %d, want 5", result.FilesEvicted)
	}
	if result.BytesFreed != 5*gb {
		t.Fatalf("bytes freed = %d", result.BytesFreed)
	}
	for _, p := range watchlistPaths {
		if _, ok := env.cycle.Timestamps.Get(p); ok {
			t.Fatalf("watchlist entry %s survived", p)
		}
	}
	// On-deck files untouched.
	if n := env.cycle.Timestamps.Len(); n != 5 {
		t.Fatalf("remaining entries = %d, want the 5 on-deck files", n)
	}
}

func TestEvictionNeverTouchesPlayingFile(t *testing.T) {
	env := newCycleEnv(t)
	env.cycle.Config.EvictionEnabled = true
	env.cycle.Config.CacheLimitBytes = 10
	env.cycle.Config.EvictionThresholdPercent = 0.5
	env.cycle.Config.EvictionTargetPercent = 0.1
	env.cycle.Config.EvictionMinPriority = 100
	env.cycle.Config.EvictionProtectedHours = 2

	video := filepath.Join(env.array, "movie.mkv")
	writeFile(t, video, "movie")
	if _, err := env.cycle.Mover.CopyToCache(context.Background(), video); err != nil {
		t.Fatalf("seed: %v", err)
	}
	env.cycle.Timestamps.Record(video, domain.SourceWatchlist, 100, env.cycle.Mover.CachePath(video),
		domain.MethodCopy, time.Now().Add(-100*time.Hour))

	playing := map[string]bool{video: true}
	result := env.cycle.enforceLimit(context.Background(), testLogger(), playing)
	if result.FilesEvicted != 0 {
		t.Fatalf("evicted a playing file: %+v", result)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("errors = %v", result.Errors)
	}
}

func TestCycleOnDeckTrackerClearedEachRun(t *testing.T) {
	env := newCycleEnv(t)
	a := filepath.Join(env.array, "a.mkv")
	writeFile(t, a, "a")
	env.upstream.ondeck = []ports.OnDeckItem{{FilePath: a, User: "alice"}}
	env.cycle.Run(context.Background())
	if !env.cycle.OnDeck.Contains(a) {
		t.Fatalf("on-deck tracker missing a.mkv")
	}

	// Next scan no longer lists a.mkv.
	env.upstream.ondeck = nil
	env.cycle.Run(context.Background())
	if env.cycle.OnDeck.Contains(a) {
		t.Fatalf("stale on-deck entry survived the refresh")
	}
}
