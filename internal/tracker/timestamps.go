package tracker

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cacherr/internal/domain"
)

// timestampDoc is the on-disk shape of one cache_timestamps.json entry.
type timestampDoc struct {
	CachedAt      time.Time           `json:"cached_at"`
	Source        domain.Source       `json:"source"`
	FileSizeBytes int64               `json:"file_size_bytes"`
	CachePath     string              `json:"cache_path,omitempty"`
	CacheMethod   domain.CacheMethod  `json:"cache_method,omitempty"`
	Users         []string            `json:"users,omitempty"`
	LastSeen      time.Time           `json:"last_seen,omitempty"`
	WatchedAt     *time.Time          `json:"watched_at,omitempty"`
	EpisodeInfo   *domain.EpisodeInfo `json:"episode_info,omitempty"`
	AccessCount   int                 `json:"access_count,omitempty"`
	Sidecars      []string            `json:"sidecars,omitempty"`
}

// Timestamps is the cache-timestamp tracker: a concurrent-safe map from
// original path to cache state, persisted as cache_timestamps.json.
//
// CachedAt is written exactly once per path: Record on an existing entry is a
// no-op, so re-caching a file never resets its age.
type Timestamps struct {
	mu      sync.RWMutex
	path    string
	entries map[string]*domain.CachedFile
	dirty   bool
	logger  *slog.Logger
}

// NewTimestamps loads the tracker from path. Load is best-effort: a missing
// or corrupt file produces an empty tracker.
func NewTimestamps(path string, logger *slog.Logger) *Timestamps {
	t := &Timestamps{
		path:    path,
		entries: make(map[string]*domain.CachedFile),
		logger:  logger,
	}
	t.load()
	return t
}

func (t *Timestamps) load() {
	var raw map[string]json.RawMessage
	if !loadJSON(t.path, &raw, t.logger) {
		return
	}
	for p, msg := range raw {
		var doc timestampDoc
		if err := json.Unmarshal(msg, &doc); err == nil && !doc.CachedAt.IsZero() {
			t.entries[p] = docToFile(p, doc)
			continue
		}
		// Legacy shape: a bare timestamp string. Wrap it and mark dirty so
		// the next persist rewrites the file in the current format.
		var legacy string
		if err := json.Unmarshal(msg, &legacy); err != nil {
			t.logger.Warn("tracker entry unreadable, dropping",
				slog.String("path", p))
			t.dirty = true
			continue
		}
		at, err := time.Parse(time.RFC3339, legacy)
		if err != nil {
			t.logger.Warn("tracker entry has invalid timestamp, dropping",
				slog.String("path", p))
			t.dirty = true
			continue
		}
		t.entries[p] = &domain.CachedFile{
			OriginalPath: p,
			CachedAt:     at.UTC(),
			Source:       domain.SourceUnknown,
		}
		t.dirty = true
	}
}

func docToFile(path string, doc timestampDoc) *domain.CachedFile {
	src := doc.Source
	if !src.Valid() || src == "" {
		src = domain.SourceUnknown
	}
	return &domain.CachedFile{
		OriginalPath:  path,
		CachePath:     doc.CachePath,
		Source:        src,
		Users:         doc.Users,
		CachedAt:      doc.CachedAt.UTC(),
		LastSeen:      doc.LastSeen,
		WatchedAt:     doc.WatchedAt,
		FileSizeBytes: doc.FileSizeBytes,
		EpisodeInfo:   doc.EpisodeInfo,
		AccessCount:   doc.AccessCount,
		CacheMethod:   doc.CacheMethod,
		Sidecars:      doc.Sidecars,
	}
}

func fileToDoc(f *domain.CachedFile) timestampDoc {
	return timestampDoc{
		CachedAt:      f.CachedAt,
		Source:        f.Source,
		FileSizeBytes: f.FileSizeBytes,
		CachePath:     f.CachePath,
		CacheMethod:   f.CacheMethod,
		Users:         f.Users,
		LastSeen:      f.LastSeen,
		WatchedAt:     f.WatchedAt,
		EpisodeInfo:   f.EpisodeInfo,
		AccessCount:   f.AccessCount,
		Sidecars:      f.Sidecars,
	}
}

// Record creates an entry for a freshly transferred file. It returns false
// without touching the entry when one already exists.
func (t *Timestamps) Record(path string, source domain.Source, sizeBytes int64, cachePath string, method domain.CacheMethod, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[path]; ok {
		return false
	}
	t.entries[path] = &domain.CachedFile{
		OriginalPath:  path,
		CachePath:     cachePath,
		Source:        source,
		CachedAt:      now.UTC(),
		LastSeen:      now.UTC(),
		FileSizeBytes: sizeBytes,
		CacheMethod:   method,
	}
	t.dirty = true
	return true
}

// Get returns a copy of the entry for path.
func (t *Timestamps) Get(path string) (domain.CachedFile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.entries[path]
	if !ok {
		return domain.CachedFile{}, false
	}
	return *f, true
}

// Remove deletes the entry for path. Removing an absent path is a no-op.
func (t *Timestamps) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[path]; ok {
		delete(t.entries, path)
		t.dirty = true
	}
}

// Entries returns a snapshot of all entries, sorted by original path for
// deterministic iteration.
func (t *Timestamps) Entries() []domain.CachedFile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.CachedFile, 0, len(t.entries))
	for _, f := range t.entries {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginalPath < out[j].OriginalPath })
	return out
}

// Len returns the number of tracked entries.
func (t *Timestamps) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// UsageBytes returns the summed size of all tracked entries.
func (t *Timestamps) UsageBytes() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total int64
	for _, f := range t.entries {
		total += f.FileSizeBytes
	}
	return total
}

// AgeHours returns how many hours path has been cached.
func (t *Timestamps) AgeHours(path string, now time.Time) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.entries[path]
	if !ok {
		return 0, false
	}
	return now.Sub(f.CachedAt).Hours(), true
}

// IsWithinRetention reports whether path was cached less than hours ago.
func (t *Timestamps) IsWithinRetention(path string, hours float64, now time.Time) bool {
	age, ok := t.AgeHours(path, now)
	return ok && age < hours
}

// MarkWatched records the first completed playback. Subsequent calls keep
// the original watched timestamp.
func (t *Timestamps) MarkWatched(path string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[path]
	if !ok || f.WatchedAt != nil {
		return false
	}
	at := now.UTC()
	f.WatchedAt = &at
	t.dirty = true
	return true
}

// IncrementAccess bumps the play counter for path.
func (t *Timestamps) IncrementAccess(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.entries[path]; ok {
		f.AccessCount++
		t.dirty = true
	}
}

// UpdateSeen refreshes discovery-scan state: user set, last-seen time and
// episode info. CachedAt and Source are never touched here.
func (t *Timestamps) UpdateSeen(path string, users []string, episode *domain.EpisodeInfo, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[path]
	if !ok {
		return
	}
	for _, u := range users {
		if !f.HasUser(u) {
			f.Users = append(f.Users, u)
		}
	}
	sort.Strings(f.Users)
	f.LastSeen = now.UTC()
	if episode != nil {
		f.EpisodeInfo = episode
	}
	t.dirty = true
}

// SetSidecars records the sibling files transferred with path.
func (t *Timestamps) SetSidecars(path string, sidecars []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.entries[path]; ok {
		f.Sidecars = sidecars
		t.dirty = true
	}
}

// CleanupMissing removes entries whose path no longer exists on either tier,
// returning the number removed.
func (t *Timestamps) CleanupMissing(exists func(path string) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for p := range t.entries {
		if !exists(p) {
			delete(t.entries, p)
			removed++
		}
	}
	if removed > 0 {
		t.dirty = true
	}
	return removed
}

// Persist atomically writes the tracker to disk when it has changed since
// the last successful persist.
func (t *Timestamps) Persist() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty {
		return nil
	}
	docs := make(map[string]timestampDoc, len(t.entries))
	for p, f := range t.entries {
		docs[p] = fileToDoc(f)
	}
	if err := saveJSON(t.path, docs); err != nil {
		return err
	}
	t.dirty = false
	return nil
}
