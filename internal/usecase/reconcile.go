package usecase

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"cacherr/internal/domain"
	"cacherr/internal/domain/ports"
	"cacherr/internal/metrics"
	"cacherr/internal/tracker"
)

// Reconciler re-aligns tracker state with the filesystem after crashes or
// out-of-band file operations. It runs at startup and on demand, never
// concurrently with a cycle.
type Reconciler struct {
	Mover      ports.Mover
	Timestamps *tracker.Timestamps
	Watchlist  *tracker.Watchlist
	OnDeck     *tracker.OnDeck
	Logger     *slog.Logger

	// CacheRoot enables the untracked-file scan when non-empty.
	CacheRoot string
}

// Run performs the three reconciliation passes and persists the trackers.
func (r Reconciler) Run() domain.ReconciliationResult {
	var result domain.ReconciliationResult

	// Pass 1: tracker entries whose cache copy is gone are orphans.
	for _, e := range r.Timestamps.Entries() {
		result.FilesChecked++
		cachePath := e.CachePath
		if cachePath == "" {
			cachePath = r.Mover.CachePath(e.OriginalPath)
		}
		if pathExists(cachePath) {
			continue
		}
		r.Timestamps.Remove(e.OriginalPath)
		result.OrphanedFound++
		metrics.ReconcileOrphansTotal.Inc()
		r.Logger.Warn("orphaned entry removed",
			slog.String("path", e.OriginalPath),
			slog.String("cache_path", cachePath))
	}

	// Pass 2: paths gone from both tiers leave every tracker.
	exists := func(path string) bool {
		return pathExists(path) || pathExists(r.Mover.CachePath(path))
	}
	result.StaleRemoved += r.Timestamps.CleanupMissing(exists)
	result.StaleRemoved += r.Watchlist.CleanupMissing(exists)
	result.StaleRemoved += r.OnDeck.CleanupMissing(exists)

	// Pass 3: files on the cache tier nobody tracks. Reported, never removed.
	if r.CacheRoot != "" {
		result.UntrackedFound = r.findUntracked(&result)
	}

	for _, persist := range []func() error{r.Timestamps.Persist, r.Watchlist.Persist, r.OnDeck.Persist} {
		if err := persist(); err != nil {
			metrics.TrackerPersistErrors.Inc()
			result.Errors = append(result.Errors, err.Error())
		}
	}

	r.Logger.Info("reconciliation finished",
		slog.Int("checked", result.FilesChecked),
		slog.Int("orphaned", result.OrphanedFound),
		slog.Int("stale_removed", result.StaleRemoved),
		slog.Int("untracked", len(result.UntrackedFound)))
	return result
}

func (r Reconciler) findUntracked(result *domain.ReconciliationResult) []string {
	known := make(map[string]bool)
	for _, e := range r.Timestamps.Entries() {
		cachePath := e.CachePath
		if cachePath == "" {
			cachePath = r.Mover.CachePath(e.OriginalPath)
		}
		known[cachePath] = true
		dir := filepath.Dir(cachePath)
		for _, s := range e.Sidecars {
			known[filepath.Join(dir, filepath.Base(s))] = true
		}
	}

	var untracked []string
	err := filepath.WalkDir(r.CacheRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if !known[path] {
			untracked = append(untracked, path)
		}
		return nil
	})
	if err != nil {
		result.Errors = append(result.Errors, "cache scan: "+err.Error())
	}
	return untracked
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
