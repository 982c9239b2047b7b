// Package usecase holds the long-running orchestration loops: the cache
// cycle, the session monitor and the reconciler. Each is a value struct over
// the ports interfaces and the trackers, started by the manager.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cacherr/internal/domain"
	"cacherr/internal/domain/ports"
	"cacherr/internal/metrics"
	"cacherr/internal/scoring"
	"cacherr/internal/tracker"
)

// CycleConfig is the policy slice of the application config the cycle needs.
type CycleConfig struct {
	ExitIfActiveSession bool

	EpisodesAhead            int
	DaysToMonitor            int
	SkipOnDeckUsers          []string
	WatchlistEnabled         bool
	WatchlistEpisodesPerShow int
	SkipWatchlistUsers       []string

	MinRetentionHours      float64
	MaxCacheHours          float64
	WatchlistRetentionDays int
	OnDeckProtected        bool

	EvictionEnabled          bool
	CacheLimitBytes          int64
	EvictionThresholdPercent float64 // fraction of the limit that triggers eviction
	EvictionTargetPercent    float64 // fraction of the limit eviction shrinks usage to
	EvictionMinPriority      int
	EvictionProtectedHours   float64

	CacheMethod   domain.CacheMethod
	MaxConcurrent int
}

// Cycle is the cache-cycle orchestrator. Run executes one full pass:
// discovery, transfer, retention, limit enforcement. Only one cycle runs at
// a time process-wide.
type Cycle struct {
	Upstream   ports.Upstream
	Mover      ports.Mover
	Timestamps *tracker.Timestamps
	Watchlist  *tracker.Watchlist
	OnDeck     *tracker.OnDeck
	Config     CycleConfig
	Logger     *slog.Logger
	Now        func() time.Time
}

var cycleMu sync.Mutex

// candidate is one file the discovery scan proposes for the cache tier.
type candidate struct {
	path    string
	source  domain.Source
	user    string
	episode *domain.EpisodeInfo
}

func (c Cycle) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run executes one cache cycle and returns its summary. The cycle never
// fails as a whole: upstream and transfer errors are collected into the
// summary and the remaining steps still run.
func (c Cycle) Run(ctx context.Context) domain.CycleSummary {
	cycleMu.Lock()
	defer cycleMu.Unlock()

	started := c.now()
	summary := domain.CycleSummary{RunID: uuid.NewString()}
	log := c.Logger.With(slog.String("run_id", summary.RunID))

	defer func() {
		summary.DurationSeconds = c.now().Sub(started).Seconds()
		metrics.CycleDuration.Observe(summary.DurationSeconds)
		c.persistTrackers(log)
		c.updateGauges()
	}()

	// Step 1: gate on active playback.
	if c.Config.ExitIfActiveSession {
		active, err := c.Upstream.HasActiveSessions(ctx)
		if err != nil {
			log.Warn("session gate check failed, proceeding", slog.String("error", err.Error()))
		} else if active {
			log.Info("cycle skipped, playback in progress")
			summary.Skipped = domain.SkipActiveSessions
			metrics.CycleRunsTotal.WithLabelValues("skipped").Inc()
			return summary
		}
	}

	// Step 2: snapshot of files being played right now.
	playing := c.playingPaths(ctx, log)

	// Steps 3-4: discovery.
	candidates := c.discover(ctx, log, &summary)

	// Steps 5-6: transfer what is new.
	c.transfer(ctx, log, candidates, playing, &summary)

	// Step 7: retention sweep.
	c.retentionSweep(ctx, log, playing, &summary)

	// Step 8: limit enforcement.
	if c.Config.EvictionEnabled {
		summary.Eviction = c.enforceLimit(ctx, log, playing)
	}

	metrics.CycleRunsTotal.WithLabelValues("completed").Inc()
	log.Info("cycle completed",
		slog.Int("transferred", summary.Transferred),
		slog.String("bytes_transferred", humanize.IBytes(uint64(summary.BytesTransferred))),
		slog.Int("restored", summary.Restored),
		slog.Int("errors", len(summary.Errors)))
	return summary
}

func (c Cycle) playingPaths(ctx context.Context, log *slog.Logger) map[string]bool {
	playing := make(map[string]bool)
	sessions, err := c.Upstream.ListSessions(ctx)
	if err != nil {
		log.Warn("session snapshot failed, assuming none", slog.String("error", err.Error()))
		return playing
	}
	for _, s := range sessions {
		if s.FilePath != "" {
			playing[s.FilePath] = true
		}
	}
	return playing
}

// discover refreshes the on-deck and watchlist trackers and returns the
// candidate set. The on-deck tracker is cleared first so it only ever holds
// the current scan; on-deck wins over watchlist when both list a path.
func (c Cycle) discover(ctx context.Context, log *slog.Logger, summary *domain.CycleSummary) []candidate {
	now := c.now()
	seen := make(map[string]int) // path -> index into out
	var out []candidate

	c.OnDeck.Clear()
	items, err := c.Upstream.ListOnDeck(ctx, c.Config.EpisodesAhead, c.Config.DaysToMonitor, c.Config.SkipOnDeckUsers)
	if err != nil {
		log.Warn("on-deck scan failed", slog.String("error", err.Error()))
		summary.Errors = append(summary.Errors, fmt.Sprintf("ondeck: %v", err))
	}
	for _, item := range items {
		c.OnDeck.Update(item.FilePath, item.User, item.Episode, now)
		if _, ok := seen[item.FilePath]; !ok {
			seen[item.FilePath] = len(out)
			out = append(out, candidate{
				path:    item.FilePath,
				source:  domain.SourceOnDeck,
				user:    item.User,
				episode: item.Episode,
			})
		}
	}

	if c.Config.WatchlistEnabled {
		wl, err := c.Upstream.ListWatchlist(ctx, c.Config.WatchlistEpisodesPerShow, c.Config.SkipWatchlistUsers)
		if err != nil {
			log.Warn("watchlist scan failed", slog.String("error", err.Error()))
			summary.Errors = append(summary.Errors, fmt.Sprintf("watchlist: %v", err))
		}
		for _, item := range wl {
			var addedAt time.Time
			if item.AddedAt > 0 {
				addedAt = time.Unix(item.AddedAt, 0)
			}
			c.Watchlist.Update(item.FilePath, item.User, addedAt, now)
			if _, ok := seen[item.FilePath]; !ok {
				seen[item.FilePath] = len(out)
				out = append(out, candidate{
					path:    item.FilePath,
					source:  domain.SourceWatchlist,
					user:    item.User,
					episode: item.Episode,
				})
			}
		}
		stale := c.Watchlist.CleanupStale(c.Config.WatchlistRetentionDays, now)
		if stale > 0 {
			log.Info("watchlist entries expired", slog.Int("removed", stale))
		}
	}
	return out
}

// transfer moves every candidate that is neither cached nor playing, bounded
// by MaxConcurrent. Successes are recorded to the timestamp tracker before
// the retention sweep runs, so a fresh transfer is always retention-visible.
func (c Cycle) transfer(ctx context.Context, log *slog.Logger, candidates []candidate, playing map[string]bool, summary *domain.CycleSummary) {
	var queue []candidate
	for _, cand := range candidates {
		if playing[cand.path] {
			continue
		}
		if c.Mover.IsCached(cand.path) {
			// Already resident: refresh discovery state only.
			c.Timestamps.UpdateSeen(cand.path, []string{cand.user}, cand.episode, c.now())
			continue
		}
		queue = append(queue, cand)
	}
	if len(queue) == 0 {
		return
	}

	limit := c.Config.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(limit)

	for _, cand := range queue {
		cand := cand
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := c.Mover.CopyToCache(ctx, cand.path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.TransferErrorsTotal.Inc()
				log.Warn("transfer failed",
					slog.String("path", cand.path),
					slog.String("error", err.Error()))
				summary.Errors = append(summary.Errors, fmt.Sprintf("transfer %s: %v", cand.path, err))
				return nil
			}
			if c.Timestamps.Record(cand.path, cand.source, res.FileBytes, res.DestPath, c.Config.CacheMethod, c.now()) {
				c.Timestamps.SetSidecars(cand.path, res.Sidecars)
			}
			c.Timestamps.UpdateSeen(cand.path, []string{cand.user}, cand.episode, c.now())
			// Sidecars count as transferred files of their own.
			summary.Transferred += 1 + len(res.Sidecars)
			summary.BytesTransferred += res.BytesTransferred
			log.Info("cached",
				slog.String("path", cand.path),
				slog.String("source", string(cand.source)),
				slog.String("size", humanize.IBytes(uint64(res.BytesTransferred))),
				slog.Int("sidecars", len(res.Sidecars)))
			return nil
		})
	}
	g.Wait()
}

// shouldRestore applies the retention keep-rules to one tracked entry.
func (c Cycle) shouldRestore(e domain.CachedFile, now time.Time) bool {
	age := now.Sub(e.CachedAt).Hours()
	if age < c.Config.MinRetentionHours {
		return false
	}
	onDeck := c.OnDeck.Contains(e.OriginalPath)
	if c.Config.OnDeckProtected && onDeck {
		return false
	}
	onWatchlist := c.Watchlist.Contains(e.OriginalPath)
	if onWatchlist {
		if days, ok := c.Watchlist.DaysSinceAdded(e.OriginalPath, now); ok && days < float64(c.Config.WatchlistRetentionDays) {
			return false
		}
	}
	// MaxCacheHours zero means no age cap.
	if c.Config.MaxCacheHours > 0 && age >= c.Config.MaxCacheHours {
		return true
	}
	return !onDeck && !onWatchlist
}

func (c Cycle) retentionSweep(ctx context.Context, log *slog.Logger, playing map[string]bool, summary *domain.CycleSummary) {
	now := c.now()
	for _, e := range c.Timestamps.Entries() {
		if ctx.Err() != nil {
			return
		}
		if playing[e.OriginalPath] {
			continue
		}
		if !c.shouldRestore(e, now) {
			continue
		}
		res, err := c.Mover.RestoreToArray(ctx, e.OriginalPath)
		if err != nil {
			metrics.TransferErrorsTotal.Inc()
			log.Warn("restore failed",
				slog.String("path", e.OriginalPath),
				slog.String("error", err.Error()))
			summary.Errors = append(summary.Errors, fmt.Sprintf("restore %s: %v", e.OriginalPath, err))
			continue
		}
		c.Timestamps.Remove(e.OriginalPath)
		summary.Restored++
		summary.BytesRestored += res.BytesTransferred
		log.Info("retention expired, restored to array",
			slog.String("path", e.OriginalPath),
			slog.Float64("age_hours", now.Sub(e.CachedAt).Hours()))
	}
}

// enforceLimit restores the lowest-priority files until usage drops back to
// the target share of the limit. Victims are restored one at a time so a
// failure never over-evicts.
func (c Cycle) enforceLimit(ctx context.Context, log *slog.Logger, playing map[string]bool) *domain.EvictionResult {
	result := &domain.EvictionResult{}
	usage := c.Timestamps.UsageBytes()
	limit := c.Config.CacheLimitBytes
	if limit <= 0 {
		return result
	}
	threshold := int64(float64(limit) * c.Config.EvictionThresholdPercent)
	if usage < threshold {
		return result
	}
	result.Needed = true

	target := usage - int64(float64(limit)*c.Config.EvictionTargetPercent)
	victims := scoring.Candidates(
		c.Timestamps.Entries(),
		target,
		c.Config.EvictionMinPriority,
		playing,
		c.Config.EvictionProtectedHours,
		c.isNextEpisode,
		c.now(),
	)
	log.Info("cache over limit, evicting",
		slog.String("usage", humanize.IBytes(uint64(usage))),
		slog.String("limit", humanize.IBytes(uint64(limit))),
		slog.String("target", humanize.IBytes(uint64(target))),
		slog.Int("victims", len(victims)))

	for _, v := range victims {
		if ctx.Err() != nil {
			break
		}
		if _, err := c.Mover.RestoreToArray(ctx, v.Path); err != nil {
			metrics.TransferErrorsTotal.Inc()
			log.Warn("eviction restore failed",
				slog.String("path", v.Path),
				slog.String("error", err.Error()))
			result.Errors = append(result.Errors, fmt.Sprintf("evict %s: %v", v.Path, err))
			continue
		}
		c.Timestamps.Remove(v.Path)
		result.Performed = true
		result.FilesEvicted++
		result.BytesFreed += v.SizeBytes
		metrics.EvictionsTotal.Inc()
		metrics.EvictionBytesFreed.Add(float64(v.SizeBytes))
		log.Info("evicted",
			slog.String("path", v.Path),
			slog.Int("priority", v.Priority),
			slog.String("size", humanize.IBytes(uint64(v.SizeBytes))))
	}
	return result
}

// isNextEpisode reports whether the entry is within the look-ahead window of
// some user's current on-deck position in the same show.
func (c Cycle) isNextEpisode(e domain.CachedFile) bool {
	ep := e.EpisodeInfo
	if ep == nil || ep.IsCurrentOnDeck {
		return false
	}
	ahead := c.Config.EpisodesAhead
	if ahead <= 0 {
		ahead = 1
	}
	for _, pos := range c.OnDeck.CurrentPositions(ep.Show) {
		if ep.Season == pos[0] && ep.Episode > pos[1] && ep.Episode <= pos[1]+ahead {
			return true
		}
	}
	return false
}

func (c Cycle) persistTrackers(log *slog.Logger) {
	for name, persist := range map[string]func() error{
		"timestamps": c.Timestamps.Persist,
		"watchlist":  c.Watchlist.Persist,
		"ondeck":     c.OnDeck.Persist,
	} {
		if err := persist(); err != nil {
			metrics.TrackerPersistErrors.Inc()
			log.Error("tracker persist failed",
				slog.String("tracker", name),
				slog.String("error", err.Error()))
		}
	}
}

func (c Cycle) updateGauges() {
	metrics.CacheUsageBytes.Set(float64(c.Timestamps.UsageBytes()))
	metrics.CacheLimitBytes.Set(float64(c.Config.CacheLimitBytes))
	perSource := make(map[domain.Source]int)
	for _, e := range c.Timestamps.Entries() {
		perSource[e.Source]++
	}
	metrics.TrackedFiles.Reset()
	for src, n := range perSource {
		metrics.TrackedFiles.WithLabelValues(string(src)).Set(float64(n))
	}
}
