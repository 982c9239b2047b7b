package scoring

import (
	"sort"
	"time"

	"cacherr/internal/domain"
)

// Candidates selects eviction victims from the tracked entries. Files that
// are playing or younger than protectedHours are never returned; the rest
// are scored, filtered to those below minPriority, sorted lowest score first
// (ties broken by oldest CachedAt), and taken until the cumulative size
// reaches targetBytes. Output is deterministic for identical inputs.
func Candidates(
	entries []domain.CachedFile,
	targetBytes int64,
	minPriority int,
	playingPaths map[string]bool,
	protectedHours float64,
	nextEpisode func(domain.CachedFile) bool,
	now time.Time,
) []domain.EvictionCandidate {
	type scored struct {
		entry domain.CachedFile
		prio  int
	}

	var pool []scored
	for _, e := range entries {
		if playingPaths[e.OriginalPath] {
			continue
		}
		if now.Sub(e.CachedAt).Hours() < protectedHours {
			continue
		}
		isNext := nextEpisode != nil && nextEpisode(e)
		prio := Score(e, false, Options{NextEpisode: isNext, Now: now})
		if prio >= minPriority {
			continue
		}
		pool = append(pool, scored{entry: e, prio: prio})
	}

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].prio != pool[j].prio {
			return pool[i].prio < pool[j].prio
		}
		if !pool[i].entry.CachedAt.Equal(pool[j].entry.CachedAt) {
			return pool[i].entry.CachedAt.Before(pool[j].entry.CachedAt)
		}
		return pool[i].entry.OriginalPath < pool[j].entry.OriginalPath
	})

	var out []domain.EvictionCandidate
	var cumulative int64
	for _, s := range pool {
		if cumulative >= targetBytes {
			break
		}
		out = append(out, domain.EvictionCandidate{
			Path:      s.entry.OriginalPath,
			Priority:  s.prio,
			SizeBytes: s.entry.FileSizeBytes,
		})
		cumulative += s.entry.FileSizeBytes
	}
	return out
}
