// Package scoring decides which cached files to keep and which to evict.
// Score is a pure function of the tracker entry and the playback snapshot,
// so identical inputs always produce identical eviction decisions.
package scoring

import (
	"time"

	"cacherr/internal/domain"
)

const (
	baseScore    = 50
	playingScore = 100
)

// Options carries the per-call context Score needs beyond the entry itself.
type Options struct {
	// NextEpisode marks the entry as one of the next few episodes of a show
	// some user is currently working through.
	NextEpisode bool
	// Now anchors age computation.
	Now time.Time
}

// Score maps a tracker entry to a priority in [0,100]. A file that is part
// of an active playback session always scores 100 and is never evictable.
func Score(e domain.CachedFile, isPlaying bool, opts Options) int {
	if isPlaying {
		return playingScore
	}

	score := baseScore
	score += e.Source.Bonus()
	score += userCountBonus(len(e.Users))
	score += ageBonus(opts.Now.Sub(e.CachedAt))
	score += episodeBonus(e.EpisodeInfo, opts.NextEpisode)
	score += accessCountBonus(e.AccessCount)

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func userCountBonus(users int) int {
	bonus := 5 * users
	if bonus > 15 {
		return 15
	}
	return bonus
}

func ageBonus(age time.Duration) int {
	h := age.Hours()
	switch {
	case h < 2:
		return 20
	case h < 6:
		return 15
	case h < 24:
		return 10
	case h < 72:
		return 5
	case h > 336:
		return -20
	case h > 168:
		return -10
	default:
		return 0
	}
}

func episodeBonus(ep *domain.EpisodeInfo, nextEpisode bool) int {
	if ep != nil && ep.IsCurrentOnDeck {
		return 15
	}
	if nextEpisode {
		return 10
	}
	return 0
}

func accessCountBonus(count int) int {
	bonus := 2 * count
	if bonus > 10 {
		return 10
	}
	return bonus
}
