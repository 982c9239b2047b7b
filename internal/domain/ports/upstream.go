package ports

import (
	"context"

	"cacherr/internal/domain"
)

// OnDeckItem is one file the upstream marks as next-up for a user.
type OnDeckItem struct {
	FilePath string
	User     string
	Episode  *domain.EpisodeInfo
}

// WatchlistItem is one library file resolved from a user's watchlist title.
type WatchlistItem struct {
	FilePath string
	User     string
	AddedAt  int64 // unix seconds; 0 when the upstream does not report it
	Episode  *domain.EpisodeInfo
}

// Upstream is the narrow media-server adapter the core consumes. Failed calls
// wrap domain.ErrUpstream; callers treat them as empty results and continue.
type Upstream interface {
	ListOnDeck(ctx context.Context, episodesAhead, daysToMonitor int, skipUsers []string) ([]OnDeckItem, error)
	ListWatchlist(ctx context.Context, episodesPerShow int, skipUsers []string) ([]WatchlistItem, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	ListWatchedFiles(ctx context.Context, librarySections []string) ([]string, error)
	HasActiveSessions(ctx context.Context) (bool, error)
}
