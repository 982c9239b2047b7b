package domain

// Source records where the decision to cache a file came from.
type Source string

const (
	SourceOnDeck         Source = "ondeck"
	SourceContinueWatch  Source = "continue-watching"
	SourceWatchlist      Source = "watchlist"
	SourceTraktTrending  Source = "trakt-trending"
	SourceActiveWatching Source = "active-watching"
	SourceManual         Source = "manual"
	SourceUnknown        Source = "unknown"
)

// Bonus returns the priority contribution of the source when scoring a
// cached file for eviction.
func (s Source) Bonus() int {
	switch s {
	case SourceOnDeck:
		return 20
	case SourceContinueWatch, SourceActiveWatching:
		return 15
	case SourceWatchlist:
		return 10
	case SourceTraktTrending:
		return 5
	default:
		return 0
	}
}

func (s Source) Valid() bool {
	switch s {
	case SourceOnDeck, SourceContinueWatch, SourceWatchlist, SourceTraktTrending,
		SourceActiveWatching, SourceManual, SourceUnknown:
		return true
	}
	return false
}
