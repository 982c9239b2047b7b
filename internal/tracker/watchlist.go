package tracker

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// watchlistDoc is the on-disk shape of one watchlist_tracker.json entry.
type watchlistDoc struct {
	AddedAt  time.Time `json:"added_at"`
	Users    []string  `json:"users"`
	LastSeen time.Time `json:"last_seen"`
}

// Watchlist is the additive watchlist tracker: entries accumulate across
// cycles and are only removed by cleanup.
type Watchlist struct {
	mu      sync.RWMutex
	path    string
	entries map[string]*watchlistDoc
	dirty   bool
	logger  *slog.Logger
}

func NewWatchlist(path string, logger *slog.Logger) *Watchlist {
	w := &Watchlist{
		path:    path,
		entries: make(map[string]*watchlistDoc),
		logger:  logger,
	}
	var raw map[string]*watchlistDoc
	if loadJSON(path, &raw, logger) {
		for p, doc := range raw {
			if doc != nil {
				w.entries[p] = doc
			}
		}
	}
	return w
}

// Update appends user to the entry's user set if new, refreshes LastSeen and
// advances AddedAt only when the upstream reports a newer add time.
func (w *Watchlist) Update(path, user string, addedAt, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	doc, ok := w.entries[path]
	if !ok {
		at := addedAt
		if at.IsZero() {
			at = now
		}
		w.entries[path] = &watchlistDoc{
			AddedAt:  at.UTC(),
			Users:    []string{user},
			LastSeen: now.UTC(),
		}
		w.dirty = true
		return
	}
	found := false
	for _, u := range doc.Users {
		if u == user {
			found = true
			break
		}
	}
	if !found {
		doc.Users = append(doc.Users, user)
		sort.Strings(doc.Users)
	}
	doc.LastSeen = now.UTC()
	if !addedAt.IsZero() && addedAt.After(doc.AddedAt) {
		doc.AddedAt = addedAt.UTC()
	}
	w.dirty = true
}

// Contains reports whether path is on any user's watchlist.
func (w *Watchlist) Contains(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.entries[path]
	return ok
}

// Users returns the users holding path on their watchlist.
func (w *Watchlist) Users(path string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	doc, ok := w.entries[path]
	if !ok {
		return nil
	}
	out := make([]string, len(doc.Users))
	copy(out, doc.Users)
	return out
}

// DaysSinceAdded returns how many days ago path was first added.
func (w *Watchlist) DaysSinceAdded(path string, now time.Time) (float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	doc, ok := w.entries[path]
	if !ok {
		return 0, false
	}
	return now.Sub(doc.AddedAt).Hours() / 24, true
}

// Len returns the number of tracked entries.
func (w *Watchlist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Paths returns all tracked paths, sorted.
func (w *Watchlist) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.entries))
	for p := range w.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// CleanupStale removes entries not seen in any discovery scan for more than
// maxDays days, returning the number removed.
func (w *Watchlist) CleanupStale(maxDays int, now time.Time) int {
	if maxDays <= 0 {
		maxDays = 7
	}
	cutoff := now.Add(-time.Duration(maxDays) * 24 * time.Hour)
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for p, doc := range w.entries {
		if doc.LastSeen.Before(cutoff) {
			delete(w.entries, p)
			removed++
		}
	}
	if removed > 0 {
		w.dirty = true
	}
	return removed
}

// CleanupMissing removes entries whose path no longer exists on either tier.
func (w *Watchlist) CleanupMissing(exists func(path string) bool) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for p := range w.entries {
		if !exists(p) {
			delete(w.entries, p)
			removed++
		}
	}
	if removed > 0 {
		w.dirty = true
	}
	return removed
}

// Persist atomically writes the tracker to disk when dirty.
func (w *Watchlist) Persist() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirty {
		return nil
	}
	if err := saveJSON(w.path, w.entries); err != nil {
		return err
	}
	w.dirty = false
	return nil
}
