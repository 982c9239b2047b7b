package tracker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"cacherr/internal/domain"
)

// ondeckDoc is the on-disk shape of one ondeck_tracker.json entry.
type ondeckDoc struct {
	Users       []string            `json:"users"`
	LastSeen    time.Time           `json:"last_seen"`
	EpisodeInfo *domain.EpisodeInfo `json:"episode_info,omitempty"`
}

// OnDeck is the ephemeral on-deck tracker. It is cleared at the start of
// every cycle and refilled from the upstream discovery scan, so entries
// never outlive the scan that produced them.
type OnDeck struct {
	mu      sync.RWMutex
	path    string
	entries map[string]*ondeckDoc
	dirty   bool
	logger  *slog.Logger
}

func NewOnDeck(path string, logger *slog.Logger) *OnDeck {
	o := &OnDeck{
		path:    path,
		entries: make(map[string]*ondeckDoc),
		logger:  logger,
	}
	var raw map[string]*ondeckDoc
	if loadJSON(path, &raw, logger) {
		for p, doc := range raw {
			if doc != nil {
				o.entries[p] = doc
			}
		}
	}
	return o
}

// Clear drops all entries. Called at the start of every cycle.
func (o *OnDeck) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.entries) > 0 {
		o.dirty = true
	}
	o.entries = make(map[string]*ondeckDoc)
}

// Update records path as on-deck for user.
func (o *OnDeck) Update(path, user string, episode *domain.EpisodeInfo, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	doc, ok := o.entries[path]
	if !ok {
		doc = &ondeckDoc{}
		o.entries[path] = doc
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
	if episode != nil {
		doc.EpisodeInfo = episode
	}
	o.dirty = true
}

// Contains reports whether path appeared in the current discovery scan.
func (o *OnDeck) Contains(path string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.entries[path]
	return ok
}

// Users returns the users for whom path is on deck.
func (o *OnDeck) Users(path string) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	doc, ok := o.entries[path]
	if !ok {
		return nil
	}
	out := make([]string, len(doc.Users))
	copy(out, doc.Users)
	return out
}

// Episode returns the episode info recorded for path, if any.
func (o *OnDeck) Episode(path string) *domain.EpisodeInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	doc, ok := o.entries[path]
	if !ok || doc.EpisodeInfo == nil {
		return nil
	}
	ep := *doc.EpisodeInfo
	return &ep
}

// Len returns the number of tracked entries.
func (o *OnDeck) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}

// CurrentPositions returns the sorted (season, episode) positions recorded
// for the given show across all users.
func (o *OnDeck) CurrentPositions(show string) [][2]int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out [][2]int
	seen := make(map[[2]int]bool)
	for _, doc := range o.entries {
		ep := doc.EpisodeInfo
		if ep == nil || ep.Show != show {
			continue
		}
		pos := [2]int{ep.Season, ep.Episode}
		if !seen[pos] {
			seen[pos] = true
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// CleanupMissing removes entries whose path no longer exists on either tier.
func (o *OnDeck) CleanupMissing(exists func(path string) bool) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for p := range o.entries {
		if !exists(p) {
			delete(o.entries, p)
			removed++
		}
	}
	if removed > 0 {
		o.dirty = true
	}
	return removed
}

// Persist atomically writes the tracker to disk when dirty.
func (o *OnDeck) Persist() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.dirty {
		return nil
	}
	if err := saveJSON(o.path, o.entries); err != nil {
		return err
	}
	o.dirty = false
	return nil
}
