package domain

import (
	"errors"
	"time"
)

// CacheMethod controls what happens to the bulk-tier original after a
// successful transfer to the cache tier.
type CacheMethod string

const (
	MethodMove            CacheMethod = "move"
	MethodCopy            CacheMethod = "copy"
	MethodMoveWithSymlink CacheMethod = "move_with_symlink"
)

func ParseCacheMethod(raw string) (CacheMethod, error) {
	switch CacheMethod(raw) {
	case MethodMove, MethodCopy, MethodMoveWithSymlink:
		return CacheMethod(raw), nil
	}
	return "", errors.New("invalid cache method: " + raw)
}

// EpisodeInfo identifies a TV episode and whether it is the user's current
// on-deck position within the show.
type EpisodeInfo struct {
	Show            string `json:"show"`
	Season          int    `json:"season"`
	Episode         int    `json:"episode"`
	IsCurrentOnDeck bool   `json:"isCurrentOndeck"`
}

// CachedFile is one file resident on the cache tier. Identity is
// OriginalPath — the canonical bulk-tier path; two entries with the same
// OriginalPath are the same file.
type CachedFile struct {
	OriginalPath  string       `json:"originalPath"`
	CachePath     string       `json:"cachePath"`
	Source        Source       `json:"source"`
	Users         []string     `json:"users,omitempty"`
	CachedAt      time.Time    `json:"cachedAt"`
	LastSeen      time.Time    `json:"lastSeen"`
	WatchedAt     *time.Time   `json:"watchedAt,omitempty"`
	FileSizeBytes int64        `json:"fileSizeBytes"`
	EpisodeInfo   *EpisodeInfo `json:"episodeInfo,omitempty"`
	AccessCount   int          `json:"accessCount"`
	CacheMethod   CacheMethod  `json:"cacheMethod"`
	Sidecars      []string     `json:"sidecars,omitempty"`
}

// Validate checks domain invariants for CachedFile.
func (f CachedFile) Validate() error {
	if f.OriginalPath == "" {
		return errors.New("original path is required")
	}
	if f.FileSizeBytes < 0 {
		return errors.New("fileSizeBytes must not be negative")
	}
	if f.CachedAt.IsZero() {
		return errors.New("cachedAt is required")
	}
	if !f.Source.Valid() {
		return errors.New("invalid source: " + string(f.Source))
	}
	return nil
}

// HasUser reports whether the given user currently holds this file on a list.
func (f CachedFile) HasUser(user string) bool {
	for _, u := range f.Users {
		if u == user {
			return true
		}
	}
	return false
}

// AgeAt returns how long the file has been cached as of now.
func (f CachedFile) AgeAt(now time.Time) time.Duration {
	return now.Sub(f.CachedAt)
}
