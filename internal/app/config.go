// Package app holds process configuration loaded from the environment.
package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"cacherr/internal/domain"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ArraySource      string
	CacheDestination string
	StateDir         string
	CacheLimitRaw    string
	CacheLimitBytes  int64
	CacheMethod      domain.CacheMethod

	PlexURL   string
	PlexToken string

	MinRetentionHours      float64
	MaxCacheHours          float64
	WatchlistRetentionDays int
	OnDeckProtected        bool

	EvictionEnabled          bool
	EvictionThresholdPercent float64
	EvictionTargetPercent    float64
	EvictionMinPriority      int
	EvictionProtectedHours   float64

	ExitIfActiveSession   bool
	RealtimeEnabled       bool
	RealtimeCheckInterval int // seconds
	CacheOnPlayStart      bool
	WatchedThresholdPct   float64
	CycleIntervalMinutes  int
	MaxConcurrentToCache  int64
	MaxConcurrentToArray  int64
	EpisodesAhead         int
	WatchlistEpisodesShow int
	DaysToMonitor         int
	WatchlistEnabled      bool
	SkipOnDeckUsers       []string
	SkipWatchlistUsers    []string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),

		ArraySource:      getEnv("ARRAY_SOURCE", "/mnt/user"),
		CacheDestination: getEnv("CACHE_DESTINATION", "/mnt/cache"),
		StateDir:         getEnv("STATE_DIR", "data"),
		CacheLimitRaw:    getEnv("CACHE_LIMIT", "90%"),
		CacheMethod:      domain.CacheMethod(strings.ToLower(getEnv("CACHE_METHOD", "move_with_symlink"))),

		PlexURL:   getEnv("PLEX_URL", "http://localhost:32400"),
		PlexToken: getEnv("PLEX_TOKEN", ""),

		MinRetentionHours:      getEnvFloat("MIN_RETENTION_HOURS", 6),
		MaxCacheHours:          getEnvFloat("MAX_CACHE_HOURS", 72),
		WatchlistRetentionDays: int(getEnvInt64("WATCHLIST_RETENTION_DAYS", 7)),
		OnDeckProtected:        getEnvBool("ONDECK_PROTECTED", true),

		EvictionEnabled:          getEnvBool("EVICTION_ENABLED", true),
		EvictionThresholdPercent: getEnvFloat("EVICTION_THRESHOLD_PERCENT", 90) / 100,
		EvictionTargetPercent:    getEnvFloat("EVICTION_TARGET_PERCENT", 75) / 100,
		EvictionMinPriority:      int(getEnvInt64("EVICTION_MIN_PRIORITY", 50)),
		EvictionProtectedHours:   getEnvFloat("EVICTION_PROTECTED_HOURS", 2),

		ExitIfActiveSession:   getEnvBool("EXIT_IF_ACTIVE_SESSION", false),
		RealtimeEnabled:       getEnvBool("REALTIME_ENABLED", true),
		RealtimeCheckInterval: int(getEnvInt64("REALTIME_CHECK_INTERVAL_SECONDS", 30)),
		CacheOnPlayStart:      getEnvBool("CACHE_ON_PLAY_START", true),
		WatchedThresholdPct:   getEnvFloat("WATCHED_THRESHOLD_PERCENT", 85) / 100,
		CycleIntervalMinutes:  int(getEnvInt64("CYCLE_INTERVAL_MINUTES", 60)),
		MaxConcurrentToCache:  getEnvInt64("MAX_CONCURRENT_TO_CACHE", 2),
		MaxConcurrentToArray:  getEnvInt64("MAX_CONCURRENT_TO_ARRAY", 2),
		EpisodesAhead:         int(getEnvInt64("EPISODES_AHEAD", 2)),
		WatchlistEpisodesShow: int(getEnvInt64("WATCHLIST_EPISODES_PER_SHOW", 3)),
		DaysToMonitor:         int(getEnvInt64("DAYS_TO_MONITOR", 30)),
		WatchlistEnabled:      getEnvBool("WATCHLIST_ENABLED", true),
		SkipOnDeckUsers:       getEnvList("SKIP_ONDECK_USERS"),
		SkipWatchlistUsers:    getEnvList("SKIP_WATCHLIST_USERS"),
	}
}

// Validate resolves the cache limit and checks the fatal config class.
// Called once at startup; any error here aborts the process.
func (c *Config) Validate(cacheTotalBytes int64) error {
	if c.ArraySource == "" || c.CacheDestination == "" {
		return errors.New("ARRAY_SOURCE and CACHE_DESTINATION are required")
	}
	if c.ArraySource == c.CacheDestination {
		return errors.New("ARRAY_SOURCE and CACHE_DESTINATION must differ")
	}
	if _, err := domain.ParseCacheMethod(string(c.CacheMethod)); err != nil {
		return err
	}
	limit, err := ParseCacheLimit(c.CacheLimitRaw, cacheTotalBytes)
	if err != nil {
		return fmt.Errorf("CACHE_LIMIT: %w", err)
	}
	c.CacheLimitBytes = limit
	if c.EvictionTargetPercent > c.EvictionThresholdPercent {
		return errors.New("EVICTION_TARGET_PERCENT must not exceed EVICTION_THRESHOLD_PERCENT")
	}
	return nil
}

// ParseCacheLimit understands absolute sizes ("1TB", "500GiB", raw bytes)
// and percentages of the cache filesystem ("75%").
func ParseCacheLimit(raw string, cacheTotalBytes int64) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty value")
	}
	if strings.HasSuffix(raw, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
		if err != nil || pct <= 0 || pct > 100 {
			return 0, fmt.Errorf("invalid percentage %q", raw)
		}
		if cacheTotalBytes <= 0 {
			return 0, errors.New("cache filesystem size unknown, absolute limit required")
		}
		return int64(float64(cacheTotalBytes) * pct / 100), nil
	}
	bytes, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %v", raw, err)
	}
	if bytes == 0 {
		return 0, errors.New("limit must be positive")
	}
	return int64(bytes), nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func getEnvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
