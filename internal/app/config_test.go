package app

import (
	"testing"

	"cacherr/internal/domain"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %s", cfg.HTTPAddr)
	}
	if cfg.CacheMethod != domain.MethodMoveWithSymlink {
		t.Fatalf("CacheMethod = %s", cfg.CacheMethod)
	}
	if cfg.EvictionThresholdPercent != 0.9 {
		t.Fatalf("EvictionThresholdPercent = %v", cfg.EvictionThresholdPercent)
	}
	if cfg.WatchedThresholdPct != 0.85 {
		t.Fatalf("WatchedThresholdPct = %v", cfg.WatchedThresholdPct)
	}
	if !cfg.OnDeckProtected || !cfg.RealtimeEnabled {
		t.Fatalf("protection defaults off: %+v", cfg)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CACHE_LIMIT", "500GB")
	t.Setenv("CACHE_METHOD", "copy")
	t.Setenv("EVICTION_MIN_PRIORITY", "60")
	t.Setenv("SKIP_ONDECK_USERS", "kids, guest")
	t.Setenv("EXIT_IF_ACTIVE_SESSION", "true")

	cfg := LoadConfig()
	if cfg.CacheLimitRaw != "500GB" {
		t.Fatalf("CacheLimitRaw = %s", cfg.CacheLimitRaw)
	}
	if cfg.CacheMethod != domain.MethodCopy {
		t.Fatalf("CacheMethod = %s", cfg.CacheMethod)
	}
	if cfg.EvictionMinPriority != 60 {
		t.Fatalf("EvictionMinPriority = %d", cfg.EvictionMinPriority)
	}
	if len(cfg.SkipOnDeckUsers) != 2 || cfg.SkipOnDeckUsers[1] != "guest" {
		t.Fatalf("SkipOnDeckUsers = %v", cfg.SkipOnDeckUsers)
	}
	if !cfg.ExitIfActiveSession {
		t.Fatalf("ExitIfActiveSession not set")
	}
}

func TestParseCacheLimit(t *testing.T) {
	cases := []struct {
		raw   string
		total int64
		want  int64
		fails bool
	}{
		{raw: "1TB", want: 1_000_000_000_000},
		{raw: "500GB", want: 500_000_000_000},
		{raw: "1GiB", want: 1 << 30},
		{raw: "1048576", want: 1 << 20},
		{raw: "75%", total: 1000, want: 750},
		{raw: "75%", total: 0, fails: true},
		{raw: "150%", total: 1000, fails: true},
		{raw: "0", fails: true},
		{raw: "garbage", fails: true},
		{raw: "", fails: true},
	}
	for _, tc := range cases {
		got, err := ParseCacheLimit(tc.raw, tc.total)
		if tc.fails {
			if err == nil {
				t.Errorf("ParseCacheLimit(%q) succeeded with %d", tc.raw, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCacheLimit(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseCacheLimit(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := LoadConfig()
	cfg.ArraySource = "/mnt/user"
	cfg.CacheDestination = "/mnt/cache"
	cfg.CacheLimitRaw = "10GB"
	if err := cfg.Validate(0); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.CacheLimitBytes != 10_000_000_000 {
		t.Fatalf("CacheLimitBytes = %d", cfg.CacheLimitBytes)
	}

	bad := cfg
	bad.CacheDestination = bad.ArraySource
	if err := bad.Validate(0); err == nil {
		t.Fatalf("same source and destination accepted")
	}

	bad = cfg
	bad.CacheMethod = "teleport"
	if err := bad.Validate(0); err == nil {
		t.Fatalf("invalid cache method accepted")
	}

	bad = cfg
	bad.EvictionTargetPercent = 0.95
	bad.EvictionThresholdPercent = 0.9
	if err := bad.Validate(0); err == nil {
		t.Fatalf("target above threshold accepted")
	}
}
