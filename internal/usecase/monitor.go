package usecase

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"cacherr/internal/domain"
	"cacherr/internal/domain/ports"
	"cacherr/internal/metrics"
	"cacherr/internal/tracker"
)

// SessionMonitor watches playback between cycles. New sessions can trigger
// reactive caching, sessions crossing the watched threshold are marked
// watched. It shares the mover and trackers with the cycle but never holds
// the cycle mutex.
type SessionMonitor struct {
	Upstream   ports.Upstream
	Mover      ports.Mover
	Timestamps *tracker.Timestamps
	Logger     *slog.Logger

	Interval         time.Duration
	CacheOnPlayStart bool
	WatchedThreshold float64 // viewed fraction, default 0.85
	CacheMethod      domain.CacheMethod

	active      map[string]domain.Session
	activeCount atomic.Int64
}

// Active returns the session count from the latest poll.
func (m *SessionMonitor) Active() int {
	return int(m.activeCount.Load())
}

// Run ticks until ctx is cancelled. In-flight transfers finish; new ones
// check ctx first.
func (m *SessionMonitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.active = make(map[string]domain.Session)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.Logger.Info("session monitor started", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			m.Logger.Info("session monitor stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *SessionMonitor) tick(ctx context.Context) {
	current, err := m.Upstream.ListSessions(ctx)
	if err != nil {
		m.Logger.Warn("session poll failed", slog.String("error", err.Error()))
		return
	}

	snapshot := make(map[string]domain.Session, len(current))
	for _, s := range current {
		snapshot[s.SessionKey] = s
		if _, known := m.active[s.SessionKey]; known {
			m.updated(s)
		} else {
			m.started(ctx, s)
		}
	}
	for key, s := range m.active {
		if _, still := snapshot[key]; !still {
			// Ended: nothing to do now, the next cycle re-evaluates the file.
			m.Logger.Debug("session ended",
				slog.String("session", key),
				slog.String("user", s.Username))
		}
	}
	m.active = snapshot
	m.activeCount.Store(int64(len(snapshot)))
	metrics.ActiveSessions.Set(float64(len(snapshot)))

	if err := m.Timestamps.Persist(); err != nil {
		metrics.TrackerPersistErrors.Inc()
		m.Logger.Error("tracker persist failed", slog.String("error", err.Error()))
	}
}

func (m *SessionMonitor) started(ctx context.Context, s domain.Session) {
	m.Logger.Info("session started",
		slog.String("user", s.Username),
		slog.String("path", s.FilePath))
	m.Timestamps.IncrementAccess(s.FilePath)

	if !m.CacheOnPlayStart || s.FilePath == "" || ctx.Err() != nil {
		return
	}
	if m.Mover.IsCached(s.FilePath) {
		return
	}
	res, err := m.Mover.CopyToCache(ctx, s.FilePath)
	if err != nil {
		metrics.TransferErrorsTotal.Inc()
		m.Logger.Warn("play-start transfer failed",
			slog.String("path", s.FilePath),
			slog.String("error", err.Error()))
		return
	}
	m.Timestamps.Record(s.FilePath, domain.SourceActiveWatching, res.FileBytes, res.DestPath, m.CacheMethod, time.Now())
	m.Timestamps.SetSidecars(s.FilePath, res.Sidecars)
	m.Logger.Info("cached on play start", slog.String("path", s.FilePath))
}

func (m *SessionMonitor) updated(s domain.Session) {
	threshold := m.WatchedThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	// MarkWatched keeps the first timestamp, so re-crossing is harmless.
	if s.Progress >= threshold {
		if m.Timestamps.MarkWatched(s.FilePath, time.Now()) {
			m.Logger.Info("marked watched",
				slog.String("user", s.Username),
				slog.String("path", s.FilePath))
		}
	}
}
