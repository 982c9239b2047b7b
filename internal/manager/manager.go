// Package manager wires the trackers, mover, upstream client and the
// long-running loops into one façade with a start/stop lifecycle.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"cacherr/internal/domain"
	"cacherr/internal/domain/ports"
	"cacherr/internal/tracker"
	"cacherr/internal/usecase"
	"cacherr/internal/watcher"
)

type state int

const (
	stateInit state = iota
	stateRunning
	stateStopped
)

const stopTimeout = 10 * time.Second

// MonitorConfig is the session-monitor slice of the application config.
type MonitorConfig struct {
	Enabled          bool
	Interval         time.Duration
	CacheOnPlayStart bool
	WatchedThreshold float64
}

// Deps carries everything the manager owns. All fields are required except
// CacheRoot, which disables the cache watcher when empty.
type Deps struct {
	Upstream    ports.Upstream
	Mover       ports.Mover
	Timestamps  *tracker.Timestamps
	Watchlist   *tracker.Watchlist
	OnDeck      *tracker.OnDeck
	CycleConfig usecase.CycleConfig
	Monitor     MonitorConfig
	CacheRoot   string
	Logger      *slog.Logger
}

type Manager struct {
	deps    Deps
	cycle   usecase.Cycle
	monitor *usecase.SessionMonitor

	mu        sync.Mutex
	state     state
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastCycle *domain.CycleSummary

	// opMu keeps cycles and reconciliations from interleaving.
	opMu sync.Mutex
}

func New(deps Deps) *Manager {
	m := &Manager{deps: deps}
	m.cycle = usecase.Cycle{
		Upstream:   deps.Upstream,
		Mover:      deps.Mover,
		Timestamps: deps.Timestamps,
		Watchlist:  deps.Watchlist,
		OnDeck:     deps.OnDeck,
		Config:     deps.CycleConfig,
		Logger:     deps.Logger,
	}
	m.monitor = &usecase.SessionMonitor{
		Upstream:         deps.Upstream,
		Mover:            deps.Mover,
		Timestamps:       deps.Timestamps,
		Logger:           deps.Logger,
		Interval:         deps.Monitor.Interval,
		CacheOnPlayStart: deps.Monitor.CacheOnPlayStart,
		WatchedThreshold: deps.Monitor.WatchedThreshold,
		CacheMethod:      deps.CycleConfig.CacheMethod,
	}
	return m
}

// Start verifies the upstream, reconciles tracker state against the
// filesystem and spawns the background loops. An unreachable upstream is
// logged, not fatal: cycles simply find nothing until it comes back.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateInit {
		return fmt.Errorf("start from state %d", m.state)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if _, err := m.deps.Upstream.HasActiveSessions(pingCtx); err != nil {
		m.deps.Logger.Warn("upstream unreachable at startup", slog.String("error", err.Error()))
	}
	cancel()

	result := m.reconciler().Run()
	m.deps.Logger.Info("startup reconciliation",
		slog.Int("orphaned", result.OrphanedFound),
		slog.Int("stale_removed", result.StaleRemoved))

	runCtx, runCancel := context.WithCancel(context.Background())
	m.cancel = runCancel

	if m.deps.Monitor.Enabled {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.monitor.Run(runCtx)
		}()
	}
	if m.deps.CacheRoot != "" {
		w := &watcher.Watcher{
			Root:      m.deps.CacheRoot,
			Logger:    m.deps.Logger,
			OnRemoved: m.onCacheFileRemoved,
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			_ = w.Run(runCtx)
		}()
	}

	m.state = stateRunning
	m.deps.Logger.Info("cache manager started")
	return nil
}

// Stop cancels the background loops and waits up to ten seconds for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateRunning {
		return
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		m.deps.Logger.Warn("stop timed out waiting for background loops")
	}

	m.state = stateStopped
	m.deps.Logger.Info("cache manager stopped")
}

// RunCycle executes one orchestrator pass. Refused outside RUNNING.
func (m *Manager) RunCycle(ctx context.Context) (domain.CycleSummary, error) {
	if !m.running() {
		return domain.CycleSummary{}, domain.ErrNotRunning
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	summary := m.cycle.Run(ctx)
	m.mu.Lock()
	m.lastCycle = &summary
	m.mu.Unlock()
	return summary, nil
}

// Reconcile runs an on-demand reconciliation. Refused outside RUNNING.
func (m *Manager) Reconcile(_ context.Context) (domain.ReconciliationResult, error) {
	if !m.running() {
		return domain.ReconciliationResult{}, domain.ErrNotRunning
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.reconciler().Run(), nil
}

// Stats aggregates tracker and session state for the operator API.
func (m *Manager) Stats() domain.Stats {
	perSource := make(map[domain.Source]int)
	for _, e := range m.deps.Timestamps.Entries() {
		perSource[e.Source]++
	}
	m.mu.Lock()
	last := m.lastCycle
	m.mu.Unlock()
	return domain.Stats{
		UsageBytes:     m.deps.Timestamps.UsageBytes(),
		LimitBytes:     m.deps.CycleConfig.CacheLimitBytes,
		PerSource:      perSource,
		ActiveSessions: m.monitor.Active(),
		TrackedEntries: m.deps.Timestamps.Len(),
		LastCycle:      last,
		UpdatedAt:      time.Now().UTC(),
	}
}

func (m *Manager) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateRunning
}

func (m *Manager) reconciler() usecase.Reconciler {
	return usecase.Reconciler{
		Mover:      m.deps.Mover,
		Timestamps: m.deps.Timestamps,
		Watchlist:  m.deps.Watchlist,
		OnDeck:     m.deps.OnDeck,
		Logger:     m.deps.Logger,
		CacheRoot:  m.deps.CacheRoot,
	}
}

// onCacheFileRemoved drops the tracker row for a cache-tier file that
// disappeared out-of-band. Temp files and unrelated paths never match.
func (m *Manager) onCacheFileRemoved(cachePath string) {
	if _, err := os.Lstat(cachePath); err == nil {
		return
	}
	for _, e := range m.deps.Timestamps.Entries() {
		if e.CachePath != cachePath {
			continue
		}
		m.deps.Timestamps.Remove(e.OriginalPath)
		m.deps.Logger.Warn("cache file removed out-of-band, dropping entry",
			slog.String("path", e.OriginalPath),
			slog.String("cache_path", cachePath))
		return
	}
}
