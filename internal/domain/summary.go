package domain

import "time"

// SkipReason explains why a cycle returned without doing any work.
type SkipReason string

const SkipActiveSessions SkipReason = "active_sessions"

// CycleSummary is the structured result of one orchestrator pass.
type CycleSummary struct {
	RunID            string          `json:"runId"`
	Skipped          SkipReason      `json:"skipped,omitempty"`
	Transferred      int             `json:"transferred"`
	BytesTransferred int64           `json:"bytesTransferred"`
	Restored         int             `json:"restored"`
	BytesRestored    int64           `json:"bytesRestored"`
	Eviction         *EvictionResult `json:"eviction,omitempty"`
	DurationSeconds  float64         `json:"durationSeconds"`
	Errors           []string        `json:"errors,omitempty"`
}

// EvictionResult reports the outcome of the limit-enforcement step.
type EvictionResult struct {
	Needed       bool     `json:"needed"`
	Performed    bool     `json:"performed"`
	FilesEvicted int      `json:"filesEvicted"`
	BytesFreed   int64    `json:"bytesFreed"`
	Errors       []string `json:"errors,omitempty"`
}

// ReconciliationResult reports the startup/on-demand reconcile sweep.
type ReconciliationResult struct {
	FilesChecked   int      `json:"filesChecked"`
	OrphanedFound  int      `json:"orphanedFound"`
	StaleRemoved   int      `json:"staleRemoved"`
	UntrackedFound []string `json:"untrackedFound,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// Stats is the aggregated view exposed by the manager façade.
type Stats struct {
	UsageBytes     int64          `json:"usageBytes"`
	LimitBytes     int64          `json:"limitBytes"`
	PerSource      map[Source]int `json:"perSource"`
	ActiveSessions int            `json:"activeSessions"`
	TrackedEntries int            `json:"trackedEntries"`
	LastCycle      *CycleSummary  `json:"lastCycle,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}
