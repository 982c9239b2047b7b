package domain

// SessionState is the playback state reported by the upstream media server.
type SessionState string

const (
	SessionPlaying   SessionState = "playing"
	SessionPaused    SessionState = "paused"
	SessionBuffering SessionState = "buffering"
)

// Session is one active playback reported by the upstream.
type Session struct {
	SessionKey string       `json:"sessionKey"`
	UserID     string       `json:"userId"`
	Username   string       `json:"username"`
	FilePath   string       `json:"filePath"`
	State      SessionState `json:"state"`
	Progress   float64      `json:"progress"` // 0.0–1.0 viewed fraction
}

// EvictionCandidate is the transient tuple produced by the scorer.
type EvictionCandidate struct {
	Path      string `json:"path"`
	Priority  int    `json:"priority"`
	SizeBytes int64  `json:"sizeBytes"`
}
