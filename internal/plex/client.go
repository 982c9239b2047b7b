// Package plex adapts the upstream media server's HTTP API to the narrow
// ports.Upstream surface the core consumes. Failures never escape as raw
// transport errors: every call wraps domain.ErrUpstream so callers can treat
// a failed call as an empty result and move on.
package plex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"cacherr/internal/domain"
	"cacherr/internal/domain/ports"
	"cacherr/internal/metrics"
)

const defaultCallTimeout = 30 * time.Second

type Config struct {
	BaseURL     string
	Token       string
	CallTimeout time.Duration
	// RequestsPerSecond bounds the request rate against the media server.
	// Zero disables limiting.
	RequestsPerSecond float64
}

type Client struct {
	baseURL     string
	token       string
	callTimeout time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
}

var _ ports.Upstream = (*Client)(nil)

func New(cfg Config) *Client {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1)
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		token:       cfg.Token,
		callTimeout: timeout,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
	}
}

// ---- wire shapes -----------------------------------------------------------

type ondeckEntry struct {
	FilePath  string `json:"filePath"`
	User      string `json:"user"`
	MediaType string `json:"mediaType"`
	Show      string `json:"show,omitempty"`
	Season    int    `json:"season,omitempty"`
	Episode   int    `json:"episode,omitempty"`
}

type episodeEntry struct {
	FilePath string `json:"filePath"`
	Show     string `json:"show"`
	Season   int    `json:"season"`
	Episode  int    `json:"episode"`
}

type watchlistEntry struct {
	Title   string `json:"title"`
	AddedAt int64  `json:"addedAt"`
}

type lookupEntry struct {
	FilePath  string `json:"filePath"`
	MediaType string `json:"mediaType"`
	Show      string `json:"show,omitempty"`
	Season    int    `json:"season,omitempty"`
	Episode   int    `json:"episode,omitempty"`
}

type sessionEntry struct {
	SessionKey string  `json:"sessionKey"`
	UserID     string  `json:"userId"`
	Username   string  `json:"username"`
	FilePath   string  `json:"filePath"`
	State      string  `json:"state"`
	ViewOffset float64 `json:"viewOffset"`
	Duration   float64 `json:"duration"`
}

// ---- operations ------------------------------------------------------------

// ListOnDeck returns on-deck items for every non-skipped user, expanded with
// the next episodesAhead episodes of each show.
func (c *Client) ListOnDeck(ctx context.Context, episodesAhead, daysToMonitor int, skipUsers []string) ([]ports.OnDeckItem, error) {
	skip := toSet(skipUsers)

	var entries []ondeckEntry
	q := url.Values{}
	if daysToMonitor > 0 {
		q.Set("days", strconv.Itoa(daysToMonitor))
	}
	if err := c.get(ctx, "ondeck", "/on-deck", q, &entries); err != nil {
		return nil, err
	}

	var items []ports.OnDeckItem
	for _, e := range entries {
		if skip[e.User] || e.FilePath == "" {
			continue
		}
		item := ports.OnDeckItem{FilePath: e.FilePath, User: e.User}
		if e.MediaType == "episode" {
			item.Episode = &domain.EpisodeInfo{
				Show:            e.Show,
				Season:          e.Season,
				Episode:         e.Episode,
				IsCurrentOnDeck: true,
			}
		}
		items = append(items, item)

		if e.MediaType == "episode" && episodesAhead > 0 {
			for _, next := range c.nextEpisodes(ctx, e, episodesAhead) {
				items = append(items, ports.OnDeckItem{
					FilePath: next.FilePath,
					User:     e.User,
					Episode: &domain.EpisodeInfo{
						Show:    next.Show,
						Season:  next.Season,
						Episode: next.Episode,
					},
				})
			}
		}
	}
	return items, nil
}

// nextEpisodes fetches the episodes following the given on-deck position.
// A lookup failure only loses the look-ahead, never the on-deck item itself.
func (c *Client) nextEpisodes(ctx context.Context, e ondeckEntry, count int) []episodeEntry {
	q := url.Values{}
	q.Set("show", e.Show)
	q.Set("afterSeason", strconv.Itoa(e.Season))
	q.Set("afterEpisode", strconv.Itoa(e.Episode))
	q.Set("limit", strconv.Itoa(count))

	var next []episodeEntry
	if err := c.get(ctx, "next_episodes", "/library/episodes", q, &next); err != nil {
		return nil
	}
	return next
}

// ListWatchlist resolves every non-skipped user's watchlist titles to
// library files; shows expand to up to episodesPerShow unwatched episodes.
func (c *Client) ListWatchlist(ctx context.Context, episodesPerShow int, skipUsers []string) ([]ports.WatchlistItem, error) {
	skip := toSet(skipUsers)

	var users []string
	if err := c.get(ctx, "users", "/users", nil, &users); err != nil {
		return nil, err
	}

	var items []ports.WatchlistItem
	for _, user := range users {
		if skip[user] {
			continue
		}
		q := url.Values{}
		q.Set("user", user)
		var titles []watchlistEntry
		if err := c.get(ctx, "watchlist", "/watchlist", q, &titles); err != nil {
			// One user's watchlist failing does not lose the others.
			continue
		}
		for _, t := range titles {
			for _, f := range c.lookupTitle(ctx, t.Title, episodesPerShow) {
				item := ports.WatchlistItem{
					FilePath: f.FilePath,
					User:     user,
					AddedAt:  t.AddedAt,
				}
				if f.MediaType == "episode" {
					item.Episode = &domain.EpisodeInfo{
						Show:    f.Show,
						Season:  f.Season,
						Episode: f.Episode,
					}
				}
				items = append(items, item)
			}
		}
	}
	return items, nil
}

// lookupTitle resolves a watchlist title to concrete library files. Shows
// return their unwatched episodes in chronological order.
func (c *Client) lookupTitle(ctx context.Context, title string, episodesPerShow int) []lookupEntry {
	q := url.Values{}
	q.Set("title", title)
	q.Set("unwatched", "true")
	if episodesPerShow > 0 {
		q.Set("limit", strconv.Itoa(episodesPerShow))
	}
	var files []lookupEntry
	if err := c.get(ctx, "library_lookup", "/library/lookup", q, &files); err != nil {
		return nil
	}
	return files
}

// ListSessions returns a snapshot of current playback.
func (c *Client) ListSessions(ctx context.Context) ([]domain.Session, error) {
	var entries []sessionEntry
	if err := c.get(ctx, "sessions", "/sessions", nil, &entries); err != nil {
		return nil, err
	}
	sessions := make([]domain.Session, 0, len(entries))
	for _, e := range entries {
		var progress float64
		if e.Duration > 0 {
			progress = e.ViewOffset / e.Duration
		}
		sessions = append(sessions, domain.Session{
			SessionKey: e.SessionKey,
			UserID:     e.UserID,
			Username:   e.Username,
			FilePath:   e.FilePath,
			State:      parseSessionState(e.State),
			Progress:   progress,
		})
	}
	return sessions, nil
}

// ListWatchedFiles returns paths the server marks watched in the given
// library sections.
func (c *Client) ListWatchedFiles(ctx context.Context, librarySections []string) ([]string, error) {
	var out []string
	for _, section := range librarySections {
		q := url.Values{}
		q.Set("section", section)
		var paths []string
		if err := c.get(ctx, "watched_files", "/library/watched", q, &paths); err != nil {
			return nil, err
		}
		out = append(out, paths...)
	}
	return out, nil
}

// HasActiveSessions is the lightweight gate used before starting a cycle.
func (c *Client) HasActiveSessions(ctx context.Context) (bool, error) {
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return false, err
	}
	return len(sessions) > 0, nil
}

// ---- transport -------------------------------------------------------------

func (c *Client) get(ctx context.Context, operation, path string, query url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Plex-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues(operation).Inc()
		return fmt.Errorf("%w: %s: %v", domain.ErrUpstream, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.UpstreamErrorsTotal.WithLabelValues(operation).Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: %s: status %d: %s", domain.ErrUpstream, operation, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues(operation).Inc()
		return fmt.Errorf("%w: %s: decode: %v", domain.ErrUpstream, operation, err)
	}
	return nil
}

func parseSessionState(raw string) domain.SessionState {
	switch raw {
	case "paused":
		return domain.SessionPaused
	case "buffering":
		return domain.SessionBuffering
	default:
		return domain.SessionPlaying
	}
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
