// Package activity fetches player activity from the Chess.com public API.
//
// A player is "online" when the to-move endpoint lists any ongoing game and
// "active" when at least one of those games is waiting on a move (move_by and
// turn both present). Rate limiting is the caller's job: the detector owns a
// per-run limiter and wraps every call to FetchStatus with it.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/albapepper/matchwatch/internal/httpx"
	"github.com/albapepper/matchwatch/internal/model"
)

// ErrNotFound means the player does not exist upstream. Callers skip it.
var ErrNotFound = errors.New("player not found")

// RateLimitError is returned on HTTP 429. RetryAfter is zero when the
// response carried no usable hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("activity API rate limited, retry after %s", e.RetryAfter)
	}
	return "activity API rate limited"
}

// StatusError is any other non-200 response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("activity API returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout
}

// Game is one ongoing daily or live game listed for the player.
type Game struct {
	URL         string `json:"url"`
	Turn        string `json:"turn"`
	MoveBy      int64  `json:"move_by"`
	TimeControl string `json:"time_control"`
}

// AwaitingMove reports whether the game is waiting on a move.
func (g Game) AwaitingMove() bool {
	return g.MoveBy > 0 && g.Turn != ""
}

// Status is the decoded activity for one player.
type Status struct {
	Username string
	Games    []Game
}

// Snapshot converts the status to a stored snapshot. The first game awaiting
// a move supplies the session reference and time control.
func (s Status) Snapshot(at time.Time) model.StatusSnapshot {
	snap := model.StatusSnapshot{
		EntityID:  s.Username,
		Online:    len(s.Games) > 0,
		CheckedAt: at,
	}
	for _, g := range s.Games {
		if g.AwaitingMove() {
			snap.Active = true
			snap.SessionRef = g.URL
			snap.TimeControl = g.TimeControl
			break
		}
	}
	return snap
}

// Client calls the Chess.com public API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	logger     *slog.Logger
}

// NewClient creates a client. timeout bounds each request.
func NewClient(baseURL, userAgent string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		logger:     logger,
	}
}

// FetchStatus returns the current activity for a player.
func (c *Client) FetchStatus(ctx context.Context, username string) (Status, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	path := "/pub/player/" + url.PathEscape(username) + "/games/to-move"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return Status{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("http request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Status{}, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Status{}, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return Status{}, &RateLimitError{RetryAfter: httpx.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode != http.StatusOK:
		return Status{}, &StatusError{StatusCode: resp.StatusCode, Body: httpx.Truncate(body, 200)}
	}

	var decoded struct {
		Games []Game `json:"games"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Status{}, fmt.Errorf("decode response: %w", err)
	}
	return Status{Username: username, Games: decoded.Games}, nil
}
