// Package api talks to the scoresheets server over its JSON HTTP API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Cryborg/scoresheets-sync/internal/apperr"
)

// RemoteSession is a session as the server reports it.
type RemoteSession struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	GameID       string         `json:"game_id"`
	GameName     string         `json:"game_name"`
	Status       string         `json:"status"`
	PlayerNames  []string       `json:"player_names,omitempty"`
	Players      []RemotePlayer `json:"players,omitempty"`
	LastActivity int64          `json:"last_activity"`
}

// RemotePlayer is a player as the server reports it.
type RemotePlayer struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// CreateSessionRequest asks the server to create a session with its players.
type CreateSessionRequest struct {
	Name        string   `json:"name"`
	GameID      string   `json:"game_id"`
	GameName    string   `json:"game_name,omitempty"`
	PlayerNames []string `json:"player_names"`
	HasTeams    bool     `json:"has_teams,omitempty"`
	MinPlayers  int      `json:"min_players,omitempty"`
	MaxPlayers  int      `json:"max_players,omitempty"`
}

// JoinSessionRequest adds a named player to an existing server session.
type JoinSessionRequest struct {
	PlayerName string `json:"player_name"`
}

// ScoreSubmission is one score for one server-side player.
type ScoreSubmission struct {
	PlayerID string          `json:"player_id"`
	Category string          `json:"category,omitempty"`
	Score    int             `json:"score"`
	Details  json.RawMessage `json:"details,omitempty"`
}

// RoundSubmission carries every score of one round in a single request, so
// the server records the round completely or not at all.
type RoundSubmission struct {
	RoundNumber int               `json:"round_number"`
	Scores      []ScoreSubmission `json:"scores"`
}

// SessionUpdateRequest carries a partial session update; absent fields are
// left unchanged server-side.
type SessionUpdateRequest map[string]interface{}

// RemoteClient is the server surface the sync engine drains against.
type RemoteClient interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*RemoteSession, error)
	JoinSession(ctx context.Context, sessionID string, req JoinSessionRequest) (*RemotePlayer, error)
	GetSessionPlayers(ctx context.Context, sessionID string) ([]RemotePlayer, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*RemoteSession, error)
	SubmitScore(ctx context.Context, sessionID string, score ScoreSubmission) error
	SubmitRound(ctx context.Context, sessionID string, round RoundSubmission) error
	UpdateSession(ctx context.Context, sessionID string, req SessionUpdateRequest) error
	ListSessions(ctx context.Context) ([]RemoteSession, error)
}

// Client is the HTTP implementation of RemoteClient.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ RemoteClient = (*Client)(nil)

// NewClient creates a client for the given server base URL. The token is
// optional; when set it is sent as a bearer credential.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 8 * time.Second,
		},
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.ErrInvalid, "failed to encode request body", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Wrap(apperr.ErrAPI, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.ErrAPI, fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperr.New(apperr.ErrAPIUnauthorized,
			fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.New(apperr.ErrAPI,
			fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.ErrAPI, fmt.Sprintf("%s %s: invalid response body", method, path), err)
	}
	return nil
}

// CreateSession creates a server session with its initial players.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*RemoteSession, error) {
	var sess RemoteSession
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// JoinSession adds a player to an existing server session.
func (c *Client) JoinSession(ctx context.Context, sessionID string, req JoinSessionRequest) (*RemotePlayer, error) {
	var player RemotePlayer
	path := "/api/sessions/" + sessionID + "/players"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &player); err != nil {
		return nil, err
	}
	return &player, nil
}

// GetSessionPlayers returns the server's player roster for a session.
func (c *Client) GetSessionPlayers(ctx context.Context, sessionID string) ([]RemotePlayer, error) {
	var players []RemotePlayer
	path := "/api/sessions/" + sessionID + "/players"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &players); err != nil {
		return nil, err
	}
	return players, nil
}

// GetSessionStatus returns the server's view of one session.
func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (*RemoteSession, error) {
	var sess RemoteSession
	path := "/api/sessions/" + sessionID
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SubmitScore records a single category score.
func (c *Client) SubmitScore(ctx context.Context, sessionID string, score ScoreSubmission) error {
	path := "/api/sessions/" + sessionID + "/scores"
	return c.doJSON(ctx, http.MethodPost, path, score, nil)
}

// SubmitRound records a complete round in one request.
func (c *Client) SubmitRound(ctx context.Context, sessionID string, round RoundSubmission) error {
	path := "/api/sessions/" + sessionID + "/rounds"
	return c.doJSON(ctx, http.MethodPost, path, round, nil)
}

// UpdateSession applies a partial update to a server session.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, req SessionUpdateRequest) error {
	path := "/api/sessions/" + sessionID
	return c.doJSON(ctx, http.MethodPatch, path, req, nil)
}

// ListSessions returns the sessions visible to the current user.
func (c *Client) ListSessions(ctx context.Context) ([]RemoteSession, error) {
	var sessions []RemoteSession
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}
