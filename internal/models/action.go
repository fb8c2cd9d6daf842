// Package models provides data model definitions for the offline scoresheet store.
package models

import (
	"encoding/json"
	"time"
)

// Action kinds, expressed in server-API terms.
const (
	ActionCreateSession = "create_session"
	ActionJoinSession   = "join_session"
	ActionAddScore      = "add_score"
	ActionUpdateSession = "update_session"
)

// Action sync statuses.
const (
	ActionPending = "pending"
	ActionSyncing = "syncing"
	ActionSynced  = "synced"
	ActionFailed  = "failed"
)

// Drain priorities, lower value first. Ordering is a hint; correctness comes
// from the per-kind dependency checks in the sync engine.
const (
	PriorityCreateSession = 1
	PriorityJoinSession   = 2
	PriorityUpdateSession = 3
	PriorityAddScore      = 5
)

// DefaultMaxRetries bounds automatic retries per action.
const DefaultMaxRetries = 3

// OfflineAction is a durable description of one server-bound intent,
// recorded in the same transaction as the entity write it mirrors.
type OfflineAction struct {
	ID         string          `db:"id" json:"id"`
	Kind       string          `db:"kind" json:"kind"` // create_session, join_session, add_score, update_session
	SessionID  string          `db:"session_id" json:"session_id"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	MaxRetries int             `db:"max_retries" json:"max_retries"`
	Priority   int             `db:"priority" json:"priority"`
	SyncStatus string          `db:"sync_status" json:"sync_status"` // pending, syncing, synced, failed
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for OfflineAction.
func (OfflineAction) TableName() string {
	return "offline_actions"
}

// Exhausted reports whether the action has used up its retry budget and is
// permanently excluded from drain attempts.
func (a *OfflineAction) Exhausted() bool {
	return a.RetryCount >= a.MaxRetries
}

// CreatedAtTime returns CreatedAt as time.Time.
func (a *OfflineAction) CreatedAtTime() time.Time {
	return time.Unix(a.CreatedAt, 0)
}

// CreateSessionPayload is the create_session action payload.
type CreateSessionPayload struct {
	Name        string   `json:"name"`
	GameID      string   `json:"game_id"`
	GameName    string   `json:"game_name,omitempty"`
	PlayerNames []string `json:"player_names"`
	HasTeams    bool     `json:"has_teams,omitempty"`
	MinPlayers  int      `json:"min_players,omitempty"`
	MaxPlayers  int      `json:"max_players,omitempty"`
}

// JoinSessionPayload is the join_session action payload. SessionID is the
// server identifier of the session being joined.
type JoinSessionPayload struct {
	SessionID  string `json:"session_id"`
	PlayerName string `json:"player_name"`
}

// AddScorePayload is the add_score action payload. ScoreID links the action
// back to the local OfflineScore so both are marked synced together.
type AddScorePayload struct {
	ScoreID     string          `json:"score_id"`
	PlayerID    string          `json:"player_id"`
	RoundNumber int             `json:"round_number,omitempty"`
	Category    string          `json:"category,omitempty"`
	Score       int             `json:"score"`
	Details     json.RawMessage `json:"details,omitempty"`
}
