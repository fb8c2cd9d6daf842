// Package models provides data model definitions for the offline scoresheet store.
package models

import "time"

// Session lifecycle statuses.
const (
	SessionWaiting   = "waiting"
	SessionActive    = "active"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
)

// Sync statuses shared by sessions, players and scores.
const (
	SyncPending  = "pending"
	SyncSynced   = "synced"
	SyncConflict = "conflict"
	SyncFailed   = "failed"
)

// OfflineSession represents a game instance created or touched while the
// device was offline. The local ID never changes; the server ID is written
// once by the sync engine and never changes afterwards.
type OfflineSession struct {
	ID           string   `db:"id" json:"id"`
	ServerID     string   `db:"server_id" json:"server_id,omitempty"`
	Name         string   `db:"name" json:"name"`
	GameID       string   `db:"game_id" json:"game_id"`
	GameName     string   `db:"game_name" json:"game_name"`
	Status       string   `db:"status" json:"status"` // waiting, active, paused, completed, cancelled
	MinPlayers   int      `db:"min_players" json:"min_players"`
	MaxPlayers   int      `db:"max_players" json:"max_players"`
	PlayerNames  []string `db:"player_names" json:"player_names"` // stored as JSON
	HasTeams     bool     `db:"has_teams" json:"has_teams"`
	CreatedAt    int64    `db:"created_at" json:"created_at"`
	LastActivity int64    `db:"last_activity" json:"last_activity"`
	EndedAt      int64    `db:"ended_at" json:"ended_at,omitempty"`
	OfflineMode  bool     `db:"offline_mode" json:"offline_mode"`
	SyncStatus   string   `db:"sync_status" json:"sync_status"` // pending, synced, conflict, failed
}

// TableName returns the table name for OfflineSession.
func (OfflineSession) TableName() string {
	return "offline_sessions"
}

// Touch updates the LastActivity timestamp.
func (s *OfflineSession) Touch() {
	s.LastActivity = time.Now().Unix()
}

// CreatedAtTime returns CreatedAt as time.Time.
func (s *OfflineSession) CreatedAtTime() time.Time {
	return time.Unix(s.CreatedAt, 0)
}

// LastActivityTime returns LastActivity as time.Time.
func (s *OfflineSession) LastActivityTime() time.Time {
	return time.Unix(s.LastActivity, 0)
}
