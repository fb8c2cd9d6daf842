// Package models provides data model definitions for the offline scoresheet store.
package models

import (
	"encoding/json"
	"time"
)

// OfflineScore is one scoring event: a cell of a round (round-based games)
// or a single category entry (category-based games). Scores sharing a
// session and round number are only sync-eligible as a complete set.
type OfflineScore struct {
	ID          string          `db:"id" json:"id"`
	SessionID   string          `db:"session_id" json:"session_id"`
	PlayerID    string          `db:"player_id" json:"player_id"`
	RoundNumber int             `db:"round_number" json:"round_number,omitempty"` // 0 when category-based
	Category    string          `db:"category" json:"category,omitempty"`
	Score       int             `db:"score" json:"score"`
	Details     json.RawMessage `db:"details" json:"details,omitempty"` // game-specific breakdown, opaque
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	ServerID    string          `db:"server_id" json:"server_id,omitempty"`
	SyncStatus  string          `db:"sync_status" json:"sync_status"`
}

// TableName returns the table name for OfflineScore.
func (OfflineScore) TableName() string {
	return "offline_scores"
}

// IsRoundScore reports whether the score belongs to a numbered round.
func (s *OfflineScore) IsRoundScore() bool {
	return s.RoundNumber > 0
}

// CreatedAtTime returns CreatedAt as time.Time.
func (s *OfflineScore) CreatedAtTime() time.Time {
	return time.Unix(s.CreatedAt, 0)
}
