// Package models provides data model definitions for the offline scoresheet store.
package models

import "time"

// RecentSession records when this device last interacted with a session,
// for reconnection prompts. Best-effort data: losing a row is acceptable.
type RecentSession struct {
	SessionID    string `db:"session_id" json:"session_id"`
	Name         string `db:"name" json:"name"`
	GameName     string `db:"game_name" json:"game_name"`
	ServerID     string `db:"server_id" json:"server_id,omitempty"`
	LastActivity int64  `db:"last_activity" json:"last_activity"`
	SavedAt      int64  `db:"saved_at" json:"saved_at"`
}

// TableName returns the table name for RecentSession.
func (RecentSession) TableName() string {
	return "recent_sessions"
}

// LastActivityTime returns LastActivity as time.Time.
func (r *RecentSession) LastActivityTime() time.Time {
	return time.Unix(r.LastActivity, 0)
}
