// Package models provides data model definitions for the offline scoresheet store.
package models

// OfflinePlayer is a named participant belonging to exactly one OfflineSession.
// Position is unique within the session and assigned in the exact order the
// players were entered; positional reconciliation relies on that order.
type OfflinePlayer struct {
	ID         string `db:"id" json:"id"`
	SessionID  string `db:"session_id" json:"session_id"`
	Name       string `db:"name" json:"name"`
	Position   int    `db:"position" json:"position"`
	TeamID     string `db:"team_id" json:"team_id,omitempty"`
	ServerID   string `db:"server_id" json:"server_id,omitempty"`
	SyncStatus string `db:"sync_status" json:"sync_status"`
}

// TableName returns the table name for OfflinePlayer.
func (OfflinePlayer) TableName() string {
	return "offline_players"
}
