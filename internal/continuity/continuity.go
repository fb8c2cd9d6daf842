// Package continuity remembers which sessions this device recently touched
// so the app can offer to rejoin them. The records are an optimization,
// never correctness-critical: storage failures are logged and swallowed.
package continuity

import (
	"context"
	"time"

	"github.com/Cryborg/scoresheets-sync/internal/api"
	"github.com/Cryborg/scoresheets-sync/internal/logging"
	"github.com/Cryborg/scoresheets-sync/internal/models"
)

const (
	// Records older than this are purged lazily on every list read.
	retention = 7 * 24 * time.Hour
	// A session is reconnect-eligible while its last activity is this
	// recent.
	reconnectWindow = 24 * time.Hour
	// At most this many records are retained, oldest evicted first.
	maxRetained = 20
)

// Store is the persistence surface for continuity records.
type Store interface {
	UpsertRecentSession(rs *models.RecentSession) error
	GetRecentSession(sessionID string) (*models.RecentSession, error)
	TouchRecentSession(sessionID string) error
	ListRecentSessions(limit int) ([]*models.RecentSession, error)
	PurgeRecentSessions(olderThan int64, keep int) error
	DeleteRecentSession(sessionID string) error
	ClearRecentSessions() error
}

// Manager tracks recently-touched sessions. The remote client is optional;
// when present it can veto reconnection for server-side completed sessions.
type Manager struct {
	store  Store
	client api.RemoteClient
}

// NewManager creates a manager over the given store. client may be nil.
func NewManager(store Store, client api.RemoteClient) *Manager {
	return &Manager{store: store, client: client}
}

// SaveSession records or refreshes a continuity entry for a session.
func (m *Manager) SaveSession(sess *models.OfflineSession) {
	err := m.store.UpsertRecentSession(&models.RecentSession{
		SessionID:    sess.ID,
		Name:         sess.Name,
		GameName:     sess.GameName,
		ServerID:     sess.ServerID,
		LastActivity: sess.LastActivity,
	})
	if err != nil {
		logging.Warn("failed to save continuity record", map[string]interface{}{
			"session_id": sess.ID,
			"error":      err.Error(),
		})
	}
}

// GetSession returns the continuity record for a session, or nil when none
// exists or the record has aged out.
func (m *Manager) GetSession(sessionID string) *models.RecentSession {
	rs, err := m.store.GetRecentSession(sessionID)
	if err != nil {
		return nil
	}
	if m.expired(rs) {
		_ = m.store.DeleteRecentSession(sessionID)
		return nil
	}
	return rs
}

// UpdateActivity refreshes a session's last-activity stamp.
func (m *Manager) UpdateActivity(sessionID string) {
	if err := m.store.TouchRecentSession(sessionID); err != nil {
		logging.Warn("failed to touch continuity record", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
}

// ListRecent returns up to limit recent sessions, most recent first.
// Expired records are purged here rather than by a background timer; any
// storage error yields an empty list.
func (m *Manager) ListRecent(limit int) []*models.RecentSession {
	if limit <= 0 || limit > maxRetained {
		limit = maxRetained
	}

	cutoff := time.Now().Add(-retention).Unix()
	if err := m.store.PurgeRecentSessions(cutoff, maxRetained); err != nil {
		logging.Warn("failed to purge continuity records", map[string]interface{}{
			"error": err.Error(),
		})
	}

	recents, err := m.store.ListRecentSessions(limit)
	if err != nil {
		logging.Warn("failed to list continuity records", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	return recents
}

// Remove deletes one continuity record.
func (m *Manager) Remove(sessionID string) {
	if err := m.store.DeleteRecentSession(sessionID); err != nil {
		logging.Warn("failed to remove continuity record", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
}

// ClearAll deletes every continuity record.
func (m *Manager) ClearAll() {
	if err := m.store.ClearRecentSessions(); err != nil {
		logging.Warn("failed to clear continuity records", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// CanReconnect reports reconnect eligibility from local recency alone.
func (m *Manager) CanReconnect(sessionID string) bool {
	rs := m.GetSession(sessionID)
	if rs == nil {
		return false
	}
	return time.Since(rs.LastActivityTime()) <= reconnectWindow
}

// CanReconnectOnline additionally asks the server: a session completed
// server-side is not reconnectable no matter how recent. Server errors do
// not veto; local recency wins when the check cannot be made.
func (m *Manager) CanReconnectOnline(ctx context.Context, sessionID string) bool {
	rs := m.GetSession(sessionID)
	if rs == nil || time.Since(rs.LastActivityTime()) > reconnectWindow {
		return false
	}
	if m.client == nil || rs.ServerID == "" {
		return true
	}

	remote, err := m.client.GetSessionStatus(ctx, rs.ServerID)
	if err != nil {
		logging.Debug("reconnect status check failed", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return true
	}
	return remote.Status != models.SessionCompleted && remote.Status != models.SessionCancelled
}

func (m *Manager) expired(rs *models.RecentSession) bool {
	return time.Since(rs.LastActivityTime()) > retention
}
