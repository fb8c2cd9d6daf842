// Package db provides the local store: CRUD and indexed lookups over the
// offline collections, with the entity-plus-outbox writes done in one
// transaction so readers never observe one without the other.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Cryborg/scoresheets-sync/internal/apperr"
	"github.com/Cryborg/scoresheets-sync/internal/localid"
	"github.com/Cryborg/scoresheets-sync/internal/models"
)

// Repository provides the store operations for all collections.
// Prepared statements are cached to avoid repeated SQL parsing.
type Repository struct {
	db *sql.DB

	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from the cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to prepare statement", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// =====================================================
// OfflineSession Operations
// =====================================================

const sessionColumns = `id, server_id, name, game_id, game_name, status, min_players, max_players,
	player_names, has_teams, created_at, last_activity, ended_at, offline_mode, sync_status`

func scanSession(row rowScanner) (*models.OfflineSession, error) {
	var s models.OfflineSession
	var serverID sql.NullString
	var endedAt sql.NullInt64
	var names string
	err := row.Scan(&s.ID, &serverID, &s.Name, &s.GameID, &s.GameName, &s.Status,
		&s.MinPlayers, &s.MaxPlayers, &names, &s.HasTeams, &s.CreatedAt,
		&s.LastActivity, &endedAt, &s.OfflineMode, &s.SyncStatus)
	if err != nil {
		return nil, err
	}
	if serverID.Valid {
		s.ServerID = serverID.String
	}
	if endedAt.Valid {
		s.EndedAt = endedAt.Int64
	}
	if names != "" {
		if err := json.Unmarshal([]byte(names), &s.PlayerNames); err != nil {
			return nil, apperr.Wrap(apperr.ErrDatabase, "corrupt player_names for session "+s.ID, err)
		}
	}
	return &s, nil
}

// CreateOfflineSession creates a local session, its players at positions
// 0..n-1 in entry order, and the create_session outbox action, all in one
// transaction. Returns the session's local identifier.
func (r *Repository) CreateOfflineSession(s *models.OfflineSession) (string, error) {
	now := time.Now().Unix()
	if s.ID == "" {
		s.ID = localid.New()
	}
	if s.Status == "" {
		s.Status = models.SessionWaiting
	}
	s.CreatedAt = now
	s.LastActivity = now
	s.OfflineMode = true
	s.SyncStatus = models.SyncPending

	names, err := json.Marshal(s.PlayerNames)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrInvalid, "failed to encode player names", err)
	}

	payload, err := json.Marshal(models.CreateSessionPayload{
		Name:        s.Name,
		GameID:      s.GameID,
		GameName:    s.GameName,
		PlayerNames: s.PlayerNames,
		HasTeams:    s.HasTeams,
		MinPlayers:  s.MinPlayers,
		MaxPlayers:  s.MaxPlayers,
	})
	if err != nil {
		return "", apperr.Wrap(apperr.ErrInvalid, "failed to encode create_session payload", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return "", apperr.Wrap(apperr.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
	INSERT INTO offline_sessions (`+sessionColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, nullString(s.ServerID), s.Name, s.GameID, s.GameName, s.Status,
		s.MinPlayers, s.MaxPlayers, string(names), s.HasTeams, s.CreatedAt,
		s.LastActivity, nullInt64(s.EndedAt), s.OfflineMode, s.SyncStatus)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrDatabase, "failed to insert session", err)
	}

	for i, name := range s.PlayerNames {
		_, err = tx.Exec(`
		INSERT INTO offline_players (id, session_id, name, position, team_id, server_id, sync_status)
		VALUES (?, ?, ?, ?, NULL, NULL, ?)`,
			localid.New(), s.ID, name, i, models.SyncPending)
		if err != nil {
			return "", apperr.Wrap(apperr.ErrDatabase, "failed to insert player", err)
		}
	}

	if err := insertAction(tx, &models.OfflineAction{
		Kind:      models.ActionCreateSession,
		SessionID: s.ID,
		Payload:   payload,
		Priority:  models.PriorityCreateSession,
	}); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", apperr.Wrap(apperr.ErrDatabase, "failed to commit session create", err)
	}
	return s.ID, nil
}

// GetSession retrieves a session by local identifier.
func (r *Repository) GetSession(id string) (*models.OfflineSession, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + sessionColumns + ` FROM offline_sessions WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	s, err := scanSession(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.ErrNotFound, "session not found: "+id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to read session", err)
	}
	return s, nil
}

// ListSessions returns all local sessions, most recently active first.
func (r *Repository) ListSessions() ([]*models.OfflineSession, error) {
	rows, err := r.db.Query(`SELECT ` + sessionColumns + ` FROM offline_sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to list sessions", err)
	}
	defer rows.Close()

	var sessions []*models.OfflineSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrDatabase, "failed to scan session", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to iterate sessions", err)
	}
	return sessions, nil
}

// SessionUpdate carries a partial session update; nil fields are untouched.
type SessionUpdate struct {
	Name     *string
	Status   *string
	EndedAt  *int64
	HasTeams *bool
}

// UpdateSession applies a partial update and bumps last_activity. When
// enqueue is true an update_session outbox action describing the same
// change is recorded in the same transaction.
func (r *Repository) UpdateSession(id string, upd SessionUpdate, enqueue bool) error {
	set := "last_activity = ?"
	now := time.Now().Unix()
	args := []interface{}{now}
	changed := map[string]interface{}{}

	if upd.Name != nil {
		set += ", name = ?"
		args = append(args, *upd.Name)
		changed["name"] = *upd.Name
	}
	if upd.Status != nil {
		set += ", status = ?"
		args = append(args, *upd.Status)
		changed["status"] = *upd.Status
	}
	if upd.EndedAt != nil {
		set += ", ended_at = ?"
		args = append(args, *upd.EndedAt)
		changed["ended_at"] = *upd.EndedAt
	}
	if upd.HasTeams != nil {
		set += ", has_teams = ?"
		args = append(args, *upd.HasTeams)
		changed["has_teams"] = *upd.HasTeams
	}
	args = append(args, id)

	tx, err := r.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec("UPDATE offline_sessions SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to update session", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.New(apperr.ErrNotFound, "session not found: "+id)
	}

	if enqueue && len(changed) > 0 {
		payload, err := json.Marshal(changed)
		if err != nil {
			return apperr.Wrap(apperr.ErrInvalid, "failed to encode update payload", err)
		}
		if err := insertAction(tx, &models.OfflineAction{
			Kind:      models.ActionUpdateSession,
			SessionID: id,
			Payload:   payload,
			Priority:  models.PriorityUpdateSession,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to commit session update", err)
	}
	return nil
}

// SetSessionServerID records the server-assigned identifier. A server
// identifier, once set, never changes; a repeated call with the same value
// is a no-op and any other value is a constraint violation.
func (r *Repository) SetSessionServerID(id, serverID string) error {
	result, err := r.db.Exec(
		`UPDATE offline_sessions SET server_id = ? WHERE id = ? AND (server_id IS NULL OR server_id = '')`,
		serverID, id)
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to set session server id", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}

	existing, err := r.GetSession(id)
	if err != nil {
		return err
	}
	if existing.ServerID == serverID {
		return nil
	}
	return apperr.New(apperr.ErrConstraint,
		fmt.Sprintf("session %s already has server id %s", id, existing.ServerID))
}

// SetSessionSynced flips the session to synced and clears offline mode.
func (r *Repository) SetSessionSynced(id string) error {
	result, err := r.db.Exec(
		`UPDATE offline_sessions SET sync_status = ?, offline_mode = 0 WHERE id = ?`,
		models.SyncSynced, id)
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to mark session synced", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.New(apperr.ErrNotFound, "session not found: "+id)
	}
	return nil
}

// DeleteSessionCascade removes a session with its players, scores, queued
// actions and continuity record in one transaction.
func (r *Repository) DeleteSessionCascade(id string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	// Child rows first, the schema has no ON DELETE CASCADE.
	for _, query := range []string{
		`DELETE FROM offline_scores WHERE session_id = ?`,
		`DELETE FROM offline_players WHERE session_id = ?`,
		`DELETE FROM offline_actions WHERE session_id = ?`,
		`DELETE FROM recent_sessions WHERE session_id = ?`,
		`DELETE FROM offline_sessions WHERE id = ?`,
	} {
		if _, err := tx.Exec(query, id); err != nil {
			return apperr.Wrap(apperr.ErrDatabase, "failed to cascade delete session", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to commit cascade delete", err)
	}
	return nil
}

// =====================================================
// OfflinePlayer Operations
// =====================================================

const playerColumns = `id, session_id, name, position, team_id, server_id, sync_status`

func scanPlayer(row rowScanner) (*models.OfflinePlayer, error) {
	var p models.OfflinePlayer
	var teamID, serverID sql.NullString
	err := row.Scan(&p.ID, &p.SessionID, &p.Name, &p.Position, &teamID, &serverID, &p.SyncStatus)
	if err != nil {
		return nil, err
	}
	if teamID.Valid {
		p.TeamID = teamID.String
	}
	if serverID.Valid {
		p.ServerID = serverID.String
	}
	return &p, nil
}

// AddPlayer appends a player to a session. Position defaults to the next
// free slot when left at zero with existing players.
func (r *Repository) AddPlayer(p *models.OfflinePlayer) error {
	if p.ID == "" {
		p.ID = localid.New()
	}
	if p.SyncStatus == "" {
		p.SyncStatus = models.SyncPending
	}
	if p.Position == 0 {
		var max sql.NullInt64
		err := r.db.QueryRow(
			`SELECT MAX(position) FROM offline_players WHERE session_id = ?`, p.SessionID).Scan(&max)
		if err != nil {
			return apperr.Wrap(apperr.ErrDatabase, "failed to compute player position", err)
		}
		if max.Valid {
			p.Position = int(max.Int64) + 1
		}
	}

	_, err := r.db.Exec(`
	INSERT INTO offline_players (`+playerColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, p.Name, p.Position, nullString(p.TeamID), nullString(p.ServerID), p.SyncStatus)
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to insert player", err)
	}
	return nil
}

// JoinSession records a locally-added player together with the join_session
// outbox action targeting an existing server session, in one transaction.
func (r *Repository) JoinSession(p *models.OfflinePlayer, serverSessionID string) error {
	if p.ID == "" {
		p.ID = localid.New()
	}
	if p.SyncStatus == "" {
		p.SyncStatus = models.SyncPending
	}

	payload, err := json.Marshal(models.JoinSessionPayload{
		SessionID:  serverSessionID,
		PlayerName: p.Name,
	})
	if err != nil {
		return apperr.Wrap(apperr.ErrInvalid, "failed to encode join_session payload", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
	INSERT INTO offline_players (`+playerColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, p.Name, p.Position, nullString(p.TeamID), nullString(p.ServerID), p.SyncStatus)
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to insert player", err)
	}

	if err := insertAction(tx, &models.OfflineAction{
		Kind:      models.ActionJoinSession,
		SessionID: p.SessionID,
		Payload:   payload,
		Priority:  models.PriorityJoinSession,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to commit join", err)
	}
	return nil
}

// GetPlayer retrieves a player by local identifier.
func (r *Repository) GetPlayer(id string) (*models.OfflinePlayer, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + playerColumns + ` FROM offline_players WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	p, err := scanPlayer(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.ErrNotFound, "player not found: "+id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to read player", err)
	}
	return p, nil
}

// ListPlayersForSession returns a session's players sorted by position,
// the order positional reconciliation depends on.
func (r *Repository) ListPlayersForSession(sessionID string) ([]*models.OfflinePlayer, error) {
	stmt, err := r.PrepareStmt(
		`SELECT ` + playerColumns + ` FROM offline_players WHERE session_id = ? ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to list players", err)
	}
	defer rows.Close()

	var players []*models.OfflinePlayer
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrDatabase, "failed to scan player", err)
		}
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to iterate players", err)
	}
	return players, nil
}

// SetPlayerServerID writes the server identifier onto a player and marks it
// synced. Only the sync engine calls this, during reconciliation.
func (r *Repository) SetPlayerServerID(id, serverID string) error {
	result, err := r.db.Exec(
		`UPDATE offline_players SET server_id = ?, sync_status = ? WHERE id = ?`,
		serverID, models.SyncSynced, id)
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to set player server id", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.New(apperr.ErrNotFound, "player not found: "+id)
	}
	return nil
}

// =====================================================
// OfflineScore Operations
// =====================================================

const scoreColumns = `id, session_id, player_id, round_number, category, score, details,
	created_at, server_id, sync_status`

func scanScore(row rowScanner) (*models.OfflineScore, error) {
	var s models.OfflineScore
	var round sql.NullInt64
	var category, details, serverID sql.NullString
	err := row.Scan(&s.ID, &s.SessionID, &s.PlayerID, &round, &category, &s.Score,
		&details, &s.CreatedAt, &serverID, &s.SyncStatus)
	if err != nil {
		return nil, err
	}
	if round.Valid {
		s.RoundNumber = int(round.Int64)
	}
	if category.Valid {
		s.Category = category.String
	}
	if details.Valid && details.String != "" {
		s.Details = json.RawMessage(details.String)
	}
	if serverID.Valid {
		s.ServerID = serverID.String
	}
	return &s, nil
}

// AddScore records a scoring event and its add_score outbox action in one
// transaction, bumping the owning session's last_activity.
func (r *Repository) AddScore(sc *models.OfflineScore) error {
	now := time.Now().Unix()
	if sc.ID == "" {
		sc.ID = localid.New()
	}
	sc.CreatedAt = now
	if sc.SyncStatus == "" {
		sc.SyncStatus = models.SyncPending
	}

	payload, err := json.Marshal(models.AddScorePayload{
		ScoreID:     sc.ID,
		PlayerID:    sc.PlayerID,
		RoundNumber: sc.RoundNumber,
		Category:    sc.Category,
		Score:       sc.Score,
		Details:     sc.Details,
	})
	if err != nil {
		return apperr.Wrap(apperr.ErrInvalid, "failed to encode add_score payload", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var details interface{}
	if len(sc.Details) > 0 {
		details = string(sc.Details)
	}
	_, err = tx.Exec(`
	INSERT INTO offline_scores (`+scoreColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.SessionID, sc.PlayerID, nullInt64(int64(sc.RoundNumber)), nullString(sc.Category),
		sc.Score, details, sc.CreatedAt, nullString(sc.ServerID), sc.SyncStatus)
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to insert score", err)
	}

	if _, err := tx.Exec(
		`UPDATE offline_sessions SET last_activity = ? WHERE id = ?`, now, sc.SessionID); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to touch session", err)
	}

	if err := insertAction(tx, &models.OfflineAction{
		Kind:      models.ActionAddScore,
		SessionID: sc.SessionID,
		Payload:   payload,
		Priority:  models.PriorityAddScore,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to commit score", err)
	}
	return nil
}

// ListScoresForSession returns all scores of a session in creation order.
func (r *Repository) ListScoresForSession(sessionID string) ([]*models.OfflineScore, error) {
	stmt, err := r.PrepareStmt(
		`SELECT ` + scoreColumns + ` FROM offline_scores WHERE session_id = ? ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return r.queryScores(stmt, sessionID)
}

// ListScoresForRound returns all scores of one (session, round) pair.
func (r *Repository) ListScoresForRound(sessionID string, round int) ([]*models.OfflineScore, error) {
	stmt, err := r.PrepareStmt(
		`SELECT ` + scoreColumns + ` FROM offline_scores WHERE session_id = ? AND round_number = ? ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return r.queryScores(stmt, sessionID, round)
}

func (r *Repository) queryScores(stmt *sql.Stmt, args ...interface{}) ([]*models.OfflineScore, error) {
	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to list scores", err)
	}
	defer rows.Close()

	var scores []*models.OfflineScore
	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrDatabase, "failed to scan score", err)
		}
		scores = append(scores, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to iterate scores", err)
	}
	return scores, nil
}

// SetScoreSynced marks a score synced, optionally recording its server id.
func (r *Repository) SetScoreSynced(id, serverID string) error {
	result, err := r.db.Exec(
		`UPDATE offline_scores SET sync_status = ?, server_id = COALESCE(?, server_id) WHERE id = ?`,
		models.SyncSynced, nullString(serverID), id)
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to mark score synced", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.New(apperr.ErrNotFound, "score not found: "+id)
	}
	return nil
}

// =====================================================
// OfflineAction Operations (the outbox)
// =====================================================

const actionColumns = `id, kind, session_id, payload, created_at, retry_count, max_retries,
	priority, sync_status, last_error`

func scanAction(row rowScanner) (*models.OfflineAction, error) {
	var a models.OfflineAction
	var payload string
	var lastError sql.NullString
	err := row.Scan(&a.ID, &a.Kind, &a.SessionID, &payload, &a.CreatedAt,
		&a.RetryCount, &a.MaxRetries, &a.Priority, &a.SyncStatus, &lastError)
	if err != nil {
		return nil, err
	}
	a.Payload = json.RawMessage(payload)
	if lastError.Valid {
		a.LastError = lastError.String
	}
	return &a, nil
}

// insertAction inserts an action inside an existing transaction, filling
// identifier, timestamps and retry defaults.
func insertAction(tx *sql.Tx, a *models.OfflineAction) error {
	if a.ID == "" {
		a.ID = localid.New()
	}
	a.CreatedAt = time.Now().Unix()
	if a.MaxRetries == 0 {
		a.MaxRetries = models.DefaultMaxRetries
	}
	if a.Priority == 0 {
		a.Priority = models.PriorityAddScore
	}
	if a.SyncStatus == "" {
		a.SyncStatus = models.ActionPending
	}

	_, err := tx.Exec(`
	INSERT INTO offline_actions (`+actionColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Kind, a.SessionID, string(a.Payload), a.CreatedAt,
		a.RetryCount, a.MaxRetries, a.Priority, a.SyncStatus, nullString(a.LastError))
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to enqueue action", err)
	}
	return nil
}

// EnqueueAction appends a standalone action to the outbox.
func (r *Repository) EnqueueAction(a *models.OfflineAction) error {
	tx, err := r.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := insertAction(tx, a); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to commit enqueue", err)
	}
	return nil
}

// GetAction retrieves an action by identifier.
func (r *Repository) GetAction(id string) (*models.OfflineAction, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + actionColumns + ` FROM offline_actions WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	a, err := scanAction(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.ErrNotFound, "action not found: "+id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to read action", err)
	}
	return a, nil
}

// ListPendingActions returns the drainable actions: pending or failed, with
// retry budget left, ordered by priority then creation time.
func (r *Repository) ListPendingActions() ([]*models.OfflineAction, error) {
	stmt, err := r.PrepareStmt(`
	SELECT ` + actionColumns + ` FROM offline_actions
	WHERE sync_status IN (?, ?) AND retry_count < max_retries
	ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	return r.queryActions(stmt, models.ActionPending, models.ActionFailed)
}

// ListOpenActionsForSession returns a session's not-yet-synced actions of
// one kind, retry budget permitting. Includes in-flight (syncing) actions
// so round batching can see the action currently being handled.
func (r *Repository) ListOpenActionsForSession(sessionID, kind string) ([]*models.OfflineAction, error) {
	stmt, err := r.PrepareStmt(`
	SELECT ` + actionColumns + ` FROM offline_actions
	WHERE session_id = ? AND kind = ? AND sync_status IN (?, ?, ?) AND retry_count < max_retries
	ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	return r.queryActions(stmt, sessionID, kind,
		models.ActionPending, models.ActionFailed, models.ActionSyncing)
}

// ListExhaustedActions returns permanently failed actions for diagnostics.
// They are never drained again but stay inspectable.
func (r *Repository) ListExhaustedActions() ([]*models.OfflineAction, error) {
	stmt, err := r.PrepareStmt(`
	SELECT ` + actionColumns + ` FROM offline_actions
	WHERE retry_count >= max_retries AND sync_status != ?
	ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return r.queryActions(stmt, models.ActionSynced)
}

func (r *Repository) queryActions(stmt *sql.Stmt, args ...interface{}) ([]*models.OfflineAction, error) {
	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to list actions", err)
	}
	defer rows.Close()

	var actions []*models.OfflineAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrDatabase, "failed to scan action", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to iterate actions", err)
	}
	return actions, nil
}

// MarkActionSyncing flags an action as in-flight for the current cycle.
func (r *Repository) MarkActionSyncing(id string) error {
	return r.setActionStatus(id, models.ActionSyncing)
}

// MarkActionSynced marks one action as successfully replayed.
func (r *Repository) MarkActionSynced(id string) error {
	return r.setActionStatus(id, models.ActionSynced)
}

// MarkActionsSynced marks a batch of actions synced in one transaction;
// either all of them flip or none do.
func (r *Repository) MarkActionsSynced(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		result, err := tx.Exec(
			`UPDATE offline_actions SET sync_status = ?, last_error = NULL WHERE id = ?`,
			models.ActionSynced, id)
		if err != nil {
			return apperr.Wrap(apperr.ErrDatabase, "failed to mark action synced", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return apperr.New(apperr.ErrNotFound, "action not found: "+id)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to commit batch mark", err)
	}
	return nil
}

// MarkActionDeferred puts an in-flight action back to pending without
// consuming a retry: its dependency was not ready, which is not a failure.
func (r *Repository) MarkActionDeferred(id string) error {
	return r.setActionStatus(id, models.ActionPending)
}

// MarkActionFailed records a real failure: retry_count is incremented and
// the cause preserved for diagnostics.
func (r *Repository) MarkActionFailed(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	result, err := r.db.Exec(`
	UPDATE offline_actions SET sync_status = ?, retry_count = retry_count + 1, last_error = ?
	WHERE id = ?`,
		models.ActionFailed, msg, id)
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to mark action failed", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.New(apperr.ErrNotFound, "action not found: "+id)
	}
	return nil
}

// ResetSyncingActions returns in-flight actions to pending without touching
// their retry budget. A row can only be stuck in syncing after a crash
// mid-cycle; swept back to pending it is retried instead of stranded
// invisible to both the drain query and diagnostics.
func (r *Repository) ResetSyncingActions() (int, error) {
	result, err := r.db.Exec(
		`UPDATE offline_actions SET sync_status = ? WHERE sync_status = ?`,
		models.ActionPending, models.ActionSyncing)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrDatabase, "failed to reset in-flight actions", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// ResetFailedActions gives exhausted actions a fresh retry budget, for the
// manual "retry failed" affordance. Returns the number of actions reset.
func (r *Repository) ResetFailedActions() (int, error) {
	result, err := r.db.Exec(`
	UPDATE offline_actions SET sync_status = ?, retry_count = 0, last_error = NULL
	WHERE sync_status = ?`,
		models.ActionPending, models.ActionFailed)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrDatabase, "failed to reset failed actions", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (r *Repository) setActionStatus(id, status string) error {
	result, err := r.db.Exec(`UPDATE offline_actions SET sync_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to update action status", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.New(apperr.ErrNotFound, "action not found: "+id)
	}
	return nil
}

// =====================================================
// Response Cache Operations
// =====================================================

// CacheSet stores a response payload under (url, method).
func (r *Repository) CacheSet(url, method string, payload json.RawMessage, ttl time.Duration) error {
	_, err := r.db.Exec(`
	INSERT INTO response_cache (url, method, payload, cached_at, ttl_seconds)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(url, method) DO UPDATE SET payload = excluded.payload,
		cached_at = excluded.cached_at, ttl_seconds = excluded.ttl_seconds`,
		url, method, string(payload), time.Now().Unix(), int64(ttl.Seconds()))
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to write cache entry", err)
	}
	return nil
}

// CacheGet returns the cached payload for (url, method). Expiry is enforced
// here: a stale entry is deleted and reported as a miss.
func (r *Repository) CacheGet(url, method string) (json.RawMessage, error) {
	stmt, err := r.PrepareStmt(
		`SELECT payload, cached_at, ttl_seconds FROM response_cache WHERE url = ? AND method = ?`)
	if err != nil {
		return nil, err
	}

	var entry models.CacheEntry
	var payload string
	err = stmt.QueryRow(url, method).Scan(&payload, &entry.CachedAt, &entry.TTLSeconds)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.ErrCacheMiss, "no cache entry for "+method+" "+url)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to read cache entry", err)
	}

	if entry.Expired(time.Now()) {
		_, _ = r.db.Exec(`DELETE FROM response_cache WHERE url = ? AND method = ?`, url, method)
		return nil, apperr.New(apperr.ErrCacheMiss, "cache entry expired for "+method+" "+url)
	}
	return json.RawMessage(payload), nil
}

// =====================================================
// RecentSession Operations (continuity)
// =====================================================

const recentColumns = `session_id, name, game_name, server_id, last_activity, saved_at`

func scanRecent(row rowScanner) (*models.RecentSession, error) {
	var rs models.RecentSession
	var serverID sql.NullString
	err := row.Scan(&rs.SessionID, &rs.Name, &rs.GameName, &serverID, &rs.LastActivity, &rs.SavedAt)
	if err != nil {
		return nil, err
	}
	if serverID.Valid {
		rs.ServerID = serverID.String
	}
	return &rs, nil
}

// UpsertRecentSession inserts or refreshes a continuity record.
func (r *Repository) UpsertRecentSession(rs *models.RecentSession) error {
	now := time.Now().Unix()
	if rs.LastActivity == 0 {
		rs.LastActivity = now
	}
	rs.SavedAt = now

	_, err := r.db.Exec(`
	INSERT INTO recent_sessions (`+recentColumns+`)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET name = excluded.name,
		game_name = excluded.game_name, server_id = excluded.server_id,
		last_activity = excluded.last_activity, saved_at = excluded.saved_at`,
		rs.SessionID, rs.Name, rs.GameName, nullString(rs.ServerID), rs.LastActivity, rs.SavedAt)
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to upsert recent session", err)
	}
	return nil
}

// GetRecentSession retrieves one continuity record.
func (r *Repository) GetRecentSession(sessionID string) (*models.RecentSession, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + recentColumns + ` FROM recent_sessions WHERE session_id = ?`)
	if err != nil {
		return nil, err
	}
	rs, err := scanRecent(stmt.QueryRow(sessionID))
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.ErrNotFound, "recent session not found: "+sessionID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to read recent session", err)
	}
	return rs, nil
}

// TouchRecentSession refreshes a continuity record's last activity.
func (r *Repository) TouchRecentSession(sessionID string) error {
	result, err := r.db.Exec(
		`UPDATE recent_sessions SET last_activity = ? WHERE session_id = ?`,
		time.Now().Unix(), sessionID)
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to touch recent session", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.New(apperr.ErrNotFound, "recent session not found: "+sessionID)
	}
	return nil
}

// ListRecentSessions returns continuity records, most recent first.
func (r *Repository) ListRecentSessions(limit int) ([]*models.RecentSession, error) {
	stmt, err := r.PrepareStmt(
		`SELECT ` + recentColumns + ` FROM recent_sessions ORDER BY last_activity DESC LIMIT ?`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to list recent sessions", err)
	}
	defer rows.Close()

	var recents []*models.RecentSession
	for rows.Next() {
		rs, err := scanRecent(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrDatabase, "failed to scan recent session", err)
		}
		recents = append(recents, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to iterate recent sessions", err)
	}
	return recents, nil
}

// PurgeRecentSessions drops records older than the cutoff and keeps at most
// keep rows, evicting the oldest beyond that.
func (r *Repository) PurgeRecentSessions(olderThan int64, keep int) error {
	tx, err := r.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM recent_sessions WHERE last_activity < ?`, olderThan); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to purge expired recent sessions", err)
	}

	if _, err := tx.Exec(`
	DELETE FROM recent_sessions WHERE session_id NOT IN (
		SELECT session_id FROM recent_sessions ORDER BY last_activity DESC LIMIT ?
	)`, keep); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to cap recent sessions", err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to commit purge", err)
	}
	return nil
}

// DeleteRecentSession removes one continuity record.
func (r *Repository) DeleteRecentSession(sessionID string) error {
	_, err := r.db.Exec(`DELETE FROM recent_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to delete recent session", err)
	}
	return nil
}

// ClearRecentSessions removes every continuity record.
func (r *Repository) ClearRecentSessions() error {
	_, err := r.db.Exec(`DELETE FROM recent_sessions`)
	if err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to clear recent sessions", err)
	}
	return nil
}

// =====================================================
// helpers
// =====================================================

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
