// Package sync drains the offline outbox against the remote API, resolving
// server identities along the way.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	gosync "sync"
	"time"

	"github.com/Cryborg/scoresheets-sync/internal/api"
	"github.com/Cryborg/scoresheets-sync/internal/apperr"
	"github.com/Cryborg/scoresheets-sync/internal/logging"
	"github.com/Cryborg/scoresheets-sync/internal/models"
)

// Reschedule delays, chosen by how the previous cycle went.
const (
	idleDelay  = 30 * time.Second
	retryDelay = 10 * time.Second
	errorDelay = 60 * time.Second
)

// errDeferred signals that an action's dependency is not ready yet. The
// action goes back to pending without consuming a retry.
var errDeferred = errors.New("action deferred")

// errRoundIncomplete is the round-batching flavor of deferral: some player
// in the round still lacks a server identifier.
var errRoundIncomplete = fmt.Errorf("round incomplete: %w", errDeferred)

// Store is the persistence surface the engine drains from and writes
// reconciliation results to.
type Store interface {
	GetSession(id string) (*models.OfflineSession, error)
	SetSessionServerID(id, serverID string) error
	SetSessionSynced(id string) error

	GetPlayer(id string) (*models.OfflinePlayer, error)
	ListPlayersForSession(sessionID string) ([]*models.OfflinePlayer, error)
	SetPlayerServerID(id, serverID string) error

	SetScoreSynced(id, serverID string) error

	GetAction(id string) (*models.OfflineAction, error)
	ListPendingActions() ([]*models.OfflineAction, error)
	ListOpenActionsForSession(sessionID, kind string) ([]*models.OfflineAction, error)
	MarkActionSyncing(id string) error
	MarkActionSynced(id string) error
	MarkActionsSynced(ids []string) error
	MarkActionDeferred(id string) error
	MarkActionFailed(id string, cause error) error
	ResetSyncingActions() (int, error)
}

// Engine replays queued offline actions against the server. One drain
// cycle processes a snapshot of pending actions sequentially; the loop
// reschedules itself with a delay adapted to the cycle's outcome.
type Engine struct {
	store  Store
	client api.RemoteClient

	// authCheck is consulted before each cycle; a false answer skips the
	// cycle entirely. Nil means always authorized.
	authCheck func() bool

	mu        gosync.Mutex
	syncing   bool
	lastSync  time.Time
	lastError error
	observers []func(CycleReport)

	stopCh    chan struct{}
	kickCh    chan struct{}
	wg        gosync.WaitGroup
	isRunning bool
}

var _ Syncer = (*Engine)(nil)

// NewEngine creates an engine over the given store and remote client.
func NewEngine(store Store, client api.RemoteClient) *Engine {
	return &Engine{
		store:  store,
		client: client,
		kickCh: make(chan struct{}, 1),
	}
}

// SetAuthCheck installs the authorization gate consulted before each cycle.
func (e *Engine) SetAuthCheck(fn func() bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.authCheck = fn
}

// Subscribe registers an observer notified after every drain cycle.
func (e *Engine) Subscribe(fn func(CycleReport)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// Status reports the engine's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{
		Running:  e.isRunning,
		Syncing:  e.syncing,
		LastSync: e.lastSync,
	}
	if e.lastError != nil {
		s.LastError = e.lastError.Error()
	}
	if pending, err := e.store.ListPendingActions(); err == nil {
		s.PendingCount = len(pending)
	}
	return s
}

// LastSync returns when the last drain cycle completed.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// Start begins the background drain loop. Calling Start while running is
// a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	logging.Info("sync engine started")
	e.wg.Add(1)
	go e.loop(e.stopCh)
}

// Stop cancels the next scheduled cycle and waits for the loop to exit.
// An in-flight cycle is allowed to finish naturally.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	logging.Info("sync engine stopped")
}

// ForceSync makes the running loop drain immediately.
func (e *Engine) ForceSync() {
	select {
	case e.kickCh <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(stopCh chan struct{}) {
	defer e.wg.Done()

	timer := time.NewTimer(0) // first cycle runs immediately
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
		case <-e.kickCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		report, err := e.Sync(context.Background())
		timer.Reset(nextDelay(report, err))
	}
}

func nextDelay(report *CycleReport, err error) time.Duration {
	switch {
	case err != nil:
		return errorDelay
	case report != nil && (report.Failed > 0 || report.Deferred > 0):
		return retryDelay
	default:
		return idleDelay
	}
}

// Sync runs one drain cycle. Only one cycle runs at a time; a concurrent
// caller gets ErrSyncInProgress instead of a second drain.
func (e *Engine) Sync(ctx context.Context) (*CycleReport, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, apperr.New(apperr.ErrSyncInProgress, "a drain cycle is already running")
	}
	e.syncing = true
	authCheck := e.authCheck
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.lastSync = time.Now()
		e.mu.Unlock()
	}()

	if authCheck != nil && !authCheck() {
		logging.Debug("skipping drain cycle, not authorized")
		return &CycleReport{StartTime: time.Now(), EndTime: time.Now()}, nil
	}

	report, err := e.drain(ctx)

	e.mu.Lock()
	e.lastError = err
	observers := make([]func(CycleReport), len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()

	if err != nil {
		logging.Error("drain cycle failed", err)
		return report, err
	}

	if report.Synced > 0 || report.Failed > 0 || report.Deferred > 0 {
		logging.Info("drain cycle complete", map[string]interface{}{
			"synced":   report.Synced,
			"failed":   report.Failed,
			"deferred": report.Deferred,
		})
	}
	for _, fn := range observers {
		fn(*report)
	}
	return report, nil
}

func (e *Engine) drain(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{StartTime: time.Now()}
	defer func() { report.EndTime = time.Now() }()

	// An action still marked syncing here was interrupted mid-flight by a
	// crash; swept back to pending it rejoins the queue with its retry
	// budget intact.
	if n, err := e.store.ResetSyncingActions(); err != nil {
		return report, err
	} else if n > 0 {
		logging.Warn("recovered interrupted actions", map[string]interface{}{
			"count": n,
		})
	}

	actions, err := e.store.ListPendingActions()
	if err != nil {
		return report, err
	}

	// Rounds already attempted this cycle, keyed session#round. A round
	// batch settles every sibling action at once; later snapshot entries
	// for the same round must not trigger a second server call.
	attempted := make(map[string]bool)

	// Actions settled outside their own turn, such as a corrupt round
	// sibling failed during batch collection.
	settled := make(map[string]bool)

	for _, snapshot := range actions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if settled[snapshot.ID] {
			continue
		}

		// Re-read: an earlier round batch may have settled this action.
		action, err := e.store.GetAction(snapshot.ID)
		if err != nil {
			return report, err
		}
		if action.SyncStatus == models.ActionSynced || action.Exhausted() {
			continue
		}

		e.processAction(ctx, action, attempted, settled, report)
	}
	return report, nil
}

func (e *Engine) processAction(ctx context.Context, action *models.OfflineAction, attempted, settled map[string]bool, report *CycleReport) {
	switch action.Kind {
	case models.ActionCreateSession:
		e.runSingle(action, report, func() error {
			return e.createSession(ctx, action)
		})
	case models.ActionJoinSession:
		e.runSingle(action, report, func() error {
			return e.joinSession(ctx, action)
		})
	case models.ActionUpdateSession:
		e.runSingle(action, report, func() error {
			return e.updateSession(ctx, action)
		})
	case models.ActionAddScore:
		e.processAddScore(ctx, action, attempted, settled, report)
	default:
		logging.Warn("unknown action kind", map[string]interface{}{
			"action_id": action.ID,
			"kind":      action.Kind,
		})
		report.Failed++
		_ = e.store.MarkActionFailed(action.ID, fmt.Errorf("unknown action kind %q", action.Kind))
	}
}

// runSingle drives one standalone action through the syncing state:
// success marks it synced, deferral puts it back to pending untouched,
// and failure consumes a retry.
func (e *Engine) runSingle(action *models.OfflineAction, report *CycleReport, fn func() error) {
	if err := e.store.MarkActionSyncing(action.ID); err != nil {
		report.Failed++
		return
	}

	err := fn()
	switch {
	case err == nil:
		if err := e.store.MarkActionSynced(action.ID); err != nil {
			logging.Error("failed to mark action synced", err, map[string]interface{}{
				"action_id": action.ID,
			})
			report.Failed++
			return
		}
		report.Synced++
	case errors.Is(err, errDeferred):
		_ = e.store.MarkActionDeferred(action.ID)
		report.Deferred++
	default:
		logging.Warn("action failed", map[string]interface{}{
			"action_id": action.ID,
			"kind":      action.Kind,
			"error":     err.Error(),
		})
		_ = e.store.MarkActionFailed(action.ID, err)
		report.Failed++
	}
}

// createSession replays a create_session action. The POST is guarded by the
// session's server identifier so a retried action never creates a second
// server session; reconciliation failures leave the action retryable while
// the session stays synced.
func (e *Engine) createSession(ctx context.Context, action *models.OfflineAction) error {
	sess, err := e.store.GetSession(action.SessionID)
	if err != nil {
		return err
	}

	if sess.ServerID == "" {
		var payload models.CreateSessionPayload
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return apperr.Wrap(apperr.ErrInvalid, "corrupt create_session payload", err)
		}

		remote, err := e.client.CreateSession(ctx, api.CreateSessionRequest{
			Name:        payload.Name,
			GameID:      payload.GameID,
			GameName:    payload.GameName,
			PlayerNames: payload.PlayerNames,
			HasTeams:    payload.HasTeams,
			MinPlayers:  payload.MinPlayers,
			MaxPlayers:  payload.MaxPlayers,
		})
		if err != nil {
			return err
		}

		if err := e.store.SetSessionServerID(sess.ID, remote.ID); err != nil {
			return err
		}
		if err := e.store.SetSessionSynced(sess.ID); err != nil {
			return err
		}
		sess.ServerID = remote.ID

		logging.Info("session created remotely", map[string]interface{}{
			"session_id": sess.ID,
			"server_id":  remote.ID,
		})
	}

	return e.reconcilePlayers(ctx, sess)
}

func (e *Engine) joinSession(ctx context.Context, action *models.OfflineAction) error {
	var payload models.JoinSessionPayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.ErrInvalid, "corrupt join_session payload", err)
	}

	_, err := e.client.JoinSession(ctx, payload.SessionID, api.JoinSessionRequest{
		PlayerName: payload.PlayerName,
	})
	return err
}

// updateSession replays a partial session update. It defers until the
// session has a server identifier, since the server cannot be addressed
// before the create has been replayed.
func (e *Engine) updateSession(ctx context.Context, action *models.OfflineAction) error {
	sess, err := e.store.GetSession(action.SessionID)
	if err != nil {
		return err
	}
	if sess.ServerID == "" {
		return errDeferred
	}

	var fields api.SessionUpdateRequest
	if err := json.Unmarshal(action.Payload, &fields); err != nil {
		return apperr.Wrap(apperr.ErrInvalid, "corrupt update_session payload", err)
	}
	return e.client.UpdateSession(ctx, sess.ServerID, fields)
}

// processAddScore routes a score action: category scores submit on their
// own, round scores only as the complete batch for their round.
func (e *Engine) processAddScore(ctx context.Context, action *models.OfflineAction, attempted, settled map[string]bool, report *CycleReport) {
	var payload models.AddScorePayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		_ = e.store.MarkActionFailed(action.ID, apperr.Wrap(apperr.ErrInvalid, "corrupt add_score payload", err))
		settled[action.ID] = true
		report.Failed++
		return
	}

	if payload.RoundNumber == 0 {
		e.runSingle(action, report, func() error {
			return e.submitCategoryScore(ctx, action, payload)
		})
		return
	}

	key := action.SessionID + "#" + strconv.Itoa(payload.RoundNumber)
	if attempted[key] {
		// A sibling already drove this round during the cycle; whatever
		// outcome the batch had applies to this action too.
		return
	}
	attempted[key] = true

	batch, submission, err := e.collectRound(action.SessionID, payload.RoundNumber, settled, report)
	switch {
	case err == nil:
	case errors.Is(err, errDeferred):
		_ = e.store.MarkActionDeferred(action.ID)
		report.Deferred++
		return
	default:
		report.Failed++
		_ = e.store.MarkActionFailed(action.ID, err)
		return
	}

	e.submitRound(ctx, batch, submission, report)
}

func (e *Engine) submitCategoryScore(ctx context.Context, action *models.OfflineAction, payload models.AddScorePayload) error {
	sess, err := e.store.GetSession(action.SessionID)
	if err != nil {
		return err
	}
	if sess.ServerID == "" {
		return errDeferred
	}

	player, err := e.store.GetPlayer(payload.PlayerID)
	if err != nil {
		return err
	}
	if player.ServerID == "" {
		return errDeferred
	}

	err = e.client.SubmitScore(ctx, sess.ServerID, api.ScoreSubmission{
		PlayerID: player.ServerID,
		Category: payload.Category,
		Score:    payload.Score,
		Details:  payload.Details,
	})
	if err != nil {
		return err
	}
	return e.store.SetScoreSynced(payload.ScoreID, "")
}

// roundMember pairs one queued action with its decoded payload.
type roundMember struct {
	action  *models.OfflineAction
	payload models.AddScorePayload
}

// collectRound gathers every open add_score action of one round and builds
// the batched submission. The collect phase makes no server calls; it
// defers when the session or any contributing player still lacks a server
// identifier. A sibling whose payload no longer decodes fails on its own
// and is dropped from the batch, so the healthy members keep their retry
// budgets in lockstep.
func (e *Engine) collectRound(sessionID string, round int, settled map[string]bool, report *CycleReport) ([]roundMember, *roundSubmission, error) {
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.ServerID == "" {
		return nil, nil, errRoundIncomplete
	}

	open, err := e.store.ListOpenActionsForSession(sessionID, models.ActionAddScore)
	if err != nil {
		return nil, nil, err
	}

	var members []roundMember
	submission := api.RoundSubmission{RoundNumber: round}
	for _, a := range open {
		if settled[a.ID] {
			// Already failed earlier in this cycle.
			continue
		}
		var p models.AddScorePayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			_ = e.store.MarkActionFailed(a.ID, apperr.Wrap(apperr.ErrInvalid, "corrupt add_score payload in round batch", err))
			settled[a.ID] = true
			report.Failed++
			continue
		}
		if p.RoundNumber != round {
			continue
		}

		player, err := e.store.GetPlayer(p.PlayerID)
		if err != nil {
			return nil, nil, err
		}
		if player.ServerID == "" {
			return nil, nil, errRoundIncomplete
		}

		members = append(members, roundMember{action: a, payload: p})
		submission.Scores = append(submission.Scores, api.ScoreSubmission{
			PlayerID: player.ServerID,
			Score:    p.Score,
			Details:  p.Details,
		})
	}

	if len(members) == 0 {
		return nil, nil, apperr.New(apperr.ErrInternal,
			fmt.Sprintf("no open actions for session %s round %d", sessionID, round))
	}
	return members, &roundSubmission{serverID: sess.ServerID, round: submission}, nil
}

type roundSubmission struct {
	serverID string
	round    api.RoundSubmission
}

// submitRound commits a collected batch: one server call, then every
// member settles together. A failure consumes one retry on every member so
// their budgets stay in lockstep.
func (e *Engine) submitRound(ctx context.Context, batch []roundMember, sub *roundSubmission, report *CycleReport) {
	for _, m := range batch {
		if err := e.store.MarkActionSyncing(m.action.ID); err != nil {
			report.Failed++
			return
		}
	}

	if err := e.client.SubmitRound(ctx, sub.serverID, sub.round); err != nil {
		logging.Warn("round submission failed", map[string]interface{}{
			"round": sub.round.RoundNumber,
			"error": err.Error(),
		})
		for _, m := range batch {
			_ = e.store.MarkActionFailed(m.action.ID, err)
		}
		report.Failed += len(batch)
		return
	}

	ids := make([]string, 0, len(batch))
	for _, m := range batch {
		if err := e.store.SetScoreSynced(m.payload.ScoreID, ""); err != nil {
			logging.Error("failed to mark score synced", err, map[string]interface{}{
				"score_id": m.payload.ScoreID,
			})
		}
		ids = append(ids, m.action.ID)
	}
	if err := e.store.MarkActionsSynced(ids); err != nil {
		logging.Error("failed to mark round batch synced", err)
		report.Failed += len(batch)
		return
	}
	report.Synced += len(batch)
}
