package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Cryborg/scoresheets-sync/internal/api"
	"github.com/Cryborg/scoresheets-sync/internal/apperr"
	"github.com/Cryborg/scoresheets-sync/internal/db"
	"github.com/Cryborg/scoresheets-sync/internal/models"
	"github.com/Cryborg/scoresheets-sync/migrations"
)

var _ Store = (*db.Repository)(nil)

// fakeRemote records every server call and can be told to fail specific
// endpoints.
type fakeRemote struct {
	mu gosync.Mutex

	createCalls  int
	joinCalls    int
	roundCalls   int
	scoreCalls   int
	updateCalls  int
	playersCalls int

	failCreate  error
	failRound   error
	failPlayers error

	serverID string
	players  []api.RemotePlayer
	rounds   []api.RoundSubmission
}

func (f *fakeRemote) CreateSession(ctx context.Context, req api.CreateSessionRequest) (*api.RemoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	if f.players == nil {
		for i, name := range req.PlayerNames {
			f.players = append(f.players, api.RemotePlayer{
				ID: fmt.Sprintf("srv-p%d", i), Name: name, Position: i,
			})
		}
	}
	return &api.RemoteSession{ID: f.serverID, Name: req.Name, GameID: req.GameID}, nil
}

func (f *fakeRemote) JoinSession(ctx context.Context, sessionID string, req api.JoinSessionRequest) (*api.RemotePlayer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinCalls++
	return &api.RemotePlayer{ID: "srv-joined", Name: req.PlayerName}, nil
}

func (f *fakeRemote) GetSessionPlayers(ctx context.Context, sessionID string) ([]api.RemotePlayer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playersCalls++
	if f.failPlayers != nil {
		return nil, f.failPlayers
	}
	return f.players, nil
}

func (f *fakeRemote) GetSessionStatus(ctx context.Context, sessionID string) (*api.RemoteSession, error) {
	return &api.RemoteSession{ID: sessionID, Status: "active"}, nil
}

func (f *fakeRemote) SubmitScore(ctx context.Context, sessionID string, score api.ScoreSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scoreCalls++
	return nil
}

func (f *fakeRemote) SubmitRound(ctx context.Context, sessionID string, round api.RoundSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roundCalls++
	if f.failRound != nil {
		return f.failRound
	}
	f.rounds = append(f.rounds, round)
	return nil
}

func (f *fakeRemote) UpdateSession(ctx context.Context, sessionID string, req api.SessionUpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	return nil
}

func (f *fakeRemote) ListSessions(ctx context.Context) ([]api.RemoteSession, error) {
	return nil, nil
}

func setupEngine(t *testing.T) (*Engine, *db.Repository, *fakeRemote) {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	m := db.NewMigrator(conn, migrations.Files)
	if err := m.Initialize(); err != nil {
		t.Fatalf("failed to initialize migrator: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	repo := db.NewRepository(conn)
	t.Cleanup(func() { repo.Close() })

	remote := &fakeRemote{serverID: "srv-1"}
	return NewEngine(repo, remote), repo, remote
}

func createTarotSession(t *testing.T, repo *db.Repository) string {
	t.Helper()
	id, err := repo.CreateOfflineSession(&models.OfflineSession{
		Name:        "Soirée Tarot",
		GameID:      "tarot",
		GameName:    "Tarot",
		PlayerNames: []string{"Alice", "Bob", "Chloé", "David"},
	})
	if err != nil {
		t.Fatalf("CreateOfflineSession failed: %v", err)
	}
	return id
}

func TestDrainCreatesSessionAndReconciles(t *testing.T) {
	engine, repo, remote := setupEngine(t)
	sessID := createTarotSession(t, repo)

	report, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Synced != 1 || report.Failed != 0 || report.Deferred != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
	if remote.createCalls != 1 || remote.playersCalls != 1 {
		t.Errorf("unexpected call counts: create=%d players=%d", remote.createCalls, remote.playersCalls)
	}

	sess, _ := repo.GetSession(sessID)
	if sess.ServerID != "srv-1" {
		t.Errorf("expected server id srv-1, got %q", sess.ServerID)
	}
	if sess.OfflineMode {
		t.Error("session should have left offline mode")
	}
	if sess.SyncStatus != models.SyncSynced {
		t.Errorf("expected sync status synced, got %q", sess.SyncStatus)
	}

	players, _ := repo.ListPlayersForSession(sessID)
	for i, p := range players {
		want := fmt.Sprintf("srv-p%d", i)
		if p.ServerID != want {
			t.Errorf("player %d: expected server id %s, got %q", i, want, p.ServerID)
		}
		if p.SyncStatus != models.SyncSynced {
			t.Errorf("player %d: expected synced, got %q", i, p.SyncStatus)
		}
	}

	pending, _ := repo.ListPendingActions()
	if len(pending) != 0 {
		t.Errorf("expected drained queue, got %d pending", len(pending))
	}
}

func TestCreateRetryDoesNotDuplicateSession(t *testing.T) {
	engine, repo, remote := setupEngine(t)
	sessID := createTarotSession(t, repo)

	// First cycle: the POST succeeds but reconciliation fails, leaving the
	// action retryable while the session is already synced.
	remote.failPlayers = errors.New("roster fetch failed")
	report, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("expected 1 failed action, got %+v", report)
	}

	sess, _ := repo.GetSession(sessID)
	if sess.ServerID != "srv-1" {
		t.Fatalf("server id not recorded: %q", sess.ServerID)
	}

	// Second cycle: reconciliation succeeds without a second POST.
	remote.failPlayers = nil
	report, err = engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Synced != 1 {
		t.Errorf("expected the retried action to sync, got %+v", report)
	}
	if remote.createCalls != 1 {
		t.Errorf("expected exactly one create call, got %d", remote.createCalls)
	}

	players, _ := repo.ListPlayersForSession(sessID)
	for i, p := range players {
		if p.ServerID == "" {
			t.Errorf("player %d still unmapped", i)
		}
	}
}

func TestRoundDefersUntilPlayersResolve(t *testing.T) {
	engine, repo, remote := setupEngine(t)
	sessID := createTarotSession(t, repo)
	players, _ := repo.ListPlayersForSession(sessID)

	// Round 3 scores for three players, queued while everything is still
	// local-only.
	for i, score := range []int{21, -7, 14} {
		if err := repo.AddScore(&models.OfflineScore{
			SessionID: sessID, PlayerID: players[i].ID, RoundNumber: 3, Score: score,
		}); err != nil {
			t.Fatalf("AddScore failed: %v", err)
		}
	}

	// Creation fails: the round cannot resolve identifiers and must defer
	// without consuming retries.
	remote.failCreate = errors.New("network down")
	report, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Deferred != 1 {
		t.Errorf("expected 1 deferred round, got %+v", report)
	}
	if remote.roundCalls != 0 {
		t.Errorf("round must not be submitted before reconciliation, got %d calls", remote.roundCalls)
	}

	actions, _ := repo.ListPendingActions()
	for _, a := range actions {
		if a.Kind == models.ActionAddScore && a.RetryCount != 0 {
			t.Errorf("deferral consumed a retry on action %s", a.ID)
		}
	}

	// Network recovers: create, reconcile, then the whole round in one call.
	remote.failCreate = nil
	report, err = engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Synced != 4 { // create_session + 3 round scores
		t.Errorf("expected 4 synced actions, got %+v", report)
	}
	if remote.roundCalls != 1 {
		t.Fatalf("expected one batched round call, got %d", remote.roundCalls)
	}
	if len(remote.rounds[0].Scores) != 3 {
		t.Errorf("expected 3 scores in the batch, got %d", len(remote.rounds[0].Scores))
	}
	if remote.rounds[0].RoundNumber != 3 {
		t.Errorf("expected round 3, got %d", remote.rounds[0].RoundNumber)
	}

	scores, _ := repo.ListScoresForRound(sessID, 3)
	for _, sc := range scores {
		if sc.SyncStatus != models.SyncSynced {
			t.Errorf("score %s not synced", sc.ID)
		}
	}
}

func TestRoundFailureMarksWholeBatch(t *testing.T) {
	engine, repo, remote := setupEngine(t)
	sessID := createTarotSession(t, repo)

	// Resolve the session first.
	if _, err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	players, _ := repo.ListPlayersForSession(sessID)
	for i := 0; i < 2; i++ {
		if err := repo.AddScore(&models.OfflineScore{
			SessionID: sessID, PlayerID: players[i].ID, RoundNumber: 1, Score: 10,
		}); err != nil {
			t.Fatalf("AddScore failed: %v", err)
		}
	}

	remote.failRound = errors.New("server error: 500")
	report, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Failed != 2 {
		t.Errorf("expected both batch members failed, got %+v", report)
	}
	if remote.roundCalls != 1 {
		t.Errorf("expected a single round call per cycle, got %d", remote.roundCalls)
	}

	actions, _ := repo.ListPendingActions()
	if len(actions) != 2 {
		t.Fatalf("expected 2 retryable actions, got %d", len(actions))
	}
	for _, a := range actions {
		if a.RetryCount != 1 {
			t.Errorf("action %s: expected retry count 1, got %d", a.ID, a.RetryCount)
		}
		if a.LastError == "" {
			t.Errorf("action %s: cause not recorded", a.ID)
		}
	}
}

func TestInterruptedActionRecoveredNextCycle(t *testing.T) {
	engine, repo, remote := setupEngine(t)
	sessID := createTarotSession(t, repo)

	// A crash after the durable syncing mark but before the server call
	// leaves the action in-flight on disk.
	action := mustFindAction(t, repo, models.ActionCreateSession)
	if err := repo.MarkActionSyncing(action.ID); err != nil {
		t.Fatalf("MarkActionSyncing failed: %v", err)
	}
	if pending, _ := repo.ListPendingActions(); len(pending) != 0 {
		t.Fatalf("in-flight action unexpectedly drainable, got %d", len(pending))
	}

	report, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Synced != 1 {
		t.Errorf("expected the recovered action synced, got %+v", report)
	}
	if remote.createCalls != 1 {
		t.Errorf("expected one create call, got %d", remote.createCalls)
	}

	got, err := repo.GetAction(action.ID)
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if got.SyncStatus != models.ActionSynced {
		t.Errorf("expected action synced, got %s", got.SyncStatus)
	}
	if got.RetryCount != 0 {
		t.Errorf("recovery must not consume a retry, got count %d", got.RetryCount)
	}

	sess, _ := repo.GetSession(sessID)
	if sess.ServerID != "srv-1" {
		t.Errorf("expected session resolved, got server id %q", sess.ServerID)
	}
}

func TestCorruptRoundSiblingFailsAlone(t *testing.T) {
	engine, repo, remote := setupEngine(t)
	sessID := createTarotSession(t, repo)

	// Resolve the session first.
	if _, err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	players, _ := repo.ListPlayersForSession(sessID)
	if err := repo.AddScore(&models.OfflineScore{
		SessionID: sessID, PlayerID: players[0].ID, RoundNumber: 2, Score: 18,
	}); err != nil {
		t.Fatalf("AddScore failed: %v", err)
	}
	healthy := mustFindAction(t, repo, models.ActionAddScore)

	corrupt := &models.OfflineAction{Kind: models.ActionAddScore, SessionID: sessID,
		Payload: json.RawMessage(`{"round_number":`)}
	if err := repo.EnqueueAction(corrupt); err != nil {
		t.Fatalf("EnqueueAction failed: %v", err)
	}

	report, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Synced != 1 || report.Failed != 1 {
		t.Errorf("expected 1 synced and 1 failed, got %+v", report)
	}
	if remote.roundCalls != 1 {
		t.Fatalf("expected one round call, got %d", remote.roundCalls)
	}
	if len(remote.rounds[0].Scores) != 1 {
		t.Errorf("expected the healthy score alone in the batch, got %d", len(remote.rounds[0].Scores))
	}

	// The healthy member settles clean; only the corrupt one pays a retry.
	got, _ := repo.GetAction(healthy.ID)
	if got.SyncStatus != models.ActionSynced || got.RetryCount != 0 {
		t.Errorf("healthy member blamed: status=%s retries=%d", got.SyncStatus, got.RetryCount)
	}
	bad, _ := repo.GetAction(corrupt.ID)
	if bad.SyncStatus != models.ActionFailed {
		t.Errorf("expected corrupt action failed, got %s", bad.SyncStatus)
	}
	if bad.RetryCount != 1 {
		t.Errorf("expected exactly one retry consumed, got %d", bad.RetryCount)
	}
	if bad.LastError == "" {
		t.Error("cause not recorded on corrupt action")
	}
}

func TestPersistentFailureStabilizesAtMaxRetries(t *testing.T) {
	engine, repo, remote := setupEngine(t)
	createTarotSession(t, repo)

	remote.failCreate = errors.New("network down")
	for i := 0; i < models.DefaultMaxRetries+2; i++ {
		if _, err := engine.Sync(context.Background()); err != nil {
			t.Fatalf("Sync %d failed: %v", i, err)
		}
	}

	if remote.createCalls != models.DefaultMaxRetries {
		t.Errorf("expected %d create attempts, got %d", models.DefaultMaxRetries, remote.createCalls)
	}

	pending, _ := repo.ListPendingActions()
	if len(pending) != 0 {
		t.Errorf("exhausted action still drainable: %d pending", len(pending))
	}
	exhausted, _ := repo.ListExhaustedActions()
	if len(exhausted) != 1 {
		t.Fatalf("expected 1 exhausted action, got %d", len(exhausted))
	}
	if exhausted[0].RetryCount != models.DefaultMaxRetries {
		t.Errorf("expected retry count %d, got %d", models.DefaultMaxRetries, exhausted[0].RetryCount)
	}
}

func TestCategoryScoreSubmitsIndividually(t *testing.T) {
	engine, repo, remote := setupEngine(t)
	sessID := createTarotSession(t, repo)

	if _, err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	players, _ := repo.ListPlayersForSession(sessID)
	for _, cat := range []string{"brelan", "full"} {
		if err := repo.AddScore(&models.OfflineScore{
			SessionID: sessID, PlayerID: players[0].ID, Category: cat, Score: 25,
		}); err != nil {
			t.Fatalf("AddScore failed: %v", err)
		}
	}

	report, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Synced != 2 {
		t.Errorf("expected 2 synced actions, got %+v", report)
	}
	if remote.scoreCalls != 2 {
		t.Errorf("expected 2 individual score calls, got %d", remote.scoreCalls)
	}
	if remote.roundCalls != 0 {
		t.Errorf("category scores must not batch, got %d round calls", remote.roundCalls)
	}
}

func TestPlayerCountMismatchFailsWithoutMapping(t *testing.T) {
	engine, repo, remote := setupEngine(t)
	sessID := createTarotSession(t, repo)

	// Server reports one roster entry too few.
	remote.players = []api.RemotePlayer{
		{ID: "srv-p0", Name: "Alice", Position: 0},
		{ID: "srv-p1", Name: "Bob", Position: 1},
		{ID: "srv-p2", Name: "Chloé", Position: 2},
	}

	report, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("expected the create action to fail, got %+v", report)
	}

	players, _ := repo.ListPlayersForSession(sessID)
	for i, p := range players {
		if p.ServerID != "" {
			t.Errorf("player %d partially mapped to %q", i, p.ServerID)
		}
	}

	action := mustFindAction(t, repo, models.ActionCreateSession)
	if action.LastError == "" {
		t.Error("mismatch cause not recorded on the action")
	}
}

func TestUpdateSessionDefersUntilCreated(t *testing.T) {
	engine, repo, remote := setupEngine(t)
	sessID := createTarotSession(t, repo)

	status := models.SessionCompleted
	if err := repo.UpdateSession(sessID, db.SessionUpdate{Status: &status}, true); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	remote.failCreate = errors.New("network down")
	report, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Deferred != 1 {
		t.Errorf("expected the update deferred, got %+v", report)
	}
	if remote.updateCalls != 0 {
		t.Errorf("update must wait for the create, got %d calls", remote.updateCalls)
	}

	remote.failCreate = nil
	report, err = engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Synced != 2 {
		t.Errorf("expected create and update synced, got %+v", report)
	}
	if remote.updateCalls != 1 {
		t.Errorf("expected 1 update call, got %d", remote.updateCalls)
	}
}

func TestObserversNotifiedAfterCycle(t *testing.T) {
	engine, repo, _ := setupEngine(t)
	createTarotSession(t, repo)

	var got CycleReport
	var notified bool
	engine.Subscribe(func(r CycleReport) {
		got = r
		notified = true
	})

	if _, err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !notified {
		t.Fatal("observer not notified")
	}
	if got.Synced != 1 {
		t.Errorf("observer saw wrong report: %+v", got)
	}
}

func TestSyncInProgressGuard(t *testing.T) {
	engine, _, _ := setupEngine(t)

	engine.mu.Lock()
	engine.syncing = true
	engine.mu.Unlock()

	_, err := engine.Sync(context.Background())
	if !apperr.Is(err, apperr.ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}
}

func TestAuthCheckSkipsCycle(t *testing.T) {
	engine, repo, remote := setupEngine(t)
	createTarotSession(t, repo)

	engine.SetAuthCheck(func() bool { return false })
	report, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Synced != 0 || remote.createCalls != 0 {
		t.Errorf("unauthorized cycle must not touch the server: %+v calls=%d", report, remote.createCalls)
	}

	engine.SetAuthCheck(func() bool { return true })
	report, err = engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Synced != 1 {
		t.Errorf("expected drain once authorized, got %+v", report)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	engine, _, _ := setupEngine(t)

	engine.Start()
	engine.Start()

	status := engine.Status()
	if !status.Running {
		t.Error("expected running after Start")
	}

	engine.Stop()
	engine.Stop()

	status = engine.Status()
	if status.Running {
		t.Error("expected stopped after Stop")
	}
}

func TestForceSyncDrainsPromptly(t *testing.T) {
	engine, repo, _ := setupEngine(t)

	done := make(chan CycleReport, 4)
	engine.Subscribe(func(r CycleReport) {
		done <- r
	})

	engine.Start()
	defer engine.Stop()

	// Let the immediate first cycle pass.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never ran")
	}

	createTarotSession(t, repo)
	engine.ForceSync()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-done:
			if r.Synced == 1 {
				return
			}
		case <-deadline:
			t.Fatal("forced cycle never drained the queue")
		}
	}
}

func mustFindAction(t *testing.T, repo *db.Repository, kind string) *models.OfflineAction {
	t.Helper()
	actions, err := repo.ListExhaustedActions()
	if err != nil {
		t.Fatalf("ListExhaustedActions failed: %v", err)
	}
	pending, err := repo.ListPendingActions()
	if err != nil {
		t.Fatalf("ListPendingActions failed: %v", err)
	}
	for _, a := range append(actions, pending...) {
		if a.Kind == kind {
			return a
		}
	}
	t.Fatalf("no action of kind %s found", kind)
	return nil
}
