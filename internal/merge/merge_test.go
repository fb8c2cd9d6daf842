package merge

import (
	"testing"

	"github.com/Cryborg/scoresheets-sync/internal/api"
	"github.com/Cryborg/scoresheets-sync/internal/models"
)

func TestMergePendingLocalAlwaysShown(t *testing.T) {
	server := []api.RemoteSession{
		{ID: "srv-1", Name: "Partie en ligne", GameID: "yams", LastActivity: 100},
	}
	local := []*models.OfflineSession{
		{ID: "local_1_aaaaaaaaaaaa", Name: "Partie locale", GameID: "tarot",
			SyncStatus: models.SyncPending, LastActivity: 200},
	}

	entries := Merge(server, local)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Source != SourceLocal || !entries[0].Pending {
		t.Errorf("expected pending local entry first, got %+v", entries[0])
	}
}

func TestMergeHidesSyncedTwinByServerID(t *testing.T) {
	server := []api.RemoteSession{
		{ID: "srv-1", Name: "Soirée Tarot", GameID: "tarot", LastActivity: 100},
	}
	local := []*models.OfflineSession{
		{ID: "local_1_aaaaaaaaaaaa", Name: "Soirée Tarot", GameID: "tarot",
			ServerID: "srv-1", SyncStatus: models.SyncSynced, LastActivity: 90},
	}

	entries := Merge(server, local)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID != "srv-1" {
		t.Errorf("expected the server entry, got %q", entries[0].ID)
	}
}

func TestMergeHidesSyncedTwinByHeuristic(t *testing.T) {
	// The read-after-write window: local row is synced with a server id the
	// list fetch does not carry yet, but an identically-shaped server
	// session is present.
	server := []api.RemoteSession{
		{ID: "srv-9", Name: "Soirée Tarot", GameID: "tarot",
			PlayerNames: []string{"Bob", "alice "}, LastActivity: 100},
	}
	local := []*models.OfflineSession{
		{ID: "local_1_aaaaaaaaaaaa", Name: "soirée tarot", GameID: "tarot",
			PlayerNames: []string{"Alice", "Bob"},
			ServerID:    "srv-other", SyncStatus: models.SyncSynced, LastActivity: 90},
	}

	entries := Merge(server, local)
	if len(entries) != 1 {
		t.Fatalf("expected heuristic dedup to one entry, got %d", len(entries))
	}
	if entries[0].Source != SourceServer {
		t.Errorf("expected the server entry to win, got %+v", entries[0])
	}
}

func TestMergeKeepsDistinctSyncedLocal(t *testing.T) {
	server := []api.RemoteSession{
		{ID: "srv-1", Name: "Soirée Tarot", GameID: "tarot",
			PlayerNames: []string{"Alice", "Bob"}, LastActivity: 100},
	}
	local := []*models.OfflineSession{
		{ID: "local_1_aaaaaaaaaaaa", Name: "Soirée Tarot", GameID: "tarot",
			PlayerNames: []string{"Chloé", "David"},
			SyncStatus:  models.SyncSynced, LastActivity: 90},
	}

	entries := Merge(server, local)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for distinct player sets, got %d", len(entries))
	}
}

func TestMergeExcludesConflictAndFailed(t *testing.T) {
	local := []*models.OfflineSession{
		{ID: "local_1_aaaaaaaaaaaa", Name: "A", GameID: "g",
			SyncStatus: models.SyncConflict, LastActivity: 100},
		{ID: "local_2_bbbbbbbbbbbb", Name: "B", GameID: "g",
			SyncStatus: models.SyncFailed, LastActivity: 100},
	}

	entries := Merge(nil, local)
	if len(entries) != 0 {
		t.Errorf("expected conflict and failed sessions hidden, got %d", len(entries))
	}
}

func TestMergeSortsByActivityDescending(t *testing.T) {
	server := []api.RemoteSession{
		{ID: "srv-old", Name: "Ancienne", GameID: "g", LastActivity: 10},
		{ID: "srv-new", Name: "Récente", GameID: "g", LastActivity: 300},
	}
	local := []*models.OfflineSession{
		{ID: "local_1_aaaaaaaaaaaa", Name: "Locale", GameID: "g",
			SyncStatus: models.SyncPending, LastActivity: 200},
	}

	entries := Merge(server, local)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []string{"srv-new", "local_1_aaaaaaaaaaaa", "srv-old"}
	for i, id := range want {
		if entries[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, entries[i].ID)
		}
	}
}

func TestMergeUsesRosterWhenNamesAbsent(t *testing.T) {
	server := []api.RemoteSession{
		{ID: "srv-1", Name: "Soirée Tarot", GameID: "tarot",
			Players: []api.RemotePlayer{
				{ID: "p1", Name: "Alice", Position: 0},
				{ID: "p2", Name: "Bob", Position: 1},
			},
			LastActivity: 100},
	}
	local := []*models.OfflineSession{
		{ID: "local_1_aaaaaaaaaaaa", Name: "Soirée Tarot", GameID: "tarot",
			PlayerNames: []string{"Bob", "Alice"},
			SyncStatus:  models.SyncSynced, LastActivity: 90},
	}

	entries := Merge(server, local)
	if len(entries) != 1 {
		t.Fatalf("expected dedup via player roster, got %d entries", len(entries))
	}
}
