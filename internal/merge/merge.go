// Package merge builds the unified session list shown when both server and
// local sessions exist, hiding local sessions that already made it to the
// server so the user never sees the same game twice.
package merge

import (
	"sort"
	"strings"

	"github.com/Cryborg/scoresheets-sync/internal/api"
	"github.com/Cryborg/scoresheets-sync/internal/logging"
	"github.com/Cryborg/scoresheets-sync/internal/models"
)

// Source tags where a merged entry came from.
const (
	SourceServer = "server"
	SourceLocal  = "local"
)

// Entry is one row of the merged session list.
type Entry struct {
	Source       string                 `json:"source"`
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	GameName     string                 `json:"game_name"`
	Status       string                 `json:"status"`
	LastActivity int64                  `json:"last_activity"`
	Pending      bool                   `json:"pending"`
	Local        *models.OfflineSession `json:"-"`
}

// Merge combines the server's session list with the local store's. Every
// server session is shown. A local session is shown only while it has no
// server counterpart: a matching server id hides it, and so does a server
// session with the same name, game and player set, which covers the window
// where the create was replayed but the local row not yet marked synced.
func Merge(server []api.RemoteSession, local []*models.OfflineSession) []Entry {
	entries := make([]Entry, 0, len(server)+len(local))
	serverIDs := make(map[string]bool, len(server))
	serverKeys := make(map[string]bool, len(server))

	for _, rs := range server {
		serverIDs[rs.ID] = true
		serverKeys[remoteKey(rs)] = true
		entries = append(entries, Entry{
			Source:       SourceServer,
			ID:           rs.ID,
			Name:         rs.Name,
			GameName:     rs.GameName,
			Status:       rs.Status,
			LastActivity: rs.LastActivity,
		})
	}

	for _, ls := range local {
		switch ls.SyncStatus {
		case models.SyncPending:
			// Not known server-side yet, always shown.
		case models.SyncSynced:
			if ls.ServerID != "" && serverIDs[ls.ServerID] {
				continue
			}
			if serverKeys[localKey(ls)] {
				logging.Debug("hiding local session with server twin", map[string]interface{}{
					"session_id": ls.ID,
					"name":       ls.Name,
				})
				continue
			}
		default:
			// conflict and failed sessions surface through diagnostics,
			// not the session list.
			continue
		}
		entries = append(entries, Entry{
			Source:       SourceLocal,
			ID:           ls.ID,
			Name:         ls.Name,
			GameName:     ls.GameName,
			Status:       ls.Status,
			LastActivity: ls.LastActivity,
			Pending:      ls.SyncStatus == models.SyncPending,
			Local:        ls,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastActivity > entries[j].LastActivity
	})
	return entries
}

// The heuristic key: lowercased name and game plus the sorted, lowercased
// player names. Two sessions sharing all three are treated as the same game.
func key(name, gameID string, playerNames []string) string {
	names := make([]string, 0, len(playerNames))
	for _, n := range playerNames {
		names = append(names, strings.ToLower(strings.TrimSpace(n)))
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(name)))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(strings.TrimSpace(gameID)))
	for _, n := range names {
		b.WriteByte('|')
		b.WriteString(n)
	}
	return b.String()
}

func remoteKey(rs api.RemoteSession) string {
	names := rs.PlayerNames
	if len(names) == 0 && len(rs.Players) > 0 {
		names = make([]string, 0, len(rs.Players))
		for _, p := range rs.Players {
			names = append(names, p.Name)
		}
	}
	return key(rs.Name, rs.GameID, names)
}

func localKey(ls *models.OfflineSession) string {
	return key(ls.Name, ls.GameID, ls.PlayerNames)
}
