package sync

import (
	"context"
	"fmt"
	"sort"

	"github.com/Cryborg/scoresheets-sync/internal/apperr"
	"github.com/Cryborg/scoresheets-sync/internal/logging"
	"github.com/Cryborg/scoresheets-sync/internal/models"
)

// reconcilePlayers pairs local players with the server's roster by
// position. The server assigns player identifiers at session creation and
// accepts only names, so the entry order is the sole correlation between
// the two sides. A count mismatch aborts before any identifier is written:
// a partially mapped roster would misattribute every later score.
func (e *Engine) reconcilePlayers(ctx context.Context, sess *models.OfflineSession) error {
	remote, err := e.client.GetSessionPlayers(ctx, sess.ServerID)
	if err != nil {
		return err
	}

	local, err := e.store.ListPlayersForSession(sess.ID)
	if err != nil {
		return err
	}

	// Stable so a roster without explicit positions keeps the server's
	// response order.
	sort.SliceStable(remote, func(i, j int) bool {
		return remote[i].Position < remote[j].Position
	})

	if len(local) != len(remote) {
		return apperr.New(apperr.ErrPlayerCountMismatch,
			fmt.Sprintf("session %s: %d local players, %d server players",
				sess.ID, len(local), len(remote)))
	}

	for i, lp := range local {
		if lp.ServerID != "" {
			// Already mapped by an earlier attempt.
			continue
		}
		if err := e.store.SetPlayerServerID(lp.ID, remote[i].ID); err != nil {
			return err
		}
	}

	logging.Debug("players reconciled", map[string]interface{}{
		"session_id": sess.ID,
		"players":    len(local),
	})
	return nil
}
