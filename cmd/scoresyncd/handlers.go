package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Cryborg/scoresheets-sync/internal/api"
	"github.com/Cryborg/scoresheets-sync/internal/apperr"
	"github.com/Cryborg/scoresheets-sync/internal/continuity"
	"github.com/Cryborg/scoresheets-sync/internal/db"
	"github.com/Cryborg/scoresheets-sync/internal/logging"
	"github.com/Cryborg/scoresheets-sync/internal/merge"
	"github.com/Cryborg/scoresheets-sync/internal/netstatus"
	syncengine "github.com/Cryborg/scoresheets-sync/internal/sync"
)

const sessionListTTL = 5 * time.Minute

type server struct {
	repo    *db.Repository
	client  api.RemoteClient
	engine  syncengine.Syncer
	manager *continuity.Manager
	monitor *netstatus.Monitor
}

func newServer(repo *db.Repository, client api.RemoteClient, engine syncengine.Syncer,
	manager *continuity.Manager, monitor *netstatus.Monitor) *server {
	return &server{
		repo:    repo,
		client:  client,
		engine:  engine,
		manager: manager,
		monitor: monitor,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/sync/status", s.handleSyncStatus)
	mux.HandleFunc("/api/sync/now", s.handleSyncNow)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/recent", s.handleRecentSessions)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"online": s.monitor.Online(),
	})
}

func (s *server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := s.engine.Sync(r.Context())
	if apperr.Is(err, apperr.ErrSyncInProgress) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "sync already in progress",
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleSessions serves the merged session list. The server list is
// fetched live when possible and cached; offline, the last cached list is
// merged instead so the view degrades rather than disappears.
func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	local, err := s.repo.ListSessions()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	remote := s.fetchServerSessions(r)
	writeJSON(w, http.StatusOK, merge.Merge(remote, local))
}

func (s *server) fetchServerSessions(r *http.Request) []api.RemoteSession {
	if s.monitor.Online() {
		sessions, err := s.client.ListSessions(r.Context())
		if err == nil {
			if payload, err := json.Marshal(sessions); err == nil {
				if err := s.repo.CacheSet("/api/sessions", http.MethodGet, payload, sessionListTTL); err != nil {
					logging.Warn("failed to cache session list", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}
			return sessions
		}
		logging.Warn("live session list fetch failed, falling back to cache", map[string]interface{}{
			"error": err.Error(),
		})
	}

	cached, err := s.repo.CacheGet("/api/sessions", http.MethodGet)
	if err != nil {
		return nil
	}
	var sessions []api.RemoteSession
	if err := json.Unmarshal(cached, &sessions); err != nil {
		logging.Warn("corrupt cached session list", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	return sessions
}

func (s *server) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.manager.ListRecent(0))
	case http.MethodDelete:
		s.manager.ClearAll()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode response", err)
	}
}
