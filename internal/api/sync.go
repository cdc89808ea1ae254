package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/marcus/clinsync/internal/engine"
	"github.com/marcus/clinsync/internal/store"
)

// handleSyncPush triggers a push pass over the local queue.
func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Push(r.Context())
	if err != nil {
		s.writeSyncError(w, r, err)
		return
	}
	s.metrics.RecordPushed(int64(summary.Succeeded))
	s.metrics.RecordConflicts(int64(len(summary.Conflicts)))
	writeJSON(w, http.StatusOK, summary)
}

// handleSyncPull triggers a pull pass. The optional since_utc query
// parameter rewinds the cursor first, forcing a re-sync from that point.
func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("since_utc"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "since_utc must be RFC 3339")
			return
		}
		if err := s.db.SetLastSyncAt(since.UTC()); err != nil {
			logFor(r.Context()).Error("rewind cursor", "err", err)
			writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to rewind sync cursor")
			return
		}
	}

	summary, err := s.engine.Pull(r.Context())
	if err != nil {
		s.writeSyncError(w, r, err)
		return
	}
	s.metrics.RecordPulled(int64(summary.Applied))
	s.metrics.RecordConflicts(int64(len(summary.Conflicts)))
	writeJSON(w, http.StatusOK, summary)
}

// handleSyncRun triggers a full push-then-pull cycle.
func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.RunFullCycle(r.Context())
	if err != nil {
		if errors.Is(err, engine.ErrSyncInProgress) {
			writeError(w, http.StatusConflict, ErrCodeSyncInProgress, err.Error())
			return
		}
		// A partial result still tells the caller what happened before the
		// failure; report it alongside the error.
		logFor(r.Context()).Warn("sync cycle failed", "err", err)
		writeJSON(w, http.StatusBadGateway, result)
		return
	}
	s.metrics.RecordCycle()
	s.metrics.RecordPushed(int64(result.Push.Succeeded))
	s.metrics.RecordPulled(int64(result.Pull.Applied))
	s.metrics.RecordConflicts(int64(len(result.Push.Conflicts) + len(result.Pull.Conflicts)))
	writeJSON(w, http.StatusOK, result)
}

// handleSyncStatus reports queue depth, conflict backlog, and recent
// activity.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.GetStatus(s.config.HistoryLimit)
	if err != nil {
		logFor(r.Context()).Error("sync status", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read sync status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, engine.ErrSyncInProgress) {
		writeError(w, http.StatusConflict, ErrCodeSyncInProgress, err.Error())
		return
	}
	logFor(r.Context()).Warn("sync pass failed", "err", err)
	writeError(w, http.StatusBadGateway, ErrCodeSyncFailed, err.Error())
}

// handleListConflicts lists archived conflicts, unresolved first by default.
func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	unresolvedOnly := r.URL.Query().Get("all") != "true"

	conflicts, err := s.db.ListConflicts(unresolvedOnly, limit)
	if err != nil {
		logFor(r.Context()).Error("list conflicts", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list conflicts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

// handleGetConflict returns one archived conflict with both versions.
func (s *Server) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "conflict id must be an integer")
		return
	}
	conflict, err := s.db.GetConflict(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "conflict not found")
		return
	}
	if err != nil {
		logFor(r.Context()).Error("get conflict", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to load conflict")
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

// handleResolveConflict acknowledges a conflict. The archived versions are
// never altered.
func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "conflict id must be an integer")
		return
	}
	if err := s.db.MarkConflictResolved(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "conflict not found")
			return
		}
		logFor(r.Context()).Error("resolve conflict", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to resolve conflict")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "resolved": true})
}
