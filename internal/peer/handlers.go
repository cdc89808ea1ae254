package peer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/marcus/clinsync/internal/models"
)

const (
	defaultChangesLimit = 100
	maxChangesLimit     = 1000
)

// handleGetRecord returns the stored copy of one record.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := r.PathValue("type"), r.PathValue("id")
	if !models.ValidEntityType(entityType) {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown entity type")
		return
	}

	rec, err := s.storage.GetRecord(entityType, entityID)
	if err != nil {
		slog.Error("get record", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load record")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not_found", "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handlePutRecord accepts a pushed record version. Immutability violations
// answer 409 with a code the client maps to a terminal rejection.
func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := r.PathValue("type"), r.PathValue("id")
	if !models.ValidEntityType(entityType) {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown entity type")
		return
	}

	var rec StoredRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid record body")
		return
	}
	rec.EntityType, rec.EntityID = entityType, entityID
	if len(rec.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "missing payload")
		return
	}
	if rec.LastModifiedUTC.IsZero() {
		writeError(w, http.StatusBadRequest, "bad_request", "missing last_modified_utc")
		return
	}
	if rec.ModifiedBy == "" {
		if u := userFrom(r.Context()); u != nil {
			rec.ModifiedBy = u.UserID
		}
	}

	err := s.storage.UpsertRecord(&rec)
	switch {
	case errors.Is(err, ErrImmutable):
		writeError(w, http.StatusConflict, "rejected_immutable", "stored record is signed and immutable")
	case errors.Is(err, ErrLocked):
		writeError(w, http.StatusConflict, "rejected_locked", "stored record is locked")
	case err != nil:
		slog.Error("upsert record", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to store record")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// handleDeleteRecord soft-deletes the stored copy of a record.
func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := r.PathValue("type"), r.PathValue("id")
	if !models.ValidEntityType(entityType) {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown entity type")
		return
	}

	err := s.storage.DeleteRecord(entityType, entityID)
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "record not found")
	case errors.Is(err, ErrImmutable):
		writeError(w, http.StatusConflict, "rejected_immutable", "stored record is signed and immutable")
	case errors.Is(err, ErrLocked):
		writeError(w, http.StatusConflict, "rejected_locked", "stored record is locked")
	case err != nil:
		slog.Error("delete record", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to delete record")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// changesResponse is the page format for GET /v1/changes.
type changesResponse struct {
	Records    []StoredRecord `json:"records"`
	HasMore    bool           `json:"has_more"`
	ServerTime time.Time      `json:"server_time"`
}

// handleChanges returns records updated since the cursor, in server order.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if v := r.URL.Query().Get("since_utc"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "since_utc must be RFC 3339")
			return
		}
		u := t.UTC()
		since = &u
	}

	limit := defaultChangesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		if n > maxChangesLimit {
			n = maxChangesLimit
		}
		limit = n
	}

	records, hasMore, err := s.storage.ChangesSince(since, limit)
	if err != nil {
		slog.Error("changes since", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load changes")
		return
	}
	writeJSON(w, http.StatusOK, changesResponse{
		Records:    records,
		HasMore:    hasMore,
		ServerTime: s.storage.now(),
	})
}
