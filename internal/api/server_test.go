package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/clinsync/internal/engine"
	"github.com/marcus/clinsync/internal/models"
	"github.com/marcus/clinsync/internal/remote"
	"github.com/marcus/clinsync/internal/store"
)

// stubRemote answers every engine call with empty success.
type stubRemote struct{}

func (stubRemote) FetchRecord(ctx context.Context, entityType, entityID string) (*remote.Record, error) {
	return nil, nil
}
func (stubRemote) PushRecord(ctx context.Context, rec *remote.Record) error { return nil }
func (stubRemote) DeleteRecord(ctx context.Context, entityType, entityID string) error {
	return nil
}
func (stubRemote) Changes(ctx context.Context, since *time.Time, limit int) (*remote.ChangeSet, error) {
	return &remote.ChangeSet{ServerTime: time.Now().UTC()}, nil
}

func newTestServer(t *testing.T, token string) (*Server, *store.DB) {
	t.Helper()
	db, err := store.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	eng := engine.New(db, stubRemote{}, nil)
	cfg := LoadConfig()
	cfg.AuthToken = token
	return NewServer(cfg, db, eng), db
}

func doReq(t *testing.T, s *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAuthFailsClosed(t *testing.T) {
	// No token configured: every request is refused, not waved through.
	s, _ := newTestServer(t, "")
	rec := doReq(t, s, "GET", "/v1/sync/status", "anything")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unconfigured auth: got %d, want 401", rec.Code)
	}

	s, _ = newTestServer(t, "secret")
	cases := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"wrong token", "wrong"},
	}
	for _, tc := range cases {
		rec := doReq(t, s, "GET", "/v1/sync/status", tc.token)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: got %d, want 401", tc.name, rec.Code)
		}
		var body ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Errorf("%s: error body not JSON: %v", tc.name, err)
		} else if body.Error.Code != ErrCodeUnauthorized {
			t.Errorf("%s: code %q", tc.name, body.Error.Code)
		}
	}
}

func TestHealthzIsPublic(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	rec := doReq(t, s, "GET", "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", rec.Code)
	}
}

func TestSyncStatus(t *testing.T) {
	s, db := newTestServer(t, "secret")

	p := &models.Patient{FamilyName: "Rivera"}
	if err := db.CreatePatient(store.WithActor(context.Background(), "dr-lee"), p); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doReq(t, s, "GET", "/v1/sync/status", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d: %s", rec.Code, rec.Body.String())
	}
	var status engine.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Pending != 1 {
		t.Fatalf("pending: got %d, want 1", status.Pending)
	}

	// Queue counts serialize at the top level, not under a nested object.
	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if _, ok := raw["pending"]; !ok {
		t.Fatalf("status body missing top-level pending: %s", rec.Body.String())
	}
	if _, ok := raw["queue"]; ok {
		t.Fatalf("status body nests counts under queue: %s", rec.Body.String())
	}
}

func TestSyncRunEndpoint(t *testing.T) {
	s, db := newTestServer(t, "secret")

	p := &models.Patient{FamilyName: "Okafor"}
	if err := db.CreatePatient(store.WithActor(context.Background(), "dr-lee"), p); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doReq(t, s, "POST", "/v1/sync/run", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("run: got %d: %s", rec.Code, rec.Body.String())
	}
	var result engine.CycleResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Success || result.Push.Succeeded != 1 {
		t.Fatalf("result: %+v", result)
	}

	// The push summary reports its completed count under "success".
	var raw struct {
		Push map[string]any `json:"push"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if _, ok := raw.Push["success"]; !ok {
		t.Fatalf("push summary missing success count: %s", rec.Body.String())
	}
	if _, ok := raw.Push["succeeded"]; ok {
		t.Fatalf("push summary uses stale key name: %s", rec.Body.String())
	}
}

func TestPullRejectsBadCursor(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	rec := doReq(t, s, "GET", "/v1/sync/pull?since_utc=not-a-time", "secret")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor: got %d", rec.Code)
	}
}

func TestConflictEndpoints(t *testing.T) {
	s, db := newTestServer(t, "secret")

	id, err := db.ArchiveConflict(&models.ConflictRecord{
		EntityType: models.EntityClinicalNotes,
		EntityID:   "note-1",
		Resolution: models.ResolutionRejectedImmutable,
		Reason:     "remote version is signed and immutable",
		LosingData: json.RawMessage(`{"content":"draft"}`),
	})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}

	rec := doReq(t, s, "GET", "/v1/conflicts", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got %d", rec.Code)
	}
	var list struct {
		Conflicts []models.ConflictRecord `json:"conflicts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Conflicts) != 1 || list.Conflicts[0].ID != id {
		t.Fatalf("list: %+v", list)
	}

	rec = doReq(t, s, "GET", fmt.Sprintf("/v1/conflicts/%d", id), "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got %d", rec.Code)
	}

	rec = doReq(t, s, "POST", fmt.Sprintf("/v1/conflicts/%d/resolve", id), "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: got %d: %s", rec.Code, rec.Body.String())
	}

	// Resolved conflicts drop out of the default (unresolved) listing.
	rec = doReq(t, s, "GET", "/v1/conflicts", "secret")
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Conflicts) != 0 {
		t.Fatalf("resolved conflict still listed: %+v", list)
	}

	rec = doReq(t, s, "POST", "/v1/conflicts/9999/resolve", "secret")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("resolve missing: got %d", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	rec := doReq(t, s, "GET", "/healthz", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}
