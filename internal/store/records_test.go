package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/marcus/clinsync/internal/models"
)

func TestCreatePatientStampsAndEnqueues(t *testing.T) {
	db := newTestDB(t)
	fixed := time.Date(2026, 8, 31, 10, 30, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return fixed })

	p := &models.Patient{GivenName: "Ana", FamilyName: "Rivera"}
	if err := db.CreatePatient(testCtx("dr-lee"), p); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := db.GetPatient(p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.SyncMeta.LastModifiedUTC.Equal(fixed) {
		t.Errorf("last modified: got %v, want %v", got.SyncMeta.LastModifiedUTC, fixed)
	}
	if got.SyncMeta.ModifiedByUserID != "dr-lee" {
		t.Errorf("modified by: got %q, want dr-lee", got.SyncMeta.ModifiedByUserID)
	}
	if got.SyncMeta.SyncState != models.SyncStatePending {
		t.Errorf("sync state: got %s, want pending", got.SyncMeta.SyncState)
	}

	item, err := db.PendingItemFor(models.EntityPatients, p.ID)
	if err != nil {
		t.Fatalf("pending item: %v", err)
	}
	if item == nil || item.Operation != models.OpCreate {
		t.Fatalf("expected a pending create item, got %+v", item)
	}
}

func TestUpdateMarksSyncedRecordPendingAgain(t *testing.T) {
	db := newTestDB(t)
	p := mustCreatePatient(t, db, "Rivera")

	if err := db.MarkRecordSynced(models.EntityPatients, p.ID, db.now()); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	p.MRN = "MRN-0042"
	if err := db.UpdatePatient(testCtx("dr-cho"), p); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := db.GetPatient(p.ID)
	if got.SyncMeta.SyncState != models.SyncStatePending {
		t.Fatalf("edited record should be pending again, got %s", got.SyncMeta.SyncState)
	}
	if got.SyncMeta.ModifiedByUserID != "dr-cho" {
		t.Fatalf("modified by: got %q, want dr-cho", got.SyncMeta.ModifiedByUserID)
	}
}

func TestSignedNoteRejectsEdits(t *testing.T) {
	db := newTestDB(t)
	p := mustCreatePatient(t, db, "Okafor")

	n := &models.ClinicalNote{PatientID: p.ID, NoteType: "progress", Content: "initial eval"}
	if err := db.CreateClinicalNote(testCtx("dr-lee"), n); err != nil {
		t.Fatalf("create note: %v", err)
	}
	if err := db.SignNote(testCtx("dr-lee"), n.ID, "sha256:abc"); err != nil {
		t.Fatalf("sign note: %v", err)
	}

	n.Content = "amended after signing"
	if err := db.UpdateClinicalNote(testCtx("dr-lee"), n); !errors.Is(err, ErrImmutable) {
		t.Fatalf("update signed note: got %v, want ErrImmutable", err)
	}
	if err := db.SignNote(testCtx("dr-lee"), n.ID, "sha256:other"); !errors.Is(err, ErrImmutable) {
		t.Fatalf("re-sign: got %v, want ErrImmutable", err)
	}
	if err := db.DeleteClinicalNote(testCtx("dr-lee"), n.ID); !errors.Is(err, ErrImmutable) {
		t.Fatalf("delete signed note: got %v, want ErrImmutable", err)
	}

	got, err := db.GetClinicalNote(n.ID)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	if got.Content != "initial eval" {
		t.Fatalf("signed content changed: %q", got.Content)
	}
	if got.SignatureHash != "sha256:abc" {
		t.Fatalf("signature changed: %q", got.SignatureHash)
	}
}

func TestLockedFormRejectsContentChanges(t *testing.T) {
	db := newTestDB(t)
	p := mustCreatePatient(t, db, "Haddad")

	f := &models.IntakeForm{PatientID: p.ID, FormType: "intake", Responses: json.RawMessage(`{"pain":"7"}`)}
	if err := db.CreateIntakeForm(testCtx("reception"), f); err != nil {
		t.Fatalf("create form: %v", err)
	}
	if err := db.LockForm(testCtx("dr-lee"), f.ID); err != nil {
		t.Fatalf("lock form: %v", err)
	}
	// Locking twice is a no-op, not an error.
	if err := db.LockForm(testCtx("dr-lee"), f.ID); err != nil {
		t.Fatalf("re-lock form: %v", err)
	}

	f.Responses = json.RawMessage(`{"pain":"2"}`)
	if err := db.UpdateIntakeForm(testCtx("reception"), f); !errors.Is(err, ErrLocked) {
		t.Fatalf("update locked form: got %v, want ErrLocked", err)
	}
	if err := db.DeleteIntakeForm(testCtx("reception"), f.ID); !errors.Is(err, ErrLocked) {
		t.Fatalf("delete locked form: got %v, want ErrLocked", err)
	}

	got, err := db.GetIntakeForm(f.ID)
	if err != nil {
		t.Fatalf("get form: %v", err)
	}
	if !got.Locked || got.LockedAt == nil {
		t.Fatalf("form should be locked with a timestamp")
	}
}

func TestSoftDeleteHidesRecordAndEnqueues(t *testing.T) {
	db := newTestDB(t)
	p := mustCreatePatient(t, db, "Diaz")

	if err := db.DeletePatient(testCtx("dr-lee"), p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetPatient(p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted patient still readable: %v", err)
	}

	item, err := db.PendingItemFor(models.EntityPatients, p.ID)
	if err != nil {
		t.Fatalf("pending item: %v", err)
	}
	if item == nil || item.Operation != models.OpDelete {
		t.Fatalf("expected pending delete item, got %+v", item)
	}

	// The row itself survives for sync.
	state, err := db.GetRecordState(models.EntityPatients, p.ID)
	if err != nil {
		t.Fatalf("record state: %v", err)
	}
	if !state.Exists || !state.Deleted {
		t.Fatalf("soft-deleted row missing: exists=%v deleted=%v", state.Exists, state.Deleted)
	}
}

func TestGetRecordState(t *testing.T) {
	db := newTestDB(t)
	p := mustCreatePatient(t, db, "Nakamura")

	n := &models.ClinicalNote{PatientID: p.ID, Content: "note body"}
	if err := db.CreateClinicalNote(testCtx("dr-lee"), n); err != nil {
		t.Fatalf("create note: %v", err)
	}
	if err := db.SignNote(testCtx("dr-lee"), n.ID, "sha256:def"); err != nil {
		t.Fatalf("sign: %v", err)
	}

	state, err := db.GetRecordState(models.EntityClinicalNotes, n.ID)
	if err != nil {
		t.Fatalf("record state: %v", err)
	}
	if !state.Exists {
		t.Fatal("state should exist")
	}
	if state.SignatureHash != "sha256:def" {
		t.Errorf("signature hash: got %q", state.SignatureHash)
	}
	if state.SyncState != models.SyncStatePending {
		t.Errorf("sync state: got %s", state.SyncState)
	}

	// The modification timestamp must survive the round trip through the
	// driver, which hands DATETIME columns back as time.Time.
	reloaded, err := db.GetClinicalNote(n.ID)
	if err != nil {
		t.Fatalf("reload note: %v", err)
	}
	if state.LastModifiedUTC.IsZero() || !state.LastModifiedUTC.Equal(reloaded.SyncMeta.LastModifiedUTC) {
		t.Errorf("last modified: got %v, want %v", state.LastModifiedUTC, reloaded.SyncMeta.LastModifiedUTC)
	}
	if state.Locked || state.Deleted {
		t.Errorf("plain note flags: locked=%v deleted=%v", state.Locked, state.Deleted)
	}

	var payload map[string]any
	if err := json.Unmarshal(state.Payload, &payload); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if payload["content"] != "note body" {
		t.Errorf("payload content: got %v", payload["content"])
	}
	if s, ok := payload["last_modified_utc"].(string); !ok || s == "" {
		t.Errorf("payload last_modified_utc: got %T (%v)", payload["last_modified_utc"], payload["last_modified_utc"])
	}

	f := &models.IntakeForm{PatientID: p.ID, FormType: "intake"}
	if err := db.CreateIntakeForm(testCtx("reception"), f); err != nil {
		t.Fatalf("create form: %v", err)
	}
	if err := db.LockForm(testCtx("dr-lee"), f.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	fstate, err := db.GetRecordState(models.EntityIntakeForms, f.ID)
	if err != nil {
		t.Fatalf("form state: %v", err)
	}
	if !fstate.Locked {
		t.Error("locked form not reported locked")
	}

	if err := db.DeletePatient(testCtx("dr-lee"), p.ID); err != nil {
		t.Fatalf("delete patient: %v", err)
	}
	pstate, err := db.GetRecordState(models.EntityPatients, p.ID)
	if err != nil {
		t.Fatalf("patient state: %v", err)
	}
	if !pstate.Exists || !pstate.Deleted {
		t.Errorf("deleted patient: exists=%v deleted=%v", pstate.Exists, pstate.Deleted)
	}

	missing, err := db.GetRecordState(models.EntityPatients, "no-such-id")
	if err != nil {
		t.Fatalf("missing state: %v", err)
	}
	if missing.Exists {
		t.Fatal("missing record reported as existing")
	}
}

func TestApplyRemoteRecord(t *testing.T) {
	db := newTestDB(t)
	p := mustCreatePatient(t, db, "Silva")

	remote := map[string]any{
		"id":                  p.ID,
		"given_name":          "Beatriz",
		"family_name":         "Silva",
		"birth_date":          "1985-01-15",
		"mrn":                 "MRN-remote",
		"last_modified_utc":   "2026-08-31T11:00:00Z",
		"modified_by_user_id": "dr-remote",
		"server_only_column":  "dropped silently",
	}
	payload, _ := json.Marshal(remote)
	if err := db.ApplyRemoteRecord(models.EntityPatients, p.ID, payload); err != nil {
		t.Fatalf("apply remote: %v", err)
	}

	got, err := db.GetPatient(p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.GivenName != "Beatriz" || got.MRN != "MRN-remote" {
		t.Fatalf("remote fields not applied: %+v", got)
	}
	if got.SyncMeta.SyncState != models.SyncStateSynced {
		t.Fatalf("applied record should be synced, got %s", got.SyncMeta.SyncState)
	}
	if got.SyncMeta.ModifiedByUserID != "dr-remote" {
		t.Fatalf("modified by: got %q", got.SyncMeta.ModifiedByUserID)
	}
}

func TestApplyRemoteDelete(t *testing.T) {
	db := newTestDB(t)
	p := mustCreatePatient(t, db, "Moreau")

	when := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	if err := db.ApplyRemoteDelete(models.EntityPatients, p.ID, when); err != nil {
		t.Fatalf("apply remote delete: %v", err)
	}
	if _, err := db.GetPatient(p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("remotely deleted patient still readable: %v", err)
	}

	state, _ := db.GetRecordState(models.EntityPatients, p.ID)
	if !state.Deleted || state.SyncState != models.SyncStateSynced {
		t.Fatalf("remote delete state: deleted=%v sync=%s", state.Deleted, state.SyncState)
	}
}

func TestMarkRecordSyncedSkipsNewerEdit(t *testing.T) {
	db := newTestDB(t)
	start := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return start })
	p := mustCreatePatient(t, db, "Kim")

	// Local edit lands after the push snapshot was taken.
	db.SetClock(func() time.Time { return start.Add(time.Minute) })
	p.MRN = "MRN-newer"
	if err := db.UpdatePatient(testCtx("dr-lee"), p); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := db.MarkRecordSynced(models.EntityPatients, p.ID, start); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	got, _ := db.GetPatient(p.ID)
	if got.SyncMeta.SyncState != models.SyncStatePending {
		t.Fatalf("newer edit lost its pending state: %s", got.SyncMeta.SyncState)
	}
}
