package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marcus/clinsync/internal/models"
	"github.com/marcus/clinsync/internal/remote"
	"github.com/marcus/clinsync/internal/store"
)

// fakeRemote is an in-memory record server.
type fakeRemote struct {
	mu         sync.Mutex
	records    map[string]*remote.Record
	pushErr    map[string]error
	fetchErr   error
	changes    []remote.Record
	serverTime time.Time
	pushed     []string
	blockPush  chan struct{} // when set, PushRecord waits on it
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records:    make(map[string]*remote.Record),
		pushErr:    make(map[string]error),
		serverTime: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
	}
}

func key(entityType, entityID string) string { return entityType + "/" + entityID }

func (f *fakeRemote) FetchRecord(ctx context.Context, entityType, entityID string) (*remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	rec, ok := f.records[key(entityType, entityID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRemote) PushRecord(ctx context.Context, rec *remote.Record) error {
	if f.blockPush != nil {
		select {
		case <-f.blockPush:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(rec.EntityType, rec.EntityID)
	if err := f.pushErr[k]; err != nil {
		return err
	}
	cp := *rec
	cp.ServerUpdatedAt = f.serverTime
	f.records[k] = &cp
	f.pushed = append(f.pushed, k)
	return nil
}

func (f *fakeRemote) DeleteRecord(ctx context.Context, entityType, entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(entityType, entityID)
	if err := f.pushErr[k]; err != nil {
		return err
	}
	if rec, ok := f.records[k]; ok {
		rec.Deleted = true
	}
	f.pushed = append(f.pushed, k+":delete")
	return nil
}

func (f *fakeRemote) Changes(ctx context.Context, since *time.Time, limit int) (*remote.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &remote.ChangeSet{Records: f.changes, ServerTime: f.serverTime}, nil
}

func newTestEngine(t *testing.T) (*Engine, *store.DB, *fakeRemote) {
	t.Helper()
	db, err := store.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	fake := newFakeRemote()
	return New(db, fake, nil), db, fake
}

func ctxAs(userID string) context.Context {
	return store.WithActor(context.Background(), userID)
}

func patientPayload(id, family, lastModified string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id":%q,"given_name":"Remote","family_name":%q,"birth_date":"1990-01-01","mrn":"MRN-R","last_modified_utc":%q,"modified_by_user_id":"dr-remote"}`,
		id, family, lastModified))
}

// A clinician documents offline all day; everything uploads cleanly when
// the connection returns.
func TestPushHappyPath(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	p := &models.Patient{GivenName: "Ana", FamilyName: "Rivera"}
	if err := db.CreatePatient(ctxAs("dr-lee"), p); err != nil {
		t.Fatalf("create: %v", err)
	}
	n := &models.ClinicalNote{PatientID: p.ID, Content: "seen today"}
	if err := db.CreateClinicalNote(ctxAs("dr-lee"), n); err != nil {
		t.Fatalf("create note: %v", err)
	}

	summary, err := eng.Push(context.Background())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if summary.Total != 2 || summary.Succeeded != 2 || summary.Failed != 0 {
		t.Fatalf("summary: %+v", summary)
	}

	got, _ := db.GetPatient(p.ID)
	if got.SyncMeta.SyncState != models.SyncStateSynced {
		t.Fatalf("patient sync state: %s", got.SyncMeta.SyncState)
	}
	status, _ := db.GetQueueStatus()
	if status.Pending != 0 || status.Completed != 2 {
		t.Fatalf("queue after push: %+v", status)
	}
	if len(fake.pushed) != 2 {
		t.Fatalf("server received %d records", len(fake.pushed))
	}
}

// Two clinicians edit the same patient on different devices; the newer
// write wins and the older one is archived, not lost.
func TestPushLastWriteWinsRemoteNewer(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	base := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return base })
	p := &models.Patient{GivenName: "Ana", FamilyName: "Rivera"}
	if err := db.CreatePatient(ctxAs("nurse-kim"), p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.SetLastSyncAt(base.Add(time.Minute)); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	// Re-edit locally after the cursor so the item is an update.
	db.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	p.MRN = "MRN-local"
	if err := db.UpdatePatient(ctxAs("nurse-kim"), p); err != nil {
		t.Fatalf("update: %v", err)
	}

	// The physician's device reached the server later with a newer edit.
	remoteModified := base.Add(5 * time.Minute)
	fake.records[key(models.EntityPatients, p.ID)] = &remote.Record{
		EntityType:      models.EntityPatients,
		EntityID:        p.ID,
		Payload:         patientPayload(p.ID, "Rivera-Updated", remoteModified.Format(time.RFC3339Nano)),
		LastModifiedUTC: remoteModified,
		ModifiedBy:      "dr-cho",
	}

	summary, err := eng.Push(context.Background())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(summary.Conflicts) != 1 {
		t.Fatalf("conflicts: %+v", summary)
	}
	if summary.Conflicts[0].Winner != "remote" {
		t.Fatalf("winner: %s", summary.Conflicts[0].Winner)
	}

	// The remote version was applied locally; nothing was transmitted.
	got, _ := db.GetPatient(p.ID)
	if got.FamilyName != "Rivera-Updated" {
		t.Fatalf("local copy not displaced: %+v", got)
	}
	if got.SyncMeta.SyncState != models.SyncStateSynced {
		t.Fatalf("sync state: %s", got.SyncMeta.SyncState)
	}
	if len(fake.pushed) != 0 {
		t.Fatalf("losing local version was transmitted")
	}

	// The losing local version is in the archive verbatim.
	conflicts, _ := db.ListConflicts(false, 10)
	if len(conflicts) != 1 {
		t.Fatalf("archived conflicts: %d", len(conflicts))
	}
	var losing map[string]any
	if err := json.Unmarshal(conflicts[0].LosingData, &losing); err != nil {
		t.Fatalf("losing data: %v", err)
	}
	if losing["mrn"] != "MRN-local" {
		t.Fatalf("archived losing version wrong: %v", losing)
	}
}

// Local newer edit wins over an older remote competitor: transmitted, and
// the displaced remote version is archived.
func TestPushLastWriteWinsLocalNewer(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	base := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return base })
	p := &models.Patient{FamilyName: "Okafor"}
	if err := db.CreatePatient(ctxAs("dr-lee"), p); err != nil {
		t.Fatalf("create: %v", err)
	}
	db.SetLastSyncAt(base.Add(time.Minute))
	db.SetClock(func() time.Time { return base.Add(10 * time.Minute) })
	p.MRN = "MRN-newest"
	if err := db.UpdatePatient(ctxAs("dr-lee"), p); err != nil {
		t.Fatalf("update: %v", err)
	}

	older := base.Add(2 * time.Minute)
	fake.records[key(models.EntityPatients, p.ID)] = &remote.Record{
		EntityType:      models.EntityPatients,
		EntityID:        p.ID,
		Payload:         patientPayload(p.ID, "Okafor", older.Format(time.RFC3339Nano)),
		LastModifiedUTC: older,
	}

	summary, err := eng.Push(context.Background())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if summary.Succeeded != 1 || len(summary.Conflicts) != 1 {
		t.Fatalf("summary: %+v", summary)
	}
	if summary.Conflicts[0].Winner != "local" {
		t.Fatalf("winner: %s", summary.Conflicts[0].Winner)
	}
	if len(fake.pushed) != 1 {
		t.Fatalf("winning local version was not transmitted")
	}
	conflicts, _ := db.ListConflicts(false, 10)
	if len(conflicts) != 1 {
		t.Fatalf("displaced remote version not archived")
	}
}

// A physician signs a note on one device while this device holds an
// unsynced draft edit. The draft can never be applied: terminal failure,
// draft archived.
func TestPushAgainstSignedRemoteIsTerminal(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	base := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return base })
	p := &models.Patient{FamilyName: "Haddad"}
	db.CreatePatient(ctxAs("dr-lee"), p)
	n := &models.ClinicalNote{PatientID: p.ID, Content: "local draft"}
	if err := db.CreateClinicalNote(ctxAs("dr-lee"), n); err != nil {
		t.Fatalf("create note: %v", err)
	}
	db.SetLastSyncAt(base.Add(time.Minute))
	db.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	n.Content = "local draft v2"
	if err := db.UpdateClinicalNote(ctxAs("dr-lee"), n); err != nil {
		t.Fatalf("update note: %v", err)
	}

	signedAt := base.Add(5 * time.Minute)
	fake.records[key(models.EntityClinicalNotes, n.ID)] = &remote.Record{
		EntityType:      models.EntityClinicalNotes,
		EntityID:        n.ID,
		Payload:         json.RawMessage(fmt.Sprintf(`{"id":%q,"content":"final","signature_hash":"sha256:x","last_modified_utc":%q}`, n.ID, signedAt.Format(time.RFC3339Nano))),
		LastModifiedUTC: signedAt,
		SignatureHash:   "sha256:x",
	}

	summary, err := eng.Push(context.Background())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("summary: %+v", summary)
	}

	// Terminal: the item is failed at its retry ceiling and never retried.
	item, _ := db.PendingItemFor(models.EntityClinicalNotes, n.ID)
	if item != nil {
		t.Fatalf("rejected item still live: %+v", item)
	}
	status, _ := db.GetQueueStatus()
	if status.Failed != 1 {
		t.Fatalf("queue: %+v", status)
	}

	// The record is flagged and the draft preserved in the archive.
	state, _ := db.GetRecordState(models.EntityClinicalNotes, n.ID)
	if state.SyncState != models.SyncStateConflict {
		t.Fatalf("record state: %s", state.SyncState)
	}
	conflicts, _ := db.ListConflicts(true, 10)
	if len(conflicts) != 1 || conflicts[0].Resolution != models.ResolutionRejectedImmutable {
		t.Fatalf("archive: %+v", conflicts)
	}
}

// Server-enforced rejection (409) without a contested fetch is still
// terminal and archived.
func TestPushServerRejectionIsTerminal(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	p := &models.Patient{FamilyName: "Silva"}
	db.CreatePatient(ctxAs("dr-lee"), p)
	fake.pushErr[key(models.EntityPatients, p.ID)] = remote.ErrRejectedLocked

	summary, err := eng.Push(context.Background())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("summary: %+v", summary)
	}
	status, _ := db.GetQueueStatus()
	if status.Failed != 1 || status.Pending != 0 {
		t.Fatalf("queue: %+v", status)
	}
	conflicts, _ := db.ListConflicts(false, 10)
	if len(conflicts) != 1 || conflicts[0].Resolution != models.ResolutionRejectedLocked {
		t.Fatalf("archive: %+v", conflicts)
	}
}

func TestPushTransientFailureRespectsRetryCeiling(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	p := &models.Patient{FamilyName: "Diaz"}
	db.CreatePatient(ctxAs("dr-lee"), p)
	fake.fetchErr = errors.New("connection refused")

	for attempt := 1; attempt <= models.DefaultMaxRetries; attempt++ {
		summary, err := eng.Push(context.Background())
		if err != nil {
			t.Fatalf("push attempt %d: %v", attempt, err)
		}
		if summary.Failed != 1 {
			t.Fatalf("attempt %d: %+v", attempt, summary)
		}
	}

	status, _ := db.GetQueueStatus()
	if status.Failed != 1 || status.Pending != 0 {
		t.Fatalf("after ceiling: %+v", status)
	}

	// Further pushes find nothing to do.
	summary, err := eng.Push(context.Background())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if summary.Total != 0 {
		t.Fatalf("failed item re-dequeued: %+v", summary)
	}
}

func TestPullAppliesCleanChanges(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	modified := time.Date(2026, 8, 31, 11, 0, 0, 0, time.UTC)
	fake.changes = []remote.Record{{
		EntityType:      models.EntityPatients,
		EntityID:        "pt-remote",
		Payload:         patientPayload("pt-remote", "Moreau", modified.Format(time.RFC3339Nano)),
		LastModifiedUTC: modified,
		ServerUpdatedAt: modified,
	}}

	summary, err := eng.Pull(context.Background())
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if summary.Applied != 1 || len(summary.Conflicts) != 0 {
		t.Fatalf("summary: %+v", summary)
	}

	got, err := db.GetPatient("pt-remote")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SyncMeta.SyncState != models.SyncStateSynced {
		t.Fatalf("pulled record state: %s", got.SyncMeta.SyncState)
	}

	cursor, _ := db.GetLastSyncAt()
	if cursor == nil || !cursor.Equal(fake.serverTime) {
		t.Fatalf("cursor: %v", cursor)
	}
}

// Remote newer version displaces a pending local edit on pull: the local
// version is archived and its queue item cancelled.
func TestPullRemoteWinsCancelsPendingItem(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	base := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return base })
	p := &models.Patient{FamilyName: "Kim", MRN: "MRN-local"}
	db.CreatePatient(ctxAs("nurse-kim"), p)

	newer := base.Add(time.Hour)
	fake.changes = []remote.Record{{
		EntityType:      models.EntityPatients,
		EntityID:        p.ID,
		Payload:         patientPayload(p.ID, "Kim-Remote", newer.Format(time.RFC3339Nano)),
		LastModifiedUTC: newer,
		ServerUpdatedAt: newer,
	}}

	summary, err := eng.Pull(context.Background())
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if summary.Applied != 1 || len(summary.Conflicts) != 1 {
		t.Fatalf("summary: %+v", summary)
	}

	status, _ := db.GetQueueStatus()
	if status.Cancelled != 1 || status.Pending != 0 {
		t.Fatalf("queue: %+v", status)
	}
	got, _ := db.GetPatient(p.ID)
	if got.FamilyName != "Kim-Remote" {
		t.Fatalf("remote version not applied: %+v", got)
	}
	conflicts, _ := db.ListConflicts(false, 10)
	if len(conflicts) != 1 {
		t.Fatalf("local loser not archived")
	}
}

// A tablet pulls changes for an intake form it has locked locally with
// unsynced edits: the incoming version is skipped and archived.
func TestPullAgainstLockedLocalSkipsRemote(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	base := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return base })
	p := &models.Patient{FamilyName: "Nakamura"}
	db.CreatePatient(ctxAs("dr-lee"), p)
	f := &models.IntakeForm{PatientID: p.ID, FormType: "intake", Responses: json.RawMessage(`{"pain":"7"}`)}
	if err := db.CreateIntakeForm(ctxAs("reception"), f); err != nil {
		t.Fatalf("create form: %v", err)
	}
	if err := db.LockForm(ctxAs("dr-lee"), f.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}

	newer := base.Add(time.Hour)
	fake.changes = []remote.Record{{
		EntityType:      models.EntityIntakeForms,
		EntityID:        f.ID,
		Payload:         json.RawMessage(fmt.Sprintf(`{"id":%q,"responses":"{\"pain\":\"1\"}","last_modified_utc":%q}`, f.ID, newer.Format(time.RFC3339Nano))),
		LastModifiedUTC: newer,
		ServerUpdatedAt: newer,
	}}

	summary, err := eng.Pull(context.Background())
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if summary.Skipped != 1 || summary.Applied != 0 {
		t.Fatalf("summary: %+v", summary)
	}

	got, _ := db.GetIntakeForm(f.ID)
	if string(got.Responses) != `{"pain":"7"}` {
		t.Fatalf("locked local content displaced: %s", got.Responses)
	}
	conflicts, _ := db.ListConflicts(false, 10)
	if len(conflicts) != 1 || conflicts[0].Resolution != models.ResolutionRejectedLocked {
		t.Fatalf("archive: %+v", conflicts)
	}
}

// A note signed and synced on this device rejects a divergent incoming
// version even though its local copy has no unsynced edits.
func TestPullKeepsSignedSyncedNoteIntact(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	base := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return base })
	n := &models.ClinicalNote{PatientID: "pt-1", Content: "final assessment"}
	if err := db.CreateClinicalNote(ctxAs("dr-lee"), n); err != nil {
		t.Fatalf("create note: %v", err)
	}
	if err := db.SignNote(ctxAs("dr-lee"), n.ID, "sha256:abc"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := eng.Push(context.Background()); err != nil {
		t.Fatalf("push: %v", err)
	}

	newer := base.Add(time.Hour)
	fake.changes = []remote.Record{{
		EntityType:      models.EntityClinicalNotes,
		EntityID:        n.ID,
		Payload:         json.RawMessage(fmt.Sprintf(`{"id":%q,"patient_id":"pt-1","content":"amended elsewhere","last_modified_utc":%q}`, n.ID, newer.Format(time.RFC3339Nano))),
		LastModifiedUTC: newer,
		ServerUpdatedAt: newer,
	}}

	summary, err := eng.Pull(context.Background())
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if summary.Skipped != 1 || summary.Applied != 0 {
		t.Fatalf("summary: %+v", summary)
	}

	got, err := db.GetClinicalNote(n.ID)
	if err != nil {
		t.Fatalf("reload note: %v", err)
	}
	if got.Content != "final assessment" || got.SignatureHash != "sha256:abc" {
		t.Fatalf("signed note altered: content=%q sig=%q", got.Content, got.SignatureHash)
	}
	conflicts, _ := db.ListConflicts(false, 10)
	if len(conflicts) != 1 || conflicts[0].Resolution != models.ResolutionRejectedImmutable {
		t.Fatalf("archive: %+v", conflicts)
	}
}

// The pull echo of this device's own signed push is the same version it
// already holds; it applies cleanly instead of reading as a conflict.
func TestPullSignedEchoIsNotAConflict(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	n := &models.ClinicalNote{PatientID: "pt-1", Content: "final assessment"}
	if err := db.CreateClinicalNote(ctxAs("dr-lee"), n); err != nil {
		t.Fatalf("create note: %v", err)
	}
	if err := db.SignNote(ctxAs("dr-lee"), n.ID, "sha256:abc"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := eng.Push(context.Background()); err != nil {
		t.Fatalf("push: %v", err)
	}

	srv := fake.records[key(models.EntityClinicalNotes, n.ID)]
	fake.changes = []remote.Record{*srv}

	summary, err := eng.Pull(context.Background())
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if summary.Applied != 1 || len(summary.Conflicts) != 0 {
		t.Fatalf("summary: %+v", summary)
	}

	got, err := db.GetClinicalNote(n.ID)
	if err != nil {
		t.Fatalf("reload note: %v", err)
	}
	if got.Content != "final assessment" || got.SignatureHash != "sha256:abc" {
		t.Fatalf("echo mangled note: content=%q sig=%q", got.Content, got.SignatureHash)
	}
}

func TestRunFullCycleSingleFlight(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	p := &models.Patient{FamilyName: "Busy"}
	db.CreatePatient(ctxAs("dr-lee"), p)

	fake.blockPush = make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := eng.RunFullCycle(context.Background())
		done <- err
	}()
	<-started
	// Give the goroutine time to take the lock and block in PushRecord.
	waitUntil(t, func() bool {
		_, err := eng.Push(context.Background())
		return errors.Is(err, ErrSyncInProgress)
	})

	if _, err := eng.RunFullCycle(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("second cycle: got %v, want ErrSyncInProgress", err)
	}

	close(fake.blockPush)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestCancellationRevertsProcessing(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	for i := 0; i < 3; i++ {
		p := &models.Patient{FamilyName: fmt.Sprintf("Fam-%d", i)}
		if err := db.CreatePatient(ctxAs("dr-lee"), p); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	fake.blockPush = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := eng.Push(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("push: got %v, want context.Canceled", err)
		}
	}()

	waitUntil(t, func() bool {
		status, err := db.GetQueueStatus()
		return err == nil && status.Processing == 3
	})
	cancel()
	<-done

	// The in-flight item fails transiently; the untouched remainder is
	// back to Pending, nothing is stuck in Processing.
	status, err := db.GetQueueStatus()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Processing != 0 {
		t.Fatalf("items stuck in processing: %+v", status)
	}
	if status.Pending < 2 {
		t.Fatalf("remainder not reverted: %+v", status)
	}
}

func TestDeletePropagation(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	p := &models.Patient{FamilyName: "Gone"}
	db.CreatePatient(ctxAs("dr-lee"), p)
	if _, err := eng.Push(context.Background()); err != nil {
		t.Fatalf("initial push: %v", err)
	}
	if err := db.DeletePatient(ctxAs("dr-lee"), p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	summary, err := eng.Push(context.Background())
	if err != nil {
		t.Fatalf("push delete: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("summary: %+v", summary)
	}
	if rec := fake.records[key(models.EntityPatients, p.ID)]; rec == nil || !rec.Deleted {
		t.Fatalf("delete not propagated: %+v", rec)
	}
}

func TestGetStatus(t *testing.T) {
	eng, db, fake := newTestEngine(t)

	p := &models.Patient{FamilyName: "Status"}
	db.CreatePatient(ctxAs("dr-lee"), p)

	status, err := eng.GetStatus(5)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Pending != 1 {
		t.Fatalf("pending: %d", status.Pending)
	}
	if status.InProgress {
		t.Fatal("idle engine reported in progress")
	}
	if status.LastSyncAt != nil {
		t.Fatalf("never-synced device has a cursor: %v", status.LastSyncAt)
	}

	// A running cycle is visible while it holds the engine.
	fake.blockPush = make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.Push(context.Background())
	}()
	waitUntil(t, func() bool {
		st, err := eng.GetStatus(0)
		return err == nil && st.InProgress
	})
	close(fake.blockPush)
	<-done

	status, err = eng.GetStatus(0)
	if err != nil {
		t.Fatalf("status after cycle: %v", err)
	}
	if status.InProgress {
		t.Fatal("finished cycle still reported in progress")
	}
}

// Reading status must never contend for the engine: cycles started while
// status is polled continuously still run, and never fail spuriously.
func TestGetStatusDoesNotBlockCycles(t *testing.T) {
	eng, db, _ := newTestEngine(t)

	p := &models.Patient{FamilyName: "Busy"}
	db.CreatePatient(ctxAs("dr-lee"), p)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := eng.GetStatus(0); err != nil {
				t.Errorf("status: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		if _, err := eng.RunFullCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()
}
