package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/clinsync/internal/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrImmutable indicates a write against a signed record.
	ErrImmutable = errors.New("record is signed and immutable")
	// ErrLocked indicates a content write against a locked record.
	ErrLocked = errors.New("record is locked")
)

// stamp applies the change interceptor metadata before a local write:
// modification timestamp, acting user from the context, and the Pending
// sync state. Runs for every create and update without exception.
func (db *DB) stamp(ctx context.Context, meta *models.SyncMeta) {
	meta.LastModifiedUTC = db.now()
	meta.ModifiedByUserID = ActorFrom(ctx)
	meta.SyncState = models.SyncStatePending
}

// --- Patients ---

// CreatePatient inserts a patient and enqueues its create in one transaction.
func (db *DB) CreatePatient(ctx context.Context, p *models.Patient) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	db.stamp(ctx, &p.SyncMeta)
	return db.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO patients (id, given_name, family_name, birth_date, mrn, last_modified_utc, modified_by_user_id, sync_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.GivenName, p.FamilyName, p.BirthDate, p.MRN,
			formatTime(p.SyncMeta.LastModifiedUTC), p.SyncMeta.ModifiedByUserID, p.SyncMeta.SyncState)
		if err != nil {
			return fmt.Errorf("insert patient: %w", err)
		}
		return enqueueTx(tx, models.EntityPatients, p.ID, models.OpCreate, db.now())
	})
}

// UpdatePatient writes new patient fields and enqueues the update.
func (db *DB) UpdatePatient(ctx context.Context, p *models.Patient) error {
	db.stamp(ctx, &p.SyncMeta)
	return db.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE patients
			SET given_name = ?, family_name = ?, birth_date = ?, mrn = ?,
			    last_modified_utc = ?, modified_by_user_id = ?, sync_state = ?
			WHERE id = ? AND deleted_at IS NULL`,
			p.GivenName, p.FamilyName, p.BirthDate, p.MRN,
			formatTime(p.SyncMeta.LastModifiedUTC), p.SyncMeta.ModifiedByUserID, p.SyncMeta.SyncState, p.ID)
		if err != nil {
			return fmt.Errorf("update patient: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return enqueueTx(tx, models.EntityPatients, p.ID, models.OpUpdate, db.now())
	})
}

// DeletePatient soft-deletes a patient and enqueues the delete.
func (db *DB) DeletePatient(ctx context.Context, id string) error {
	now := db.now()
	return db.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE patients
			SET deleted_at = ?, last_modified_utc = ?, modified_by_user_id = ?, sync_state = ?
			WHERE id = ? AND deleted_at IS NULL`,
			formatTime(now), formatTime(now), ActorFrom(ctx), models.SyncStatePending, id)
		if err != nil {
			return fmt.Errorf("delete patient: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return enqueueTx(tx, models.EntityPatients, id, models.OpDelete, now)
	})
}

// GetPatient loads a patient by ID. Soft-deleted patients are not returned.
func (db *DB) GetPatient(id string) (*models.Patient, error) {
	p := &models.Patient{}
	var lastModified string
	var deletedAt sql.NullString
	err := db.conn.QueryRow(`
		SELECT id, given_name, family_name, birth_date, mrn, deleted_at, last_modified_utc, modified_by_user_id, sync_state
		FROM patients WHERE id = ?`, id).
		Scan(&p.ID, &p.GivenName, &p.FamilyName, &p.BirthDate, &p.MRN,
			&deletedAt, &lastModified, &p.SyncMeta.ModifiedByUserID, &p.SyncMeta.SyncState)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", id, err)
	}
	if p.DeletedAt, err = scanNullableTime(deletedAt); err != nil {
		return nil, err
	}
	if p.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if p.SyncMeta.LastModifiedUTC, err = parseTimestamp(lastModified); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPatients returns all live patients ordered by family name.
func (db *DB) ListPatients() ([]*models.Patient, error) {
	rows, err := db.conn.Query(`
		SELECT id, given_name, family_name, birth_date, mrn, last_modified_utc, modified_by_user_id, sync_state
		FROM patients WHERE deleted_at IS NULL
		ORDER BY family_name, given_name`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []*models.Patient
	for rows.Next() {
		p := &models.Patient{}
		var lastModified string
		if err := rows.Scan(&p.ID, &p.GivenName, &p.FamilyName, &p.BirthDate, &p.MRN,
			&lastModified, &p.SyncMeta.ModifiedByUserID, &p.SyncMeta.SyncState); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		if p.SyncMeta.LastModifiedUTC, err = parseTimestamp(lastModified); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Clinical notes ---

// CreateClinicalNote inserts a note and enqueues its create.
func (db *DB) CreateClinicalNote(ctx context.Context, n *models.ClinicalNote) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.AuthorUserID == "" {
		n.AuthorUserID = ActorFrom(ctx)
	}
	db.stamp(ctx, &n.SyncMeta)
	return db.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO clinical_notes (id, patient_id, author_user_id, note_type, content, last_modified_utc, modified_by_user_id, sync_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.PatientID, n.AuthorUserID, n.NoteType, n.Content,
			formatTime(n.SyncMeta.LastModifiedUTC), n.SyncMeta.ModifiedByUserID, n.SyncMeta.SyncState)
		if err != nil {
			return fmt.Errorf("insert note: %w", err)
		}
		return enqueueTx(tx, models.EntityClinicalNotes, n.ID, models.OpCreate, db.now())
	})
}

// UpdateClinicalNote writes new note content. A signed note rejects the
// write with ErrImmutable before anything is touched.
func (db *DB) UpdateClinicalNote(ctx context.Context, n *models.ClinicalNote) error {
	db.stamp(ctx, &n.SyncMeta)
	return db.withTx(func(tx *sql.Tx) error {
		if err := requireNoteMutable(tx, n.ID); err != nil {
			return err
		}
		res, err := tx.Exec(`
			UPDATE clinical_notes
			SET note_type = ?, content = ?, last_modified_utc = ?, modified_by_user_id = ?, sync_state = ?
			WHERE id = ? AND deleted_at IS NULL`,
			n.NoteType, n.Content,
			formatTime(n.SyncMeta.LastModifiedUTC), n.SyncMeta.ModifiedByUserID, n.SyncMeta.SyncState, n.ID)
		if err != nil {
			return fmt.Errorf("update note: %w", err)
		}
		if cnt, _ := res.RowsAffected(); cnt == 0 {
			return ErrNotFound
		}
		return enqueueTx(tx, models.EntityClinicalNotes, n.ID, models.OpUpdate, db.now())
	})
}

// SignNote signs a note with the given content hash, making it immutable.
// Signing an already-signed note is rejected.
func (db *DB) SignNote(ctx context.Context, id, signatureHash string) error {
	now := db.now()
	return db.withTx(func(tx *sql.Tx) error {
		if err := requireNoteMutable(tx, id); err != nil {
			return err
		}
		res, err := tx.Exec(`
			UPDATE clinical_notes
			SET signature_hash = ?, signed_at = ?, signed_by_user_id = ?,
			    last_modified_utc = ?, modified_by_user_id = ?, sync_state = ?
			WHERE id = ? AND deleted_at IS NULL`,
			signatureHash, formatTime(now), ActorFrom(ctx),
			formatTime(now), ActorFrom(ctx), models.SyncStatePending, id)
		if err != nil {
			return fmt.Errorf("sign note: %w", err)
		}
		if cnt, _ := res.RowsAffected(); cnt == 0 {
			return ErrNotFound
		}
		return enqueueTx(tx, models.EntityClinicalNotes, id, models.OpUpdate, now)
	})
}

// DeleteClinicalNote soft-deletes an unsigned note. Signed notes cannot be
// deleted.
func (db *DB) DeleteClinicalNote(ctx context.Context, id string) error {
	now := db.now()
	return db.withTx(func(tx *sql.Tx) error {
		if err := requireNoteMutable(tx, id); err != nil {
			return err
		}
		res, err := tx.Exec(`
			UPDATE clinical_notes
			SET deleted_at = ?, last_modified_utc = ?, modified_by_user_id = ?, sync_state = ?
			WHERE id = ? AND deleted_at IS NULL`,
			formatTime(now), formatTime(now), ActorFrom(ctx), models.SyncStatePending, id)
		if err != nil {
			return fmt.Errorf("delete note: %w", err)
		}
		if cnt, _ := res.RowsAffected(); cnt == 0 {
			return ErrNotFound
		}
		return enqueueTx(tx, models.EntityClinicalNotes, id, models.OpDelete, now)
	})
}

func requireNoteMutable(tx *sql.Tx, id string) error {
	var sig string
	err := tx.QueryRow(`SELECT signature_hash FROM clinical_notes WHERE id = ? AND deleted_at IS NULL`, id).Scan(&sig)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check note %s: %w", id, err)
	}
	if sig != "" {
		return ErrImmutable
	}
	return nil
}

// GetClinicalNote loads a note by ID.
func (db *DB) GetClinicalNote(id string) (*models.ClinicalNote, error) {
	n := &models.ClinicalNote{}
	var lastModified string
	var signedAt, deletedAt sql.NullString
	err := db.conn.QueryRow(`
		SELECT id, patient_id, author_user_id, note_type, content, signature_hash, signed_at, signed_by_user_id,
		       deleted_at, last_modified_utc, modified_by_user_id, sync_state
		FROM clinical_notes WHERE id = ?`, id).
		Scan(&n.ID, &n.PatientID, &n.AuthorUserID, &n.NoteType, &n.Content, &n.SignatureHash, &signedAt,
			&n.SignedByUserID, &deletedAt, &lastModified, &n.SyncMeta.ModifiedByUserID, &n.SyncMeta.SyncState)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get note %s: %w", id, err)
	}
	if n.SignedAt, err = scanNullableTime(signedAt); err != nil {
		return nil, err
	}
	if n.DeletedAt, err = scanNullableTime(deletedAt); err != nil {
		return nil, err
	}
	if n.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if n.SyncMeta.LastModifiedUTC, err = parseTimestamp(lastModified); err != nil {
		return nil, err
	}
	return n, nil
}

// ListClinicalNotes returns live notes for a patient, newest first.
func (db *DB) ListClinicalNotes(patientID string) ([]*models.ClinicalNote, error) {
	rows, err := db.conn.Query(`
		SELECT id, patient_id, author_user_id, note_type, content, signature_hash, signed_at, signed_by_user_id,
		       last_modified_utc, modified_by_user_id, sync_state
		FROM clinical_notes
		WHERE patient_id = ? AND deleted_at IS NULL
		ORDER BY last_modified_utc DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var out []*models.ClinicalNote
	for rows.Next() {
		n := &models.ClinicalNote{}
		var lastModified string
		var signedAt sql.NullString
		if err := rows.Scan(&n.ID, &n.PatientID, &n.AuthorUserID, &n.NoteType, &n.Content,
			&n.SignatureHash, &signedAt, &n.SignedByUserID,
			&lastModified, &n.SyncMeta.ModifiedByUserID, &n.SyncMeta.SyncState); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		if n.SignedAt, err = scanNullableTime(signedAt); err != nil {
			return nil, err
		}
		if n.SyncMeta.LastModifiedUTC, err = parseTimestamp(lastModified); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- Intake forms ---

// CreateIntakeForm inserts a form and enqueues its create.
func (db *DB) CreateIntakeForm(ctx context.Context, f *models.IntakeForm) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if len(f.Responses) == 0 {
		f.Responses = json.RawMessage(`{}`)
	}
	db.stamp(ctx, &f.SyncMeta)
	return db.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO intake_forms (id, patient_id, form_type, responses, locked, last_modified_utc, modified_by_user_id, sync_state)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
			f.ID, f.PatientID, f.FormType, string(f.Responses),
			formatTime(f.SyncMeta.LastModifiedUTC), f.SyncMeta.ModifiedByUserID, f.SyncMeta.SyncState)
		if err != nil {
			return fmt.Errorf("insert form: %w", err)
		}
		return enqueueTx(tx, models.EntityIntakeForms, f.ID, models.OpCreate, db.now())
	})
}

// UpdateIntakeForm writes new form responses. Locked forms reject content
// changes with ErrLocked.
func (db *DB) UpdateIntakeForm(ctx context.Context, f *models.IntakeForm) error {
	db.stamp(ctx, &f.SyncMeta)
	return db.withTx(func(tx *sql.Tx) error {
		if err := requireFormUnlocked(tx, f.ID); err != nil {
			return err
		}
		res, err := tx.Exec(`
			UPDATE intake_forms
			SET form_type = ?, responses = ?, last_modified_utc = ?, modified_by_user_id = ?, sync_state = ?
			WHERE id = ? AND deleted_at IS NULL`,
			f.FormType, string(f.Responses),
			formatTime(f.SyncMeta.LastModifiedUTC), f.SyncMeta.ModifiedByUserID, f.SyncMeta.SyncState, f.ID)
		if err != nil {
			return fmt.Errorf("update form: %w", err)
		}
		if cnt, _ := res.RowsAffected(); cnt == 0 {
			return ErrNotFound
		}
		return enqueueTx(tx, models.EntityIntakeForms, f.ID, models.OpUpdate, db.now())
	})
}

// LockForm locks a form against further content changes. Locking an
// already-locked form is a no-op.
func (db *DB) LockForm(ctx context.Context, id string) error {
	now := db.now()
	return db.withTx(func(tx *sql.Tx) error {
		var locked bool
		err := tx.QueryRow(`SELECT locked FROM intake_forms WHERE id = ? AND deleted_at IS NULL`, id).Scan(&locked)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check form %s: %w", id, err)
		}
		if locked {
			return nil
		}
		_, err = tx.Exec(`
			UPDATE intake_forms
			SET locked = 1, locked_at = ?, last_modified_utc = ?, modified_by_user_id = ?, sync_state = ?
			WHERE id = ?`,
			formatTime(now), formatTime(now), ActorFrom(ctx), models.SyncStatePending, id)
		if err != nil {
			return fmt.Errorf("lock form: %w", err)
		}
		return enqueueTx(tx, models.EntityIntakeForms, id, models.OpUpdate, now)
	})
}

// DeleteIntakeForm soft-deletes an unlocked form.
func (db *DB) DeleteIntakeForm(ctx context.Context, id string) error {
	now := db.now()
	return db.withTx(func(tx *sql.Tx) error {
		if err := requireFormUnlocked(tx, id); err != nil {
			return err
		}
		res, err := tx.Exec(`
			UPDATE intake_forms
			SET deleted_at = ?, last_modified_utc = ?, modified_by_user_id = ?, sync_state = ?
			WHERE id = ? AND deleted_at IS NULL`,
			formatTime(now), formatTime(now), ActorFrom(ctx), models.SyncStatePending, id)
		if err != nil {
			return fmt.Errorf("delete form: %w", err)
		}
		if cnt, _ := res.RowsAffected(); cnt == 0 {
			return ErrNotFound
		}
		return enqueueTx(tx, models.EntityIntakeForms, id, models.OpDelete, now)
	})
}

func requireFormUnlocked(tx *sql.Tx, id string) error {
	var locked bool
	err := tx.QueryRow(`SELECT locked FROM intake_forms WHERE id = ? AND deleted_at IS NULL`, id).Scan(&locked)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check form %s: %w", id, err)
	}
	if locked {
		return ErrLocked
	}
	return nil
}

// GetIntakeForm loads a form by ID.
func (db *DB) GetIntakeForm(id string) (*models.IntakeForm, error) {
	f := &models.IntakeForm{}
	var responses, lastModified string
	var lockedAt, deletedAt sql.NullString
	err := db.conn.QueryRow(`
		SELECT id, patient_id, form_type, responses, locked, locked_at, deleted_at,
		       last_modified_utc, modified_by_user_id, sync_state
		FROM intake_forms WHERE id = ?`, id).
		Scan(&f.ID, &f.PatientID, &f.FormType, &responses, &f.Locked, &lockedAt,
			&deletedAt, &lastModified, &f.SyncMeta.ModifiedByUserID, &f.SyncMeta.SyncState)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get form %s: %w", id, err)
	}
	f.Responses = json.RawMessage(responses)
	if f.LockedAt, err = scanNullableTime(lockedAt); err != nil {
		return nil, err
	}
	if f.DeletedAt, err = scanNullableTime(deletedAt); err != nil {
		return nil, err
	}
	if f.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if f.SyncMeta.LastModifiedUTC, err = parseTimestamp(lastModified); err != nil {
		return nil, err
	}
	return f, nil
}

// ListIntakeForms returns live forms for a patient, newest first.
func (db *DB) ListIntakeForms(patientID string) ([]*models.IntakeForm, error) {
	rows, err := db.conn.Query(`
		SELECT id, patient_id, form_type, responses, locked, locked_at,
		       last_modified_utc, modified_by_user_id, sync_state
		FROM intake_forms
		WHERE patient_id = ? AND deleted_at IS NULL
		ORDER BY last_modified_utc DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	defer rows.Close()

	var out []*models.IntakeForm
	for rows.Next() {
		f := &models.IntakeForm{}
		var responses, lastModified string
		var lockedAt sql.NullString
		if err := rows.Scan(&f.ID, &f.PatientID, &f.FormType, &responses, &f.Locked, &lockedAt,
			&lastModified, &f.SyncMeta.ModifiedByUserID, &f.SyncMeta.SyncState); err != nil {
			return nil, fmt.Errorf("scan form: %w", err)
		}
		f.Responses = json.RawMessage(responses)
		if f.LockedAt, err = scanNullableTime(lockedAt); err != nil {
			return nil, err
		}
		if f.SyncMeta.LastModifiedUTC, err = parseTimestamp(lastModified); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- Generic record access for the sync engine ---

// RecordState is the entity-agnostic view of one tracked record, carrying
// everything the resolver and the wire protocol need.
type RecordState struct {
	EntityType      string
	EntityID        string
	Exists          bool
	Payload         json.RawMessage
	LastModifiedUTC time.Time
	ModifiedBy      string
	SyncState       models.SyncState
	SignatureHash   string
	Locked          bool
	Deleted         bool
}

// GetRecordState loads a record generically by entity type and ID. The
// payload is the full row as a JSON object, which is what gets transmitted
// and archived verbatim.
func (db *DB) GetRecordState(entityType, entityID string) (*RecordState, error) {
	if !models.ValidEntityType(entityType) {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	rows, err := db.conn.Query(fmt.Sprintf(`SELECT * FROM %s WHERE id = ?`, entityType), entityID)
	if err != nil {
		return nil, fmt.Errorf("select %s/%s: %w", entityType, entityID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return &RecordState{EntityType: entityType, EntityID: entityID}, nil
	}

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns for %s: %w", entityType, err)
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan %s/%s: %w", entityType, entityID, err)
	}

	// The driver hands DATETIME-declared columns back as time.Time and
	// TEXT as []byte; normalize both to the string form the row was
	// written with so timestamp parsing and the JSON payload stay
	// byte-for-byte consistent with what other devices stored.
	row := make(map[string]any, len(cols))
	for i, col := range cols {
		switch v := values[i].(type) {
		case []byte:
			row[col] = string(v)
		case time.Time:
			row[col] = formatTime(v)
		default:
			row[col] = values[i]
		}
	}

	state := &RecordState{EntityType: entityType, EntityID: entityID, Exists: true}
	if s, ok := row["last_modified_utc"].(string); ok {
		if state.LastModifiedUTC, err = parseTimestamp(s); err != nil {
			return nil, err
		}
	}
	if s, ok := row["modified_by_user_id"].(string); ok {
		state.ModifiedBy = s
	}
	if s, ok := row["sync_state"].(string); ok {
		state.SyncState = models.SyncState(s)
	}
	if s, ok := row["signature_hash"].(string); ok {
		state.SignatureHash = s
	}
	state.Locked = truthy(row["locked"])
	state.Deleted = row["deleted_at"] != nil

	payload, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s payload: %w", entityType, entityID, err)
	}
	state.Payload = payload
	return state, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x == "1" || x == "true"
	default:
		return false
	}
}

// ApplyRemoteRecord writes a remote version of a record verbatim over the
// local row and marks it synced. Columns unknown to the local schema are
// dropped; local-only columns keep their defaults. Any live queue item for
// the entity is left alone; callers cancel it when the remote version
// supersedes a pending local change.
func (db *DB) ApplyRemoteRecord(entityType, entityID string, payload json.RawMessage) error {
	if !models.ValidEntityType(entityType) {
		return fmt.Errorf("unknown entity type %q", entityType)
	}

	var row map[string]any
	if err := json.Unmarshal(payload, &row); err != nil {
		return fmt.Errorf("decode remote %s/%s: %w", entityType, entityID, err)
	}
	row["id"] = entityID
	row["sync_state"] = string(models.SyncStateSynced)

	return db.withTx(func(tx *sql.Tx) error {
		allowed, err := tableColumns(tx, entityType)
		if err != nil {
			return err
		}

		cols := make([]string, 0, len(row))
		for col := range row {
			if allowed[col] {
				cols = append(cols, col)
			}
		}
		sort.Strings(cols)

		args := make([]any, 0, len(cols))
		for _, col := range cols {
			args = append(args, sqlValue(row[col]))
		}

		query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
			entityType,
			strings.Join(cols, ", "),
			strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("apply remote %s/%s: %w", entityType, entityID, err)
		}
		return nil
	})
}

// ApplyRemoteDelete soft-deletes a record in response to a remote delete.
// Missing records are a no-op.
func (db *DB) ApplyRemoteDelete(entityType, entityID string, deletedAt time.Time) error {
	if !models.ValidEntityType(entityType) {
		return fmt.Errorf("unknown entity type %q", entityType)
	}
	_, err := db.conn.Exec(fmt.Sprintf(`
		UPDATE %s SET deleted_at = ?, sync_state = ? WHERE id = ?`, entityType),
		formatTime(deletedAt), models.SyncStateSynced, entityID)
	if err != nil {
		return fmt.Errorf("apply remote delete %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// MarkRecordSynced transitions a record to the Synced state after a
// successful push, but only if no newer local edit has re-marked it Pending.
func (db *DB) MarkRecordSynced(entityType, entityID string, pushedAt time.Time) error {
	if !models.ValidEntityType(entityType) {
		return fmt.Errorf("unknown entity type %q", entityType)
	}
	_, err := db.conn.Exec(fmt.Sprintf(`
		UPDATE %s SET sync_state = ? WHERE id = ? AND last_modified_utc <= ?`, entityType),
		models.SyncStateSynced, entityID, formatTime(pushedAt))
	if err != nil {
		return fmt.Errorf("mark synced %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// MarkRecordConflict flags a record as being in conflict.
func (db *DB) MarkRecordConflict(entityType, entityID string) error {
	if !models.ValidEntityType(entityType) {
		return fmt.Errorf("unknown entity type %q", entityType)
	}
	_, err := db.conn.Exec(fmt.Sprintf(`UPDATE %s SET sync_state = ? WHERE id = ?`, entityType),
		models.SyncStateConflict, entityID)
	if err != nil {
		return fmt.Errorf("mark conflict %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// tableColumns returns the column set of a table via PRAGMA table_info.
func tableColumns(tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// sqlValue normalizes a decoded JSON value for binding. Nested objects and
// arrays are stored as their JSON text.
func sqlValue(v any) any {
	switch x := v.(type) {
	case nil, string, float64, bool:
		return x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}
