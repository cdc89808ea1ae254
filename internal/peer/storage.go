// Package peer is the clinic-side record server: the authoritative copy
// every device pushes to and pulls from. It enforces the same immutability
// rules the devices do, so a signed or locked record can never be
// overwritten by a late push.
package peer

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrImmutable indicates a write against a stored signed record.
	ErrImmutable = errors.New("stored record is signed and immutable")
	// ErrLocked indicates a write against a stored locked record.
	ErrLocked = errors.New("stored record is locked")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

const serverSchema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	email        TEXT NOT NULL UNIQUE,
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL REFERENCES users(id),
	key_hash     TEXT NOT NULL UNIQUE,
	device_id    TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	last_used_at DATETIME,
	revoked      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS records (
	entity_type         TEXT NOT NULL,
	entity_id           TEXT NOT NULL,
	payload             TEXT NOT NULL,
	last_modified_utc   DATETIME NOT NULL,
	modified_by_user_id TEXT NOT NULL DEFAULT '',
	signature_hash      TEXT NOT NULL DEFAULT '',
	locked              INTEGER NOT NULL DEFAULT 0,
	deleted             INTEGER NOT NULL DEFAULT 0,
	server_updated_at   DATETIME NOT NULL,
	PRIMARY KEY (entity_type, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_records_updated ON records(server_updated_at);

CREATE TABLE IF NOT EXISTS schema_info (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Storage wraps the server database connection.
type Storage struct {
	conn *sql.DB
	now  func() time.Time
}

// Open opens the server database, creating it and its schema if needed.
func Open(dbPath string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=ON")

	return NewWithConn(conn)
}

// NewWithConn wraps an existing connection. Used by tests with an
// in-memory database.
func NewWithConn(conn *sql.DB) (*Storage, error) {
	if _, err := conn.Exec(serverSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Storage{conn: conn, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Ping checks the database connection is alive.
func (s *Storage) Ping() error {
	return s.conn.Ping()
}

// Close checkpoints the WAL and closes the database connection.
func (s *Storage) Close() error {
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}

// SetClock overrides the time source. Test hook.
func (s *Storage) SetClock(now func() time.Time) {
	s.now = now
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(v string) (time.Time, error) {
	for _, f := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(f, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", v)
}

// --- Users and API keys ---

// User is one clinician account known to the server.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	CreatedAt   time.Time `json:"created_at"`
}

// APIKey is one issued device credential. Only the SHA-256 hash of the key
// is stored.
type APIKey struct {
	ID       string
	UserID   string
	DeviceID string
	Revoked  bool
}

// CreateUser registers a clinician account.
func (s *Storage) CreateUser(displayName, email string) (*User, error) {
	u := &User{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Email:       email,
		CreatedAt:   s.now(),
	}
	_, err := s.conn.Exec(`INSERT INTO users (id, display_name, email, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.DisplayName, u.Email, formatTime(u.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// GenerateAPIKey issues a new key for a user and device. The plaintext key
// is returned exactly once; only its hash is persisted.
func (s *Storage) GenerateAPIKey(userID, deviceID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	key := "cls_" + hex.EncodeToString(raw)

	_, err := s.conn.Exec(`
		INSERT INTO api_keys (id, user_id, key_hash, device_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), userID, hashKey(key), deviceID, formatTime(s.now()))
	if err != nil {
		return "", fmt.Errorf("store key: %w", err)
	}
	return key, nil
}

// VerifyAPIKey resolves a plaintext key to its user, or (nil, nil, nil)
// when the key is unknown or revoked.
func (s *Storage) VerifyAPIKey(key string) (*APIKey, *User, error) {
	var ak APIKey
	var u User
	var createdAt string
	err := s.conn.QueryRow(`
		SELECT k.id, k.user_id, k.device_id, k.revoked, u.id, u.display_name, u.email, u.created_at
		FROM api_keys k JOIN users u ON u.id = k.user_id
		WHERE k.key_hash = ?`, hashKey(key)).
		Scan(&ak.ID, &ak.UserID, &ak.DeviceID, &ak.Revoked, &u.ID, &u.DisplayName, &u.Email, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("verify key: %w", err)
	}
	if ak.Revoked {
		return nil, nil, nil
	}
	if u.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, nil, err
	}

	s.conn.Exec(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, formatTime(s.now()), ak.ID)
	return &ak, &u, nil
}

// RevokeAPIKey disables a key without deleting its audit trail.
func (s *Storage) RevokeAPIKey(keyID string) error {
	res, err := s.conn.Exec(`UPDATE api_keys SET revoked = 1 WHERE id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// --- Records ---

// StoredRecord is the authoritative server copy of one tracked record.
type StoredRecord struct {
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Payload         json.RawMessage `json:"payload"`
	LastModifiedUTC time.Time       `json:"last_modified_utc"`
	ModifiedBy      string          `json:"modified_by_user_id"`
	SignatureHash   string          `json:"signature_hash,omitempty"`
	Locked          bool            `json:"locked,omitempty"`
	Deleted         bool            `json:"deleted,omitempty"`
	ServerUpdatedAt time.Time       `json:"server_updated_at"`
}

// GetRecord returns the stored copy of a record, or nil when absent.
func (s *Storage) GetRecord(entityType, entityID string) (*StoredRecord, error) {
	rec := &StoredRecord{}
	var payload, lastModified, serverUpdated string
	err := s.conn.QueryRow(`
		SELECT entity_type, entity_id, payload, last_modified_utc, modified_by_user_id,
		       signature_hash, locked, deleted, server_updated_at
		FROM records WHERE entity_type = ? AND entity_id = ?`, entityType, entityID).
		Scan(&rec.EntityType, &rec.EntityID, &payload, &lastModified, &rec.ModifiedBy,
			&rec.SignatureHash, &rec.Locked, &rec.Deleted, &serverUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s/%s: %w", entityType, entityID, err)
	}
	rec.Payload = json.RawMessage(payload)
	if rec.LastModifiedUTC, err = parseTimestamp(lastModified); err != nil {
		return nil, err
	}
	if rec.ServerUpdatedAt, err = parseTimestamp(serverUpdated); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpsertRecord writes an incoming record version, enforcing immutability
// against the stored copy:
//   - a stored signed record rejects every write except an identical
//     replay of the same signature (idempotent retry)
//   - a stored locked record rejects every write
func (s *Storage) UpsertRecord(rec *StoredRecord) error {
	existing, err := s.GetRecord(rec.EntityType, rec.EntityID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.SignatureHash != "" {
			if rec.SignatureHash != existing.SignatureHash {
				return ErrImmutable
			}
			// Same signature again: a retried push of the version already
			// stored. Accept without changing anything.
			return nil
		}
		if existing.Locked {
			return ErrLocked
		}
	}

	rec.ServerUpdatedAt = s.now()
	_, err = s.conn.Exec(`
		INSERT INTO records (entity_type, entity_id, payload, last_modified_utc, modified_by_user_id,
		                     signature_hash, locked, deleted, server_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			payload = excluded.payload,
			last_modified_utc = excluded.last_modified_utc,
			modified_by_user_id = excluded.modified_by_user_id,
			signature_hash = excluded.signature_hash,
			locked = excluded.locked,
			deleted = excluded.deleted,
			server_updated_at = excluded.server_updated_at`,
		rec.EntityType, rec.EntityID, string(rec.Payload), formatTime(rec.LastModifiedUTC),
		rec.ModifiedBy, rec.SignatureHash, rec.Locked, rec.Deleted, formatTime(rec.ServerUpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert record %s/%s: %w", rec.EntityType, rec.EntityID, err)
	}
	return nil
}

// DeleteRecord soft-deletes a stored record. Signed and locked records
// reject deletion like any other write.
func (s *Storage) DeleteRecord(entityType, entityID string) error {
	existing, err := s.GetRecord(entityType, entityID)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	if existing.SignatureHash != "" {
		return ErrImmutable
	}
	if existing.Locked {
		return ErrLocked
	}

	_, err = s.conn.Exec(`
		UPDATE records SET deleted = 1, server_updated_at = ?
		WHERE entity_type = ? AND entity_id = ?`,
		formatTime(s.now()), entityType, entityID)
	if err != nil {
		return fmt.Errorf("delete record %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// ChangesSince returns records updated after the cursor in server order.
// hasMore reports whether another page exists beyond limit.
func (s *Storage) ChangesSince(since *time.Time, limit int) ([]StoredRecord, bool, error) {
	query := `
		SELECT entity_type, entity_id, payload, last_modified_utc, modified_by_user_id,
		       signature_hash, locked, deleted, server_updated_at
		FROM records`
	args := []any{}
	if since != nil {
		query += ` WHERE server_updated_at > ?`
		args = append(args, formatTime(*since))
	}
	query += ` ORDER BY server_updated_at ASC, entity_type ASC, entity_id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("changes since: %w", err)
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var rec StoredRecord
		var payload, lastModified, serverUpdated string
		if err := rows.Scan(&rec.EntityType, &rec.EntityID, &payload, &lastModified, &rec.ModifiedBy,
			&rec.SignatureHash, &rec.Locked, &rec.Deleted, &serverUpdated); err != nil {
			return nil, false, fmt.Errorf("scan record: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		if rec.LastModifiedUTC, err = parseTimestamp(lastModified); err != nil {
			return nil, false, err
		}
		if rec.ServerUpdatedAt, err = parseTimestamp(serverUpdated); err != nil {
			return nil, false, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}
