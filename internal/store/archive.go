package store

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/marcus/clinsync/internal/models"
)

// ArchiveConflict appends one resolved conflict to the archive, keeping
// both competing versions verbatim. Rows are never updated or removed.
// When an archive cipher is configured the payloads are encrypted at rest.
func (db *DB) ArchiveConflict(c *models.ConflictRecord) (int64, error) {
	if c.DetectedAt.IsZero() {
		c.DetectedAt = db.now()
	}

	losing, err := db.sealPayload(c.LosingData)
	if err != nil {
		return 0, fmt.Errorf("seal losing payload: %w", err)
	}
	winning, err := db.sealPayload(c.WinningData)
	if err != nil {
		return 0, fmt.Errorf("seal winning payload: %w", err)
	}

	res, err := db.conn.Exec(`
		INSERT INTO sync_conflicts (entity_type, entity_id, resolution_type, reason, losing_data, winning_data, detected_at, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		c.EntityType, c.EntityID, c.Resolution, c.Reason, losing, winning, formatTime(c.DetectedAt))
	if err != nil {
		return 0, fmt.Errorf("archive conflict %s/%s: %w", c.EntityType, c.EntityID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("archive conflict id: %w", err)
	}
	c.ID = id
	return id, nil
}

// ListConflicts returns archived conflicts, newest first. When
// unresolvedOnly is set, acknowledged conflicts are skipped.
func (db *DB) ListConflicts(unresolvedOnly bool, limit int) ([]*models.ConflictRecord, error) {
	query := `
		SELECT id, entity_type, entity_id, resolution_type, reason, losing_data, winning_data, detected_at, resolved
		FROM sync_conflicts`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY detected_at DESC, id DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*models.ConflictRecord
	for rows.Next() {
		c, err := db.scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConflict loads one archived conflict by ID.
func (db *DB) GetConflict(id int64) (*models.ConflictRecord, error) {
	rows, err := db.conn.Query(`
		SELECT id, entity_type, entity_id, resolution_type, reason, losing_data, winning_data, detected_at, resolved
		FROM sync_conflicts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get conflict %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return db.scanConflict(rows)
}

// MarkConflictResolved acknowledges a conflict. The archived versions stay
// untouched; only the resolved flag changes.
func (db *DB) MarkConflictResolved(id int64) error {
	res, err := db.conn.Exec(`UPDATE sync_conflicts SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resolve conflict %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUnresolvedConflicts returns the number of unacknowledged conflicts.
func (db *DB) CountUnresolvedConflicts() (int64, error) {
	var n int64
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM sync_conflicts WHERE resolved = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unresolved conflicts: %w", err)
	}
	return n, nil
}

func (db *DB) scanConflict(rows *sql.Rows) (*models.ConflictRecord, error) {
	c := &models.ConflictRecord{}
	var losing, winning sql.NullString
	var detectedAt string
	if err := rows.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.Resolution, &c.Reason,
		&losing, &winning, &detectedAt, &c.Resolved); err != nil {
		return nil, fmt.Errorf("scan conflict: %w", err)
	}

	var err error
	if c.LosingData, err = db.openPayload(losing); err != nil {
		return nil, fmt.Errorf("open losing payload for %d: %w", c.ID, err)
	}
	if c.WinningData, err = db.openPayload(winning); err != nil {
		return nil, fmt.Errorf("open winning payload for %d: %w", c.ID, err)
	}
	if c.DetectedAt, err = parseTimestamp(detectedAt); err != nil {
		return nil, err
	}
	return c, nil
}

// encPrefix marks an encrypted archive payload so mixed archives (written
// before and after encryption was enabled) stay readable.
const encPrefix = "enc:"

func (db *DB) sealPayload(data json.RawMessage) (any, error) {
	if data == nil {
		return nil, nil
	}
	if db.cipher == nil {
		return string(data), nil
	}
	enc, err := db.cipher.Encrypt(data)
	if err != nil {
		return nil, err
	}
	return encPrefix + base64.StdEncoding.EncodeToString(enc), nil
}

func (db *DB) openPayload(s sql.NullString) (json.RawMessage, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	if len(s.String) > len(encPrefix) && s.String[:len(encPrefix)] == encPrefix {
		if db.cipher == nil {
			return nil, fmt.Errorf("payload is encrypted but no archive cipher is configured")
		}
		raw, err := base64.StdEncoding.DecodeString(s.String[len(encPrefix):])
		if err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return db.cipher.Decrypt(raw)
	}
	return json.RawMessage(s.String), nil
}
