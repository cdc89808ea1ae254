package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetLastSyncAt returns the completion time of the last successful pull, or
// nil if the device has never synced.
func (db *DB) GetLastSyncAt() (*time.Time, error) {
	var ts sql.NullString
	err := db.conn.QueryRow(`SELECT last_sync_at FROM sync_state WHERE id = 1`).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last sync: %w", err)
	}
	return scanNullableTime(ts)
}

// SetLastSyncAt records the pull cursor after a successful cycle.
func (db *DB) SetLastSyncAt(t time.Time) error {
	_, err := db.conn.Exec(`
		INSERT INTO sync_state (id, last_sync_at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_sync_at = excluded.last_sync_at`,
		formatTime(t))
	if err != nil {
		return fmt.Errorf("set last sync: %w", err)
	}
	return nil
}

// HistoryEntry is one line of the sync activity log.
type HistoryEntry struct {
	ID         int64
	Direction  string // "push" or "pull"
	Operation  string
	EntityType string
	EntityID   string
	Detail     string
	Timestamp  time.Time
}

// RecordHistory appends one entry to the sync activity log.
func (db *DB) RecordHistory(direction, operation, entityType, entityID, detail string) error {
	_, err := db.conn.Exec(`
		INSERT INTO sync_history (direction, operation, entity_type, entity_id, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		direction, operation, entityType, entityID, detail, formatTime(db.now()))
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// HistoryTail returns the most recent history entries, newest first.
func (db *DB) HistoryTail(limit int) ([]HistoryEntry, error) {
	rows, err := db.conn.Query(`
		SELECT id, direction, operation, entity_type, entity_id, detail, timestamp
		FROM sync_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history tail: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.Direction, &e.Operation, &e.EntityType, &e.EntityID, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if e.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneHistory trims the activity log to the newest keep entries.
func (db *DB) PruneHistory(keep int) error {
	_, err := db.conn.Exec(`
		DELETE FROM sync_history
		WHERE id NOT IN (SELECT id FROM sync_history ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	return nil
}
