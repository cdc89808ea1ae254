package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/clinsync/internal/models"
)

// Enqueue idempotently creates or refreshes the Pending queue item for an
// entity. If a Pending item already exists, it is updated in place
// (operation upgraded, timestamp refreshed, retry state reset) rather than
// duplicated.
func (db *DB) Enqueue(entityType, entityID string, op models.Operation) error {
	return db.withTx(func(tx *sql.Tx) error {
		return enqueueTx(tx, entityType, entityID, op, db.now())
	})
}

// enqueueTx is the transactional core of Enqueue, shared with the change
// interceptor so the record write and the queue write commit together.
func enqueueTx(tx *sql.Tx, entityType, entityID string, op models.Operation, now time.Time) error {
	var existingID string
	var existingOp models.Operation
	err := tx.QueryRow(`
		SELECT id, operation FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND status = ?`,
		entityType, entityID, models.QueuePending,
	).Scan(&existingID, &existingOp)

	if err == sql.ErrNoRows {
		_, err := tx.Exec(`
			INSERT INTO sync_queue (id, entity_type, entity_id, operation, enqueued_at, status, retry_count, max_retries)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			uuid.NewString(), entityType, entityID, op, formatTime(now), models.QueuePending, models.DefaultMaxRetries,
		)
		if err != nil {
			return fmt.Errorf("enqueue %s/%s: %w", entityType, entityID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("dedup lookup %s/%s: %w", entityType, entityID, err)
	}

	_, err = tx.Exec(`
		UPDATE sync_queue
		SET operation = ?, enqueued_at = ?, retry_count = 0, error_message = ''
		WHERE id = ?`,
		upgradeOperation(existingOp, op), formatTime(now), existingID,
	)
	if err != nil {
		return fmt.Errorf("refresh queue item %s: %w", existingID, err)
	}
	return nil
}

// upgradeOperation collapses a new change onto an existing pending one.
// A record created offline stays a create until the server has seen it;
// a delete supersedes everything.
func upgradeOperation(existing, incoming models.Operation) models.Operation {
	if incoming == models.OpDelete {
		return models.OpDelete
	}
	if existing == models.OpCreate {
		return models.OpCreate
	}
	return incoming
}

// DequeueBatch returns up to limit Pending items in FIFO order (oldest
// enqueued first) and atomically marks them Processing so a concurrent
// caller cannot pick up the same items.
func (db *DB) DequeueBatch(limit int) ([]models.SyncQueueItem, error) {
	var items []models.SyncQueueItem
	err := db.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT id, entity_type, entity_id, operation, enqueued_at, status, retry_count, max_retries, error_message
			FROM sync_queue
			WHERE status = ?
			ORDER BY enqueued_at ASC, id ASC
			LIMIT ?`,
			models.QueuePending, limit,
		)
		if err != nil {
			return fmt.Errorf("query pending items: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var item models.SyncQueueItem
			var enqueuedAt string
			if err := rows.Scan(&item.ID, &item.EntityType, &item.EntityID, &item.Operation,
				&enqueuedAt, &item.Status, &item.RetryCount, &item.MaxRetries, &item.ErrorMessage); err != nil {
				return fmt.Errorf("scan queue item: %w", err)
			}
			item.EnqueuedAt, err = parseTimestamp(enqueuedAt)
			if err != nil {
				return fmt.Errorf("parse enqueued_at for %s: %w", item.ID, err)
			}
			items = append(items, item)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows iteration: %w", err)
		}

		now := db.now()
		for i := range items {
			_, err := tx.Exec(`UPDATE sync_queue SET status = ?, processing_at = ? WHERE id = ?`,
				models.QueueProcessing, formatTime(now), items[i].ID)
			if err != nil {
				return fmt.Errorf("mark processing %s: %w", items[i].ID, err)
			}
			items[i].Status = models.QueueProcessing
			t := now
			items[i].ProcessingAt = &t
		}
		return nil
	})
	return items, err
}

// MarkCompleted marks a queue item as successfully pushed.
func (db *DB) MarkCompleted(itemID string) error {
	_, err := db.conn.Exec(`
		UPDATE sync_queue SET status = ?, error_message = '', processing_at = NULL WHERE id = ?`,
		models.QueueCompleted, itemID)
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", itemID, err)
	}
	return nil
}

// MarkFailed records a transient failure: the retry counter is incremented
// and the item reverts to Pending while under its retry ceiling, otherwise
// it stays Failed for manual intervention.
func (db *DB) MarkFailed(itemID, errMsg string) error {
	return db.withTx(func(tx *sql.Tx) error {
		var retryCount, maxRetries int
		err := tx.QueryRow(`SELECT retry_count, max_retries FROM sync_queue WHERE id = ?`, itemID).
			Scan(&retryCount, &maxRetries)
		if err != nil {
			return fmt.Errorf("lookup queue item %s: %w", itemID, err)
		}

		retryCount++
		status := models.QueuePending
		if retryCount >= maxRetries {
			status = models.QueueFailed
		}
		_, err = tx.Exec(`
			UPDATE sync_queue SET status = ?, retry_count = ?, error_message = ?, processing_at = NULL
			WHERE id = ?`,
			status, retryCount, errMsg, itemID)
		if err != nil {
			return fmt.Errorf("mark failed %s: %w", itemID, err)
		}
		return nil
	})
}

// MarkFailedTerminal puts a queue item directly into the terminal Failed
// state. Used for resolver rejections, which can never succeed on retry.
func (db *DB) MarkFailedTerminal(itemID, errMsg string) error {
	_, err := db.conn.Exec(`
		UPDATE sync_queue SET status = ?, retry_count = max_retries, error_message = ?, processing_at = NULL
		WHERE id = ?`,
		models.QueueFailed, errMsg, itemID)
	if err != nil {
		return fmt.Errorf("mark failed terminal %s: %w", itemID, err)
	}
	return nil
}

// CancelPending cancels any live Pending or Processing item for an entity.
// Used when a pulled remote version supersedes the local change.
func (db *DB) CancelPending(entityType, entityID string) error {
	_, err := db.conn.Exec(`
		UPDATE sync_queue SET status = ?, processing_at = NULL
		WHERE entity_type = ? AND entity_id = ? AND status IN (?, ?)`,
		models.QueueCancelled, entityType, entityID, models.QueuePending, models.QueueProcessing)
	if err != nil {
		return fmt.Errorf("cancel pending %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// RevertProcessing returns the given items to Pending so they are retried
// next cycle. Used when a cycle is cancelled mid-flight.
func (db *DB) RevertProcessing(itemIDs []string) error {
	return db.withTx(func(tx *sql.Tx) error {
		for _, id := range itemIDs {
			_, err := tx.Exec(`
				UPDATE sync_queue SET status = ?, processing_at = NULL
				WHERE id = ? AND status = ?`,
				models.QueuePending, id, models.QueueProcessing)
			if err != nil {
				return fmt.Errorf("revert processing %s: %w", id, err)
			}
		}
		return nil
	})
}

// SweepStaleProcessing reverts items stuck in Processing longer than the
// threshold back to Pending. Returns the number of items reverted.
func (db *DB) SweepStaleProcessing(olderThan time.Duration) (int64, error) {
	cutoff := db.now().Add(-olderThan)
	res, err := db.conn.Exec(`
		UPDATE sync_queue SET status = ?, processing_at = NULL
		WHERE status = ? AND processing_at < ?`,
		models.QueuePending, models.QueueProcessing, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweep stale processing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueueStatus holds queue counts by state plus the oldest pending
// timestamp, for health reporting.
type QueueStatus struct {
	Pending         int64
	Processing      int64
	Completed       int64
	Failed          int64
	Cancelled       int64
	OldestPendingAt *time.Time
}

// GetQueueStatus returns counts by state and the oldest pending timestamp.
func (db *DB) GetQueueStatus() (*QueueStatus, error) {
	status := &QueueStatus{}

	rows, err := db.conn.Query(`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query queue counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st models.QueueItemStatus
		var count int64
		if err := rows.Scan(&st, &count); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		switch st {
		case models.QueuePending:
			status.Pending = count
		case models.QueueProcessing:
			status.Processing = count
		case models.QueueCompleted:
			status.Completed = count
		case models.QueueFailed:
			status.Failed = count
		case models.QueueCancelled:
			status.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	var oldest sql.NullString
	err = db.conn.QueryRow(`SELECT MIN(enqueued_at) FROM sync_queue WHERE status = ?`, models.QueuePending).Scan(&oldest)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("query oldest pending: %w", err)
	}
	status.OldestPendingAt, err = scanNullableTime(oldest)
	if err != nil {
		return nil, err
	}

	return status, nil
}

// GetQueueItem returns a queue item by ID, or nil if missing.
func (db *DB) GetQueueItem(itemID string) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	var enqueuedAt string
	var processingAt sql.NullString
	err := db.conn.QueryRow(`
		SELECT id, entity_type, entity_id, operation, enqueued_at, status, retry_count, max_retries, error_message, processing_at
		FROM sync_queue WHERE id = ?`, itemID).
		Scan(&item.ID, &item.EntityType, &item.EntityID, &item.Operation, &enqueuedAt,
			&item.Status, &item.RetryCount, &item.MaxRetries, &item.ErrorMessage, &processingAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item %s: %w", itemID, err)
	}
	if item.EnqueuedAt, err = parseTimestamp(enqueuedAt); err != nil {
		return nil, err
	}
	if item.ProcessingAt, err = scanNullableTime(processingAt); err != nil {
		return nil, err
	}
	return &item, nil
}

// PendingItemFor returns the live Pending/Processing item for an entity, or nil.
func (db *DB) PendingItemFor(entityType, entityID string) (*models.SyncQueueItem, error) {
	var id string
	err := db.conn.QueryRow(`
		SELECT id FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND status IN (?, ?)`,
		entityType, entityID, models.QueuePending, models.QueueProcessing).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending item for %s/%s: %w", entityType, entityID, err)
	}
	return db.GetQueueItem(id)
}
