package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/marcus/clinsync/internal/models"
)

func TestEnqueueIdempotent(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 5; i++ {
		if err := db.Enqueue(models.EntityPatients, "pt-1", models.OpUpdate); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	status, err := db.GetQueueStatus()
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if status.Pending != 1 {
		t.Fatalf("pending count after repeated enqueue: got %d, want 1", status.Pending)
	}
}

func TestEnqueueOperationUpgrade(t *testing.T) {
	db := newTestDB(t)

	// A create that is later updated must still reach the server as a create.
	if err := db.Enqueue(models.EntityPatients, "pt-1", models.OpCreate); err != nil {
		t.Fatalf("enqueue create: %v", err)
	}
	if err := db.Enqueue(models.EntityPatients, "pt-1", models.OpUpdate); err != nil {
		t.Fatalf("enqueue update: %v", err)
	}

	items, err := db.DequeueBatch(10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items: got %d, want 1", len(items))
	}
	if items[0].Operation != models.OpCreate {
		t.Fatalf("operation: got %s, want create", items[0].Operation)
	}

	// A delete supersedes any prior operation.
	if err := db.Enqueue(models.EntityPatients, "pt-2", models.OpUpdate); err != nil {
		t.Fatalf("enqueue update: %v", err)
	}
	if err := db.Enqueue(models.EntityPatients, "pt-2", models.OpDelete); err != nil {
		t.Fatalf("enqueue delete: %v", err)
	}
	items, err = db.DequeueBatch(10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(items) != 1 || items[0].Operation != models.OpDelete {
		t.Fatalf("expected single delete item, got %+v", items)
	}
}

func TestDequeueFIFO(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		tick := base.Add(time.Duration(i) * time.Second)
		db.SetClock(func() time.Time { return tick })
		if err := db.Enqueue(models.EntityPatients, fmt.Sprintf("pt-%d", i), models.OpUpdate); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	items, err := db.DequeueBatch(10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("items: got %d, want 4", len(items))
	}
	for i, item := range items {
		want := fmt.Sprintf("pt-%d", i)
		if item.EntityID != want {
			t.Errorf("position %d: got %s, want %s", i, item.EntityID, want)
		}
		if item.Status != models.QueueProcessing {
			t.Errorf("position %d: status %s, want processing", i, item.Status)
		}
	}

	// A second dequeue finds nothing: the batch is already Processing.
	again, err := db.DequeueBatch(10)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second dequeue: got %d items, want 0", len(again))
	}
}

func TestMarkFailedRetryCeiling(t *testing.T) {
	db := newTestDB(t)
	if err := db.Enqueue(models.EntityClinicalNotes, "note-1", models.OpUpdate); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for attempt := 1; attempt <= models.DefaultMaxRetries; attempt++ {
		items, err := db.DequeueBatch(1)
		if err != nil {
			t.Fatalf("dequeue attempt %d: %v", attempt, err)
		}
		if len(items) != 1 {
			t.Fatalf("attempt %d: got %d items, want 1", attempt, len(items))
		}
		if err := db.MarkFailed(items[0].ID, "connection refused"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}

		item, err := db.GetQueueItem(items[0].ID)
		if err != nil {
			t.Fatalf("get item: %v", err)
		}
		if item.RetryCount != attempt {
			t.Fatalf("attempt %d: retry count %d", attempt, item.RetryCount)
		}
		if attempt < models.DefaultMaxRetries {
			if item.Status != models.QueuePending {
				t.Fatalf("attempt %d: status %s, want pending", attempt, item.Status)
			}
		} else if item.Status != models.QueueFailed {
			t.Fatalf("final attempt: status %s, want failed", item.Status)
		}
	}

	// The failed item never re-enters the batch.
	items, err := db.DequeueBatch(10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("failed item was dequeued again")
	}
}

func TestMarkFailedTerminal(t *testing.T) {
	db := newTestDB(t)
	if err := db.Enqueue(models.EntityClinicalNotes, "note-1", models.OpUpdate); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	items, _ := db.DequeueBatch(1)
	if err := db.MarkFailedTerminal(items[0].ID, "remote version is signed and immutable"); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}

	item, err := db.GetQueueItem(items[0].ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Status != models.QueueFailed {
		t.Fatalf("status: got %s, want failed", item.Status)
	}
	if item.RetryCount < item.MaxRetries {
		t.Fatalf("terminal item should be at its retry ceiling, got %d/%d", item.RetryCount, item.MaxRetries)
	}
}

func TestCancelPending(t *testing.T) {
	db := newTestDB(t)
	if err := db.Enqueue(models.EntityIntakeForms, "form-1", models.OpUpdate); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := db.CancelPending(models.EntityIntakeForms, "form-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	status, err := db.GetQueueStatus()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Cancelled != 1 || status.Pending != 0 {
		t.Fatalf("after cancel: pending=%d cancelled=%d", status.Pending, status.Cancelled)
	}

	// Cancelled items do not block a fresh enqueue for the same entity.
	if err := db.Enqueue(models.EntityIntakeForms, "form-1", models.OpUpdate); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	status, _ = db.GetQueueStatus()
	if status.Pending != 1 {
		t.Fatalf("re-enqueue after cancel: pending=%d", status.Pending)
	}
}

func TestRevertProcessing(t *testing.T) {
	db := newTestDB(t)
	db.Enqueue(models.EntityPatients, "pt-1", models.OpUpdate)
	db.Enqueue(models.EntityPatients, "pt-2", models.OpUpdate)

	items, err := db.DequeueBatch(10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	ids := []string{items[0].ID, items[1].ID}
	if err := db.RevertProcessing(ids); err != nil {
		t.Fatalf("revert: %v", err)
	}

	status, _ := db.GetQueueStatus()
	if status.Pending != 2 || status.Processing != 0 {
		t.Fatalf("after revert: pending=%d processing=%d", status.Pending, status.Processing)
	}
}

func TestSweepStaleProcessing(t *testing.T) {
	db := newTestDB(t)
	start := time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return start })

	db.Enqueue(models.EntityPatients, "pt-1", models.OpUpdate)
	if _, err := db.DequeueBatch(1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Not yet stale.
	db.SetClock(func() time.Time { return start.Add(time.Minute) })
	n, err := db.SweepStaleProcessing(10 * time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh item swept")
	}

	// An hour later the item counts as abandoned.
	db.SetClock(func() time.Time { return start.Add(time.Hour) })
	n, err = db.SweepStaleProcessing(10 * time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept: got %d, want 1", n)
	}

	status, _ := db.GetQueueStatus()
	if status.Pending != 1 || status.Processing != 0 {
		t.Fatalf("after sweep: pending=%d processing=%d", status.Pending, status.Processing)
	}
}

func TestQueueStatusOldestPending(t *testing.T) {
	db := newTestDB(t)
	first := time.Date(2026, 8, 31, 7, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return first })
	db.Enqueue(models.EntityPatients, "pt-1", models.OpUpdate)
	db.SetClock(func() time.Time { return first.Add(time.Hour) })
	db.Enqueue(models.EntityPatients, "pt-2", models.OpUpdate)

	status, err := db.GetQueueStatus()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.OldestPendingAt == nil || !status.OldestPendingAt.Equal(first) {
		t.Fatalf("oldest pending: got %v, want %v", status.OldestPendingAt, first)
	}
}
