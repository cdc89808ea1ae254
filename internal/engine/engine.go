// Package engine orchestrates the offline sync cycle: pushing queued local
// changes, pulling server changes, resolving conflicts, and archiving every
// losing version so nothing is lost silently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus/clinsync/internal/models"
	"github.com/marcus/clinsync/internal/remote"
	"github.com/marcus/clinsync/internal/resolver"
	"github.com/marcus/clinsync/internal/store"
)

// ErrSyncInProgress is returned when a cycle is requested while another
// one holds the engine.
var ErrSyncInProgress = errors.New("sync already in progress")

const (
	defaultBatchSize  = 100
	defaultStaleAfter = 10 * time.Minute
)

// RemoteClient is the server surface the engine needs. *remote.Client
// satisfies it; tests substitute an in-memory fake.
type RemoteClient interface {
	FetchRecord(ctx context.Context, entityType, entityID string) (*remote.Record, error)
	PushRecord(ctx context.Context, rec *remote.Record) error
	DeleteRecord(ctx context.Context, entityType, entityID string) error
	Changes(ctx context.Context, since *time.Time, limit int) (*remote.ChangeSet, error)
}

// Engine drives sync cycles against a single local store. At most one
// cycle runs at a time; concurrent requests fail fast with
// ErrSyncInProgress instead of queueing.
type Engine struct {
	db     *store.DB
	client RemoteClient
	log    *slog.Logger

	// BatchSize caps queue items per push and records per pull page.
	BatchSize int
	// StaleAfter is how long a Processing item may sit before the sweep
	// at cycle start reclaims it.
	StaleAfter time.Duration

	mu      sync.Mutex
	running atomic.Bool
	now     func() time.Time
}

// New creates an engine with default batch and staleness settings.
func New(db *store.DB, client RemoteClient, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		db:         db,
		client:     client,
		log:        log,
		BatchSize:  defaultBatchSize,
		StaleAfter: defaultStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ConflictSummary describes one conflict handled during a cycle.
type ConflictSummary struct {
	EntityType string                `json:"entity_type"`
	EntityID   string                `json:"entity_id"`
	Resolution models.ResolutionType `json:"resolution"`
	Winner     string                `json:"winner"` // "local" or "remote"
	Reason     string                `json:"reason"`
}

// PushSummary reports the outcome of one push pass.
type PushSummary struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"success"`
	Failed    int               `json:"failed"`
	Conflicts []ConflictSummary `json:"conflicts,omitempty"`
}

// PullSummary reports the outcome of one pull pass.
type PullSummary struct {
	Total     int               `json:"total"`
	Applied   int               `json:"applied"`
	Skipped   int               `json:"skipped"`
	Conflicts []ConflictSummary `json:"conflicts,omitempty"`
}

// CycleResult reports one full push-then-pull cycle.
type CycleResult struct {
	Success     bool         `json:"success"`
	CompletedAt time.Time    `json:"completed_at"`
	DurationMs  int64        `json:"duration_ms"`
	Push        *PushSummary `json:"push,omitempty"`
	Pull        *PullSummary `json:"pull,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Push drains the sync queue once. Fails fast if a cycle is running.
func (e *Engine) Push(ctx context.Context) (*PushSummary, error) {
	if !e.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer e.mu.Unlock()
	e.running.Store(true)
	defer e.running.Store(false)
	return e.push(ctx)
}

// Pull applies server-side changes since the last sync. Fails fast if a
// cycle is running.
func (e *Engine) Pull(ctx context.Context) (*PullSummary, error) {
	if !e.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer e.mu.Unlock()
	e.running.Store(true)
	defer e.running.Store(false)
	return e.pull(ctx)
}

// RunFullCycle runs push then pull under a single hold of the engine.
func (e *Engine) RunFullCycle(ctx context.Context) (*CycleResult, error) {
	if !e.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer e.mu.Unlock()
	e.running.Store(true)
	defer e.running.Store(false)

	start := e.now()
	result := &CycleResult{}

	pushSummary, pushErr := e.push(ctx)
	result.Push = pushSummary

	var pullErr error
	if pushErr == nil || !errors.Is(pushErr, context.Canceled) {
		result.Pull, pullErr = e.pull(ctx)
	}

	result.CompletedAt = e.now()
	result.DurationMs = result.CompletedAt.Sub(start).Milliseconds()
	result.Success = pushErr == nil && pullErr == nil

	err := errors.Join(pushErr, pullErr)
	if err != nil {
		result.Error = err.Error()
		e.log.Warn("sync cycle finished with errors", "error", err, "duration_ms", result.DurationMs)
		return result, err
	}

	e.log.Info("sync cycle complete",
		"pushed", result.Push.Succeeded,
		"pulled", result.Pull.Applied,
		"conflicts", len(result.Push.Conflicts)+len(result.Pull.Conflicts),
		"duration_ms", result.DurationMs)
	return result, nil
}

// --- Push ---

func (e *Engine) push(ctx context.Context) (*PushSummary, error) {
	if n, err := e.db.SweepStaleProcessing(e.StaleAfter); err != nil {
		return nil, fmt.Errorf("sweep stale items: %w", err)
	} else if n > 0 {
		e.log.Warn("reclaimed stale processing items", "count", n)
	}

	lastSync, err := e.db.GetLastSyncAt()
	if err != nil {
		return nil, fmt.Errorf("read sync cursor: %w", err)
	}

	items, err := e.db.DequeueBatch(e.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("dequeue batch: %w", err)
	}

	summary := &PushSummary{Total: len(items)}
	for i, item := range items {
		if ctx.Err() != nil {
			// Cycle cancelled: hand the untouched remainder back to Pending.
			rest := make([]string, 0, len(items)-i)
			for _, it := range items[i:] {
				rest = append(rest, it.ID)
			}
			if rerr := e.db.RevertProcessing(rest); rerr != nil {
				e.log.Error("revert after cancellation failed", "error", rerr)
			}
			return summary, ctx.Err()
		}
		e.pushItem(ctx, &item, lastSync, summary)
	}
	return summary, nil
}

// pushItem handles one queue item end to end. All outcomes are recorded on
// the item and the summary; only the caller's context cancellation aborts
// the pass.
func (e *Engine) pushItem(ctx context.Context, item *models.SyncQueueItem, lastSync *time.Time, summary *PushSummary) {
	local, err := e.db.GetRecordState(item.EntityType, item.EntityID)
	if err != nil {
		e.failItem(item, summary, fmt.Errorf("load local record: %w", err))
		return
	}
	if !local.Exists {
		// Row vanished underneath its queue item. Nothing to transmit.
		e.log.Warn("queue item without a local row", "entity", item.EntityType, "id", item.EntityID)
		if err := e.db.MarkCompleted(item.ID); err != nil {
			e.log.Error("mark completed failed", "item", item.ID, "error", err)
		}
		return
	}

	remoteRec, err := e.client.FetchRecord(ctx, item.EntityType, item.EntityID)
	if err != nil {
		e.failItem(item, summary, fmt.Errorf("fetch remote record: %w", err))
		return
	}

	// The push is contested only when the server has a version this device
	// has not seen: the item is a create, the device never synced, or the
	// server copy changed after our last pull.
	contested := remoteRec != nil &&
		(item.Operation == models.OpCreate || lastSync == nil || remoteRec.LastModifiedUTC.After(*lastSync))

	if !contested {
		e.transmit(ctx, item, local, remoteRec, summary, nil)
		return
	}

	res := resolver.Resolve(localVersion(local), remoteVersion(remoteRec))
	switch res.Outcome {
	case resolver.LocalWins, resolver.RejectRemote:
		// The device copy prevails. The displaced server version goes to
		// the archive before we overwrite it.
		e.transmit(ctx, item, local, remoteRec, summary, &res)

	case resolver.RemoteWins:
		// The server copy prevails. Apply it locally instead of pushing,
		// and archive the local version that just lost.
		e.archive(item.EntityType, item.EntityID, res, local.Payload, remotePayload(remoteRec), "local", summary)
		if err := e.applyRemote(remoteRec); err != nil {
			e.failItem(item, summary, fmt.Errorf("apply winning remote version: %w", err))
			return
		}
		if err := e.db.MarkCompleted(item.ID); err != nil {
			e.log.Error("mark completed failed", "item", item.ID, "error", err)
		}
		summary.Succeeded++
		e.history("push", string(item.Operation), item, "superseded by remote version")

	case resolver.RejectLocal:
		// The server version is signed or locked. The local change can
		// never be accepted, so the failure is terminal.
		e.archive(item.EntityType, item.EntityID, res, local.Payload, remotePayload(remoteRec), "local", summary)
		if err := e.db.MarkFailedTerminal(item.ID, res.Reason); err != nil {
			e.log.Error("mark terminal failure failed", "item", item.ID, "error", err)
		}
		if err := e.db.MarkRecordConflict(item.EntityType, item.EntityID); err != nil {
			e.log.Error("mark record conflict failed", "item", item.ID, "error", err)
		}
		summary.Failed++
		e.history("push", string(item.Operation), item, "rejected: "+res.Reason)
	}
}

// transmit sends the local version to the server and settles the queue
// item. res is non-nil when a competing remote version lost locally and
// must be archived on success.
func (e *Engine) transmit(ctx context.Context, item *models.SyncQueueItem, local *store.RecordState, remoteRec *remote.Record, summary *PushSummary, res *resolver.Resolution) {
	var err error
	if item.Operation == models.OpDelete {
		err = e.client.DeleteRecord(ctx, item.EntityType, item.EntityID)
	} else {
		err = e.client.PushRecord(ctx, &remote.Record{
			EntityType:      local.EntityType,
			EntityID:        local.EntityID,
			Payload:         local.Payload,
			LastModifiedUTC: local.LastModifiedUTC,
			ModifiedBy:      local.ModifiedBy,
			SignatureHash:   local.SignatureHash,
			Locked:          local.Locked,
			Deleted:         local.Deleted,
		})
	}
	if err != nil {
		if remote.Terminal(err) {
			// The server enforced immutability independently of our fetch.
			res := resolver.Resolution{Outcome: resolver.RejectLocal, Type: rejectionType(err), Reason: err.Error()}
			e.archive(item.EntityType, item.EntityID, res, local.Payload, remotePayload(remoteRec), "local", summary)
			if merr := e.db.MarkFailedTerminal(item.ID, err.Error()); merr != nil {
				e.log.Error("mark terminal failure failed", "item", item.ID, "error", merr)
			}
			if merr := e.db.MarkRecordConflict(item.EntityType, item.EntityID); merr != nil {
				e.log.Error("mark record conflict failed", "item", item.ID, "error", merr)
			}
			summary.Failed++
			e.history("push", string(item.Operation), item, "rejected by server: "+err.Error())
			return
		}
		e.failItem(item, summary, err)
		return
	}

	if res != nil && remoteRec != nil {
		e.archive(item.EntityType, item.EntityID, *res, remotePayload(remoteRec), local.Payload, "remote", summary)
	}
	if err := e.db.MarkCompleted(item.ID); err != nil {
		e.log.Error("mark completed failed", "item", item.ID, "error", err)
	}
	if err := e.db.MarkRecordSynced(item.EntityType, item.EntityID, local.LastModifiedUTC); err != nil {
		e.log.Error("mark record synced failed", "item", item.ID, "error", err)
	}
	summary.Succeeded++
	e.history("push", string(item.Operation), item, "")
}

// failItem records a transient failure against the item's retry budget.
func (e *Engine) failItem(item *models.SyncQueueItem, summary *PushSummary, err error) {
	e.log.Warn("push item failed", "entity", item.EntityType, "id", item.EntityID,
		"retry", item.RetryCount+1, "max", item.MaxRetries, "error", err)
	if merr := e.db.MarkFailed(item.ID, err.Error()); merr != nil {
		e.log.Error("mark failed failed", "item", item.ID, "error", merr)
	}
	summary.Failed++
}

// --- Pull ---

func (e *Engine) pull(ctx context.Context) (*PullSummary, error) {
	cursor, err := e.db.GetLastSyncAt()
	if err != nil {
		return nil, fmt.Errorf("read sync cursor: %w", err)
	}

	summary := &PullSummary{}
	var serverTime time.Time
	for {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		page, err := e.client.Changes(ctx, cursor, e.BatchSize)
		if err != nil {
			return summary, fmt.Errorf("fetch changes: %w", err)
		}
		serverTime = page.ServerTime

		for i := range page.Records {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			if err := e.pullRecord(&page.Records[i], summary); err != nil {
				return summary, err
			}
		}

		if !page.HasMore {
			break
		}
		// Advance the page cursor within this pass.
		if n := len(page.Records); n > 0 {
			t := page.Records[n-1].ServerUpdatedAt
			cursor = &t
		}
	}

	if serverTime.IsZero() {
		serverTime = e.now()
	}
	if err := e.db.SetLastSyncAt(serverTime); err != nil {
		return summary, fmt.Errorf("advance sync cursor: %w", err)
	}
	return summary, nil
}

// pullRecord applies one incoming server change, running the resolver
// whenever the local copy has unsynced edits.
func (e *Engine) pullRecord(rec *remote.Record, summary *PullSummary) error {
	summary.Total++

	local, err := e.db.GetRecordState(rec.EntityType, rec.EntityID)
	if err != nil {
		return fmt.Errorf("load local record %s/%s: %w", rec.EntityType, rec.EntityID, err)
	}

	// An untouched local copy is overwritten without ceremony. A signed or
	// locked local record is the exception: immutability holds against
	// incoming writes too, so a divergent change runs through the resolver
	// even when the copy is clean.
	if !local.Exists || (local.SyncState == models.SyncStateSynced && acceptsOverwrite(local, rec)) {
		if err := e.applyRemote(rec); err != nil {
			return fmt.Errorf("apply remote %s/%s: %w", rec.EntityType, rec.EntityID, err)
		}
		summary.Applied++
		e.historyRaw("pull", operationFor(rec), rec.EntityType, rec.EntityID, "")
		return nil
	}

	res := resolver.Resolve(localVersion(local), remoteVersion(rec))
	switch res.Outcome {
	case resolver.RemoteWins, resolver.RejectLocal:
		// Server version displaces the local edit. Archive the local
		// version and retire its queue item before overwriting.
		e.archivePull(rec.EntityType, rec.EntityID, res, local.Payload, remotePayload(rec), "local", summary)
		if res.Outcome == resolver.RejectLocal {
			item, ierr := e.db.PendingItemFor(rec.EntityType, rec.EntityID)
			if ierr == nil && item != nil {
				if merr := e.db.MarkFailedTerminal(item.ID, res.Reason); merr != nil {
					e.log.Error("mark terminal failure failed", "item", item.ID, "error", merr)
				}
			}
		} else if err := e.db.CancelPending(rec.EntityType, rec.EntityID); err != nil {
			e.log.Error("cancel pending failed", "entity", rec.EntityType, "id", rec.EntityID, "error", err)
		}
		if err := e.applyRemote(rec); err != nil {
			return fmt.Errorf("apply winning remote %s/%s: %w", rec.EntityType, rec.EntityID, err)
		}
		summary.Applied++
		e.historyRaw("pull", operationFor(rec), rec.EntityType, rec.EntityID, "displaced local edit: "+res.Reason)

	case resolver.LocalWins, resolver.RejectRemote:
		// Local edit survives; the incoming version is archived and left
		// unapplied. The pending push will carry the local copy up.
		e.archivePull(rec.EntityType, rec.EntityID, res, remotePayload(rec), local.Payload, "remote", summary)
		summary.Skipped++
		e.historyRaw("pull", operationFor(rec), rec.EntityType, rec.EntityID, "kept local edit: "+res.Reason)
	}
	return nil
}

// --- Shared helpers ---

func (e *Engine) applyRemote(rec *remote.Record) error {
	if rec.Deleted {
		return e.db.ApplyRemoteDelete(rec.EntityType, rec.EntityID, rec.LastModifiedUTC)
	}
	return e.db.ApplyRemoteRecord(rec.EntityType, rec.EntityID, rec.Payload)
}

func (e *Engine) archive(entityType, entityID string, res resolver.Resolution, losing, winning []byte, loser string, summary *PushSummary) {
	e.archiveRecord(entityType, entityID, res, losing, winning)
	summary.Conflicts = append(summary.Conflicts, ConflictSummary{
		EntityType: entityType,
		EntityID:   entityID,
		Resolution: res.Type,
		Winner:     otherSide(loser),
		Reason:     res.Reason,
	})
}

func (e *Engine) archivePull(entityType, entityID string, res resolver.Resolution, losing, winning []byte, loser string, summary *PullSummary) {
	e.archiveRecord(entityType, entityID, res, losing, winning)
	summary.Conflicts = append(summary.Conflicts, ConflictSummary{
		EntityType: entityType,
		EntityID:   entityID,
		Resolution: res.Type,
		Winner:     otherSide(loser),
		Reason:     res.Reason,
	})
}

func (e *Engine) archiveRecord(entityType, entityID string, res resolver.Resolution, losing, winning []byte) {
	_, err := e.db.ArchiveConflict(&models.ConflictRecord{
		EntityType:  entityType,
		EntityID:    entityID,
		Resolution:  res.Type,
		Reason:      res.Reason,
		LosingData:  losing,
		WinningData: winning,
		DetectedAt:  e.now(),
	})
	if err != nil {
		// Losing the archive write must not lose the conflict silently.
		e.log.Error("conflict archive write failed", "entity", entityType, "id", entityID,
			"resolution", res.Type, "error", err)
	}
}

func (e *Engine) history(direction, operation string, item *models.SyncQueueItem, detail string) {
	e.historyRaw(direction, operation, item.EntityType, item.EntityID, detail)
}

func (e *Engine) historyRaw(direction, operation, entityType, entityID, detail string) {
	if err := e.db.RecordHistory(direction, operation, entityType, entityID, detail); err != nil {
		e.log.Error("history write failed", "error", err)
	}
}

// acceptsOverwrite reports whether a synced local copy may take an
// incoming change without resolution. A signed or locked record only
// accepts the version it already holds, which keeps the echo of this
// device's own pushed signature or lock from reading as a conflict.
func acceptsOverwrite(local *store.RecordState, rec *remote.Record) bool {
	if local.SignatureHash == "" && !local.Locked {
		return true
	}
	if local.SignatureHash != "" && local.SignatureHash == rec.SignatureHash {
		return true
	}
	return rec.LastModifiedUTC.Equal(local.LastModifiedUTC)
}

func localVersion(s *store.RecordState) resolver.Version {
	return resolver.Version{
		Exists:        s.Exists,
		ModifiedAt:    s.LastModifiedUTC,
		SignatureHash: s.SignatureHash,
		Locked:        s.Locked,
		Data:          s.Payload,
	}
}

func remoteVersion(r *remote.Record) resolver.Version {
	if r == nil {
		return resolver.Version{}
	}
	return resolver.Version{
		Exists:        true,
		ModifiedAt:    r.LastModifiedUTC,
		SignatureHash: r.SignatureHash,
		Locked:        r.Locked,
		Data:          r.Payload,
	}
}

func remotePayload(r *remote.Record) []byte {
	if r == nil {
		return nil
	}
	return r.Payload
}

func rejectionType(err error) models.ResolutionType {
	if errors.Is(err, remote.ErrRejectedLocked) {
		return models.ResolutionRejectedLocked
	}
	return models.ResolutionRejectedImmutable
}

func operationFor(rec *remote.Record) string {
	if rec.Deleted {
		return string(models.OpDelete)
	}
	return string(models.OpUpdate)
}

func otherSide(loser string) string {
	if loser == "local" {
		return "remote"
	}
	return "local"
}

// --- Status ---

// Status is the engine-level health view served by the status endpoints.
// QueueCounts is embedded so the counts serialize at the top level.
type Status struct {
	QueueCounts
	LastSyncAt          *time.Time       `json:"last_sync_at,omitempty"`
	UnresolvedConflicts int64            `json:"unresolved_conflicts"`
	InProgress          bool             `json:"in_progress"`
	History             []HistorySummary `json:"recent_history,omitempty"`
}

// QueueCounts is the queue broken down by item status.
type QueueCounts struct {
	Pending         int64      `json:"pending"`
	Processing      int64      `json:"processing"`
	Completed       int64      `json:"completed"`
	Failed          int64      `json:"failed"`
	Cancelled       int64      `json:"cancelled"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

// HistorySummary is one recent sync action.
type HistorySummary struct {
	Direction  string    `json:"direction"`
	Operation  string    `json:"operation"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// GetStatus reports queue depth, conflict backlog, and recent activity.
func (e *Engine) GetStatus(historyLimit int) (*Status, error) {
	qs, err := e.db.GetQueueStatus()
	if err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}
	lastSync, err := e.db.GetLastSyncAt()
	if err != nil {
		return nil, fmt.Errorf("last sync: %w", err)
	}
	unresolved, err := e.db.CountUnresolvedConflicts()
	if err != nil {
		return nil, fmt.Errorf("conflict count: %w", err)
	}

	status := &Status{
		QueueCounts: QueueCounts{
			Pending:         qs.Pending,
			Processing:      qs.Processing,
			Completed:       qs.Completed,
			Failed:          qs.Failed,
			Cancelled:       qs.Cancelled,
			OldestPendingAt: qs.OldestPendingAt,
		},
		LastSyncAt:          lastSync,
		UnresolvedConflicts: unresolved,
		InProgress:          e.running.Load(),
	}

	if historyLimit > 0 {
		entries, err := e.db.HistoryTail(historyLimit)
		if err != nil {
			return nil, fmt.Errorf("history tail: %w", err)
		}
		for _, entry := range entries {
			status.History = append(status.History, HistorySummary{
				Direction:  entry.Direction,
				Operation:  entry.Operation,
				EntityType: entry.EntityType,
				EntityID:   entry.EntityID,
				Detail:     entry.Detail,
				Timestamp:  entry.Timestamp,
			})
		}
	}
	return status, nil
}
