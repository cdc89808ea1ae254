package models

import (
	"encoding/json"
	"time"
)

// SyncState represents a record's position in the sync lifecycle
type SyncState string

const (
	SyncStatePending  SyncState = "pending"
	SyncStateSynced   SyncState = "synced"
	SyncStateConflict SyncState = "conflict"
)

// Operation represents the kind of change a queue item carries
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// QueueItemStatus represents the lifecycle state of a sync queue item
type QueueItemStatus string

const (
	QueuePending    QueueItemStatus = "pending"
	QueueProcessing QueueItemStatus = "processing"
	QueueCompleted  QueueItemStatus = "completed"
	QueueFailed     QueueItemStatus = "failed"
	QueueCancelled  QueueItemStatus = "cancelled"
)

// DefaultMaxRetries is the retry ceiling for transiently failing queue items.
const DefaultMaxRetries = 3

// ResolutionType classifies how a conflict was decided
type ResolutionType string

const (
	ResolutionLastWriteWins     ResolutionType = "last_write_wins"
	ResolutionRejectedImmutable ResolutionType = "rejected_immutable"
	ResolutionRejectedLocked    ResolutionType = "rejected_locked"
)

// SyncMeta is the tracking metadata every synced record carries.
type SyncMeta struct {
	LastModifiedUTC  time.Time `json:"last_modified_utc"`
	ModifiedByUserID string    `json:"modified_by_user_id"`
	SyncState        SyncState `json:"sync_state"`
}

// Tracked is implemented by every record that participates in sync.
type Tracked interface {
	EntityType() string
	EntityID() string
	Meta() *SyncMeta
}

// Signable is implemented by records that can be cryptographically signed.
// A non-empty signature hash makes the record permanently immutable.
type Signable interface {
	Signature() string
}

// Lockable is implemented by records that can be locked against content
// changes without carrying signature semantics.
type Lockable interface {
	IsLocked() bool
}

// Patient is a demographic record. Ordinary mutable draft content.
type Patient struct {
	ID         string `json:"id"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	BirthDate  string `json:"birth_date"` // YYYY-MM-DD
	MRN        string `json:"mrn"`

	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	SyncMeta  SyncMeta   `json:"sync_meta"`
}

func (p *Patient) EntityType() string { return EntityPatients }
func (p *Patient) EntityID() string   { return p.ID }
func (p *Patient) Meta() *SyncMeta    { return &p.SyncMeta }

// ClinicalNote is a narrative record. Once signed it is immutable forever.
type ClinicalNote struct {
	ID             string     `json:"id"`
	PatientID      string     `json:"patient_id"`
	AuthorUserID   string     `json:"author_user_id"`
	NoteType       string     `json:"note_type"`
	Content        string     `json:"content"`
	SignatureHash  string     `json:"signature_hash,omitempty"`
	SignedAt       *time.Time `json:"signed_at,omitempty"`
	SignedByUserID string     `json:"signed_by_user_id,omitempty"`

	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	SyncMeta  SyncMeta   `json:"sync_meta"`
}

func (n *ClinicalNote) EntityType() string { return EntityClinicalNotes }
func (n *ClinicalNote) EntityID() string   { return n.ID }
func (n *ClinicalNote) Meta() *SyncMeta    { return &n.SyncMeta }
func (n *ClinicalNote) Signature() string  { return n.SignatureHash }

// IntakeForm holds structured intake responses. It is locked once an
// initial evaluation references it; locked forms reject content changes.
type IntakeForm struct {
	ID        string          `json:"id"`
	PatientID string          `json:"patient_id"`
	FormType  string          `json:"form_type"`
	Responses json.RawMessage `json:"responses"`
	Locked    bool            `json:"locked"`
	LockedAt  *time.Time      `json:"locked_at,omitempty"`

	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	SyncMeta  SyncMeta   `json:"sync_meta"`
}

func (f *IntakeForm) EntityType() string { return EntityIntakeForms }
func (f *IntakeForm) EntityID() string   { return f.ID }
func (f *IntakeForm) Meta() *SyncMeta    { return &f.SyncMeta }
func (f *IntakeForm) IsLocked() bool     { return f.Locked }

// SyncQueueItem represents one pending outbound change.
type SyncQueueItem struct {
	ID           string          `json:"id"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Operation    Operation       `json:"operation"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	Status       QueueItemStatus `json:"status"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ProcessingAt *time.Time      `json:"processing_at,omitempty"`
}

// ConflictRecord is one archived conflict resolution, holding both
// competing versions verbatim.
type ConflictRecord struct {
	ID          int64           `json:"id"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Resolution  ResolutionType  `json:"resolution"`
	Reason      string          `json:"reason,omitempty"`
	LosingData  json.RawMessage `json:"losing_data,omitempty"`
	WinningData json.RawMessage `json:"winning_data,omitempty"`
	DetectedAt  time.Time       `json:"detected_at"`
	Resolved    bool            `json:"resolved"`
}

// Canonical entity type names (table names on both device and server).
const (
	EntityPatients      = "patients"
	EntityClinicalNotes = "clinical_notes"
	EntityIntakeForms   = "intake_forms"
)

var syncedEntityTypes = map[string]bool{
	EntityPatients:      true,
	EntityClinicalNotes: true,
	EntityIntakeForms:   true,
}

// ValidEntityType reports whether the given entity type participates in sync.
func ValidEntityType(entityType string) bool {
	return syncedEntityTypes[entityType]
}

// EntityTypes returns the canonical list of synced entity types.
func EntityTypes() []string {
	return []string{EntityPatients, EntityClinicalNotes, EntityIntakeForms}
}
