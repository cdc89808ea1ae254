package store

// SchemaVersion is the current schema version. Bump when adding migrations.
const SchemaVersion = 2

const schema = `
CREATE TABLE IF NOT EXISTS patients (
	id                  TEXT PRIMARY KEY,
	given_name          TEXT NOT NULL DEFAULT '',
	family_name         TEXT NOT NULL DEFAULT '',
	birth_date          TEXT NOT NULL DEFAULT '',
	mrn                 TEXT NOT NULL DEFAULT '',
	deleted_at          DATETIME,
	last_modified_utc   DATETIME NOT NULL,
	modified_by_user_id TEXT NOT NULL DEFAULT '',
	sync_state          TEXT NOT NULL DEFAULT 'pending'
);

CREATE TABLE IF NOT EXISTS clinical_notes (
	id                  TEXT PRIMARY KEY,
	patient_id          TEXT NOT NULL,
	author_user_id      TEXT NOT NULL DEFAULT '',
	note_type           TEXT NOT NULL DEFAULT 'progress',
	content             TEXT NOT NULL DEFAULT '',
	signature_hash      TEXT NOT NULL DEFAULT '',
	signed_at           DATETIME,
	signed_by_user_id   TEXT NOT NULL DEFAULT '',
	deleted_at          DATETIME,
	last_modified_utc   DATETIME NOT NULL,
	modified_by_user_id TEXT NOT NULL DEFAULT '',
	sync_state          TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_notes_patient ON clinical_notes(patient_id);

CREATE TABLE IF NOT EXISTS intake_forms (
	id                  TEXT PRIMARY KEY,
	patient_id          TEXT NOT NULL,
	form_type           TEXT NOT NULL DEFAULT '',
	responses           TEXT NOT NULL DEFAULT '{}',
	locked              INTEGER NOT NULL DEFAULT 0,
	locked_at           DATETIME,
	deleted_at          DATETIME,
	last_modified_utc   DATETIME NOT NULL,
	modified_by_user_id TEXT NOT NULL DEFAULT '',
	sync_state          TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_forms_patient ON intake_forms(patient_id);

CREATE TABLE IF NOT EXISTS sync_queue (
	id            TEXT PRIMARY KEY,
	entity_type   TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	operation     TEXT NOT NULL,
	enqueued_at   DATETIME NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	error_message TEXT NOT NULL DEFAULT '',
	processing_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type     TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	resolution_type TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	losing_data     TEXT,
	winning_data    TEXT,
	detected_at     DATETIME NOT NULL,
	resolved        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_entity ON sync_conflicts(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_resolved ON sync_conflicts(resolved);

CREATE TABLE IF NOT EXISTS sync_state (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	last_sync_at DATETIME
);

CREATE TABLE IF NOT EXISTS sync_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	direction   TEXT NOT NULL,
	operation   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	timestamp   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_info (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Migration represents a schema change applied after initial creation.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations are applied in order to databases below SchemaVersion.
var Migrations = []Migration{
	{
		Version:     2,
		Description: "add sync_history table",
		SQL: `CREATE TABLE IF NOT EXISTS sync_history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			direction   TEXT NOT NULL,
			operation   TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			timestamp   DATETIME NOT NULL
		);`,
	},
}
