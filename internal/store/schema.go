package store

// SchemaVersion is the schema version this build of the core understands.
// Opening a database persisted at a higher version is unrecoverable.
const SchemaVersion = 2

// upgrades holds one SQL script per schema version, applied in order inside
// a transaction each. Scripts must be re-runnable against a database that
// already has earlier versions applied (CREATE IF NOT EXISTS), so a partial
// upgrade can resume.
var upgrades = []struct {
	version int
	script  string
}{
	{
		version: 1,
		script: `
		CREATE TABLE IF NOT EXISTS prescriptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			offline INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS vitals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			offline INTEGER NOT NULL DEFAULT 0,
			vital_type TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			offline INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS emergency_contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			offline INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS sync_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '{}',
			enqueued_at TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			synced INTEGER NOT NULL DEFAULT 0,
			synced_at TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS app_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		`,
	},
	{
		version: 2,
		script: `
		CREATE TABLE IF NOT EXISTS cache_metadata (
			key TEXT PRIMARY KEY,
			data TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS conflict_log (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			record_id INTEGER NOT NULL,
			local_timestamp TEXT NOT NULL,
			remote_timestamp TEXT NOT NULL,
			strategy TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detected_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_prescriptions_owner ON prescriptions(owner_id);
		CREATE INDEX IF NOT EXISTS idx_vitals_owner ON vitals(owner_id);
		CREATE INDEX IF NOT EXISTS idx_reports_owner ON reports(owner_id);
		CREATE INDEX IF NOT EXISTS idx_emergency_contacts_owner ON emergency_contacts(owner_id);
		CREATE INDEX IF NOT EXISTS idx_vitals_type_recorded ON vitals(vital_type, recorded_at);
		CREATE INDEX IF NOT EXISTS idx_sync_queue_pending ON sync_queue(synced, priority, enqueued_at);
		`,
	},
}
