package db

// schemaStatements are applied in order by InitSchema. Every statement is
// idempotent.
var schemaStatements = []string{
	// Sync tables
	`CREATE TABLE IF NOT EXISTS changelog (
		cursor INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		row_action TEXT NOT NULL,  -- UPSERT, DELETE
		store_id TEXT,
		name_id TEXT,
		source_site_id INTEGER,
		is_sync_update INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_changelog_table ON changelog(table_name)`,
	`CREATE INDEX IF NOT EXISTS idx_changelog_store ON changelog(store_id)`,
	`CREATE INDEX IF NOT EXISTS idx_changelog_source_site ON changelog(source_site_id)`,

	`CREATE TABLE IF NOT EXISTS sync_buffer (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		action TEXT NOT NULL,  -- UPSERT, DELETE
		data TEXT NOT NULL,
		source_site_id INTEGER,
		received_datetime TEXT NOT NULL,
		integration_datetime TEXT,
		integration_error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_buffer_pending
		ON sync_buffer(integration_datetime, source_site_id)`,

	`CREATE TABLE IF NOT EXISTS site (
		id TEXT PRIMARY KEY,
		site_id INTEGER NOT NULL UNIQUE,
		hardware_id TEXT NOT NULL,
		site_name TEXT NOT NULL,
		hashed_password TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_site_hardware ON site(hardware_id)`,

	`CREATE TABLE IF NOT EXISTS sync_file_reference (
		id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		mime_type TEXT,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		uploaded_bytes INTEGER NOT NULL DEFAULT 0,
		downloaded_bytes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'New',
		direction TEXT NOT NULL DEFAULT 'Upload',
		retries INTEGER NOT NULL DEFAULT 0,
		retry_at TEXT,
		error TEXT,
		created_datetime TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_file_status ON sync_file_reference(status, direction)`,

	`CREATE TABLE IF NOT EXISTS sync_out (
		id TEXT PRIMARY KEY,
		site_id INTEGER NOT NULL,
		cursor INTEGER NOT NULL,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		row_action TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_out_site ON sync_out(site_id, cursor)`,

	`CREATE TABLE IF NOT EXISTS sync_log (
		id TEXT PRIMARY KEY,
		started_datetime TEXT NOT NULL,
		finished_datetime TEXT,
		push_started_datetime TEXT,
		push_finished_datetime TEXT,
		push_progress_total INTEGER,
		push_progress_done INTEGER,
		pull_central_started_datetime TEXT,
		pull_central_finished_datetime TEXT,
		pull_central_progress_total INTEGER,
		pull_central_progress_done INTEGER,
		pull_remote_started_datetime TEXT,
		pull_remote_finished_datetime TEXT,
		pull_remote_progress_total INTEGER,
		pull_remote_progress_done INTEGER,
		pull_v6_started_datetime TEXT,
		pull_v6_finished_datetime TEXT,
		pull_v6_progress_total INTEGER,
		pull_v6_progress_done INTEGER,
		push_v6_started_datetime TEXT,
		push_v6_finished_datetime TEXT,
		push_v6_progress_total INTEGER,
		push_v6_progress_done INTEGER,
		integration_started_datetime TEXT,
		integration_finished_datetime TEXT,
		integration_progress_total INTEGER,
		integration_progress_done INTEGER,
		error_message TEXT,
		error_code TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_log_started ON sync_log(started_datetime)`,

	`CREATE TABLE IF NOT EXISTS key_value_store (
		id TEXT PRIMARY KEY,
		value_int INTEGER,
		value_string TEXT,
		value_bool INTEGER
	)`,

	// Synchronised entity tables. No foreign keys: legacy data may reference
	// rows that arrive in a later batch, ordering is handled by integration.
	`CREATE TABLE IF NOT EXISTS currency (
		id TEXT PRIMARY KEY,
		rate REAL NOT NULL,
		code TEXT NOT NULL,
		is_home_currency INTEGER NOT NULL,
		date_updated TEXT,
		is_active INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS unit (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		idx INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS name (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT NOT NULL,
		type TEXT NOT NULL,
		is_customer INTEGER NOT NULL DEFAULT 0,
		is_supplier INTEGER NOT NULL DEFAULT 0,
		first_name TEXT,
		last_name TEXT,
		gender TEXT,
		date_of_birth TEXT,
		is_deceased INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS store (
		id TEXT PRIMARY KEY,
		name_id TEXT NOT NULL,
		code TEXT NOT NULL,
		site_id INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_store_site ON store(site_id)`,
	`CREATE TABLE IF NOT EXISTS name_store_join (
		id TEXT PRIMARY KEY,
		name_id TEXT NOT NULL,
		store_id TEXT NOT NULL,
		name_is_customer INTEGER NOT NULL DEFAULT 0,
		name_is_supplier INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_name_store_join_name ON name_store_join(name_id)`,
	`CREATE TABLE IF NOT EXISTS item (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT NOT NULL,
		unit_id TEXT,
		type TEXT NOT NULL,
		default_pack_size INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS location (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		on_hold INTEGER NOT NULL,
		store_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stock_line (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		store_id TEXT NOT NULL,
		location_id TEXT,
		batch TEXT,
		pack_size INTEGER NOT NULL,
		cost_price_per_pack REAL NOT NULL,
		sell_price_per_pack REAL NOT NULL,
		available_number_of_packs REAL NOT NULL,
		total_number_of_packs REAL NOT NULL,
		expiry_date TEXT,
		on_hold INTEGER NOT NULL,
		note TEXT,
		supplier_id TEXT,
		barcode_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS clinician (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		last_name TEXT NOT NULL,
		initials TEXT NOT NULL,
		first_name TEXT,
		address1 TEXT,
		phone TEXT,
		mobile TEXT,
		email TEXT,
		gender TEXT,
		is_active INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS master_list (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT NOT NULL,
		description TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS temperature_breach (
		id TEXT PRIMARY KEY,
		duration_milliseconds INTEGER NOT NULL,
		type TEXT NOT NULL,
		sensor_id TEXT NOT NULL,
		location_id TEXT,
		store_id TEXT NOT NULL,
		start_datetime TEXT NOT NULL,
		end_datetime TEXT,
		unacknowledged INTEGER NOT NULL,
		threshold_minimum REAL NOT NULL,
		threshold_maximum REAL NOT NULL,
		threshold_duration_milliseconds INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS temperature_log (
		id TEXT PRIMARY KEY,
		temperature REAL NOT NULL,
		sensor_id TEXT NOT NULL,
		location_id TEXT,
		store_id TEXT NOT NULL,
		datetime TEXT NOT NULL,
		temperature_breach_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS user_permission (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		store_id TEXT,
		permission TEXT NOT NULL,
		context_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS document_registry (
		id TEXT PRIMARY KEY,
		document_type TEXT NOT NULL,
		context_id TEXT NOT NULL,
		category TEXT NOT NULL,
		name TEXT,
		form_schema_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_document_registry_type ON document_registry(document_type)`,
	`CREATE TABLE IF NOT EXISTS document (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		parent_ids TEXT NOT NULL,  -- JSON array
		user_id TEXT NOT NULL,
		datetime TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL,  -- JSON object
		form_schema_id TEXT,
		status TEXT NOT NULL,
		owner_name_id TEXT,
		context_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_document_name ON document(name)`,

	// Projections derived from documents during integration
	`CREATE TABLE IF NOT EXISTS program_enrolment (
		id TEXT PRIMARY KEY,
		document_name TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL,
		context_id TEXT NOT NULL,
		document_type TEXT NOT NULL,
		enrolment_datetime TEXT NOT NULL,
		program_enrolment_id TEXT,
		status TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS encounter (
		id TEXT PRIMARY KEY,
		document_name TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL,
		context_id TEXT NOT NULL,
		document_type TEXT NOT NULL,
		start_datetime TEXT NOT NULL,
		end_datetime TEXT,
		status TEXT,
		clinician_id TEXT
	)`,
}
