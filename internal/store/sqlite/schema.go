package sqlite

// schemaSQL is the complete embedded-backend schema. Idempotent: every
// statement is IF NOT EXISTS.
const schemaSQL = `
-- Core tables
CREATE TABLE IF NOT EXISTS sites (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	site_code TEXT NOT NULL UNIQUE,
	site_name TEXT,
	site_type TEXT,  -- wreck, anchorage, debris_field
	lat REAL,
	lon REAL,
	location_wkt TEXT,
	description TEXT,
	discovery_date TEXT,
	period TEXT,
	status TEXT,  -- active, completed, unverified
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS finds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	site_id INTEGER NOT NULL,
	find_number TEXT NOT NULL,
	material_type TEXT,
	object_type TEXT,
	description TEXT,
	condition TEXT,
	depth_m REAL,
	quantity INTEGER,
	lat REAL,
	lon REAL,
	location_wkt TEXT,
	find_date TEXT,
	finder_name TEXT,
	created_by TEXT,
	sync_source TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (site_id, find_number),
	FOREIGN KEY (site_id) REFERENCES sites(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS media (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	media_type TEXT NOT NULL,  -- photo, video, signature, location
	file_name TEXT,
	file_path TEXT,
	file_size_bytes INTEGER,
	mime_type TEXT,
	checksum TEXT UNIQUE,  -- sha256 hex; dedupe key
	description TEXT,
	photographer TEXT,
	capture_date TEXT,
	sync_source TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS media_relations (
	media_id INTEGER NOT NULL,
	related_type TEXT NOT NULL,  -- site, find, dive_log, worker, expense
	related_id INTEGER NOT NULL,
	relation_type TEXT NOT NULL DEFAULT 'documentation',
	sort_order INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (media_id, related_type, related_id),
	FOREIGN KEY (media_id) REFERENCES media(id) ON DELETE CASCADE
);

-- Markers for references that could not be resolved at apply time
CREATE TABLE IF NOT EXISTS pending_links (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_kind TEXT NOT NULL,
	entity_id INTEGER NOT NULL,
	await_kind TEXT NOT NULL,
	await_key TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dive_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	site_id INTEGER NOT NULL,
	dive_number TEXT NOT NULL,
	dive_date TEXT,
	dive_start TEXT,  -- HH:MM
	dive_end TEXT,
	max_depth_m REAL,
	water_temp_c REAL,
	visibility_m REAL,
	current_strength TEXT,
	dive_purpose TEXT,
	work_completed TEXT,
	created_by TEXT,
	created_at TEXT NOT NULL,
	UNIQUE (site_id, dive_number),
	FOREIGN KEY (site_id) REFERENCES sites(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS workers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	full_name TEXT NOT NULL,
	role TEXT,
	messenger_username TEXT UNIQUE,  -- stored normalized: lowercase, no @
	email TEXT,
	phone TEXT,
	certification_no TEXT,
	certification_expiry TEXT,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dive_team (
	dive_id INTEGER NOT NULL,
	worker_id INTEGER NOT NULL,
	role TEXT,  -- diver, supervisor, surface_support
	PRIMARY KEY (dive_id, worker_id),
	FOREIGN KEY (dive_id) REFERENCES dive_logs(id) ON DELETE CASCADE,
	FOREIGN KEY (worker_id) REFERENCES workers(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS expenses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	site_id INTEGER,
	category TEXT,  -- equipment, fuel, wages, permits
	description TEXT,
	amount REAL NOT NULL,
	currency TEXT,
	expense_date TEXT,
	created_by TEXT,
	created_at TEXT NOT NULL,
	FOREIGN KEY (site_id) REFERENCES sites(id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

-- Indexes for common queries
CREATE INDEX IF NOT EXISTS idx_finds_site ON finds(site_id);
CREATE INDEX IF NOT EXISTS idx_finds_number ON finds(find_number);
CREATE INDEX IF NOT EXISTS idx_finds_material ON finds(material_type);
CREATE INDEX IF NOT EXISTS idx_finds_created ON finds(created_at);
CREATE INDEX IF NOT EXISTS idx_media_checksum ON media(checksum);
CREATE INDEX IF NOT EXISTS idx_media_path ON media(file_path);
CREATE INDEX IF NOT EXISTS idx_relations_entity ON media_relations(related_type, related_id);
CREATE INDEX IF NOT EXISTS idx_pending_await ON pending_links(await_kind, await_key);
CREATE INDEX IF NOT EXISTS idx_dive_logs_site ON dive_logs(site_id);
CREATE INDEX IF NOT EXISTS idx_workers_username ON workers(messenger_username);
CREATE INDEX IF NOT EXISTS idx_expenses_site ON expenses(site_id);
`
