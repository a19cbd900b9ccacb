package postgres

// schemaSQL is the networked-backend schema. Idempotent: every statement is
// IF NOT EXISTS. Column names match the embedded backend so the mirror can
// compare rows field by field.
const schemaSQL = `
-- Core tables
CREATE TABLE IF NOT EXISTS sites (
	id BIGSERIAL PRIMARY KEY,
	site_code TEXT NOT NULL UNIQUE,
	site_name TEXT,
	site_type TEXT,  -- wreck, anchorage, debris_field
	lat DOUBLE PRECISION,
	lon DOUBLE PRECISION,
	location_wkt TEXT,
	description TEXT,
	discovery_date timestamptz,
	period TEXT,
	status TEXT,  -- active, completed, unverified
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS finds (
	id BIGSERIAL PRIMARY KEY,
	site_id BIGINT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
	find_number TEXT NOT NULL,
	material_type TEXT,
	object_type TEXT,
	description TEXT,
	condition TEXT,
	depth_m DOUBLE PRECISION,
	quantity INTEGER,
	lat DOUBLE PRECISION,
	lon DOUBLE PRECISION,
	location_wkt TEXT,
	find_date timestamptz,
	finder_name TEXT,
	created_by TEXT,
	sync_source TEXT,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	UNIQUE (site_id, find_number)
);

CREATE TABLE IF NOT EXISTS media (
	id BIGSERIAL PRIMARY KEY,
	media_type TEXT NOT NULL,  -- photo, video, signature, location
	file_name TEXT,
	file_path TEXT,
	file_size_bytes BIGINT,
	mime_type TEXT,
	checksum TEXT UNIQUE,  -- sha256 hex; dedupe key
	description TEXT,
	photographer TEXT,
	capture_date timestamptz,
	sync_source TEXT,
	created_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS media_relations (
	media_id BIGINT NOT NULL REFERENCES media(id) ON DELETE CASCADE,
	related_type TEXT NOT NULL,  -- site, find, dive_log, worker, expense
	related_id BIGINT NOT NULL,
	relation_type TEXT NOT NULL DEFAULT 'documentation',
	sort_order INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (media_id, related_type, related_id)
);

-- Markers for references that could not be resolved at apply time
CREATE TABLE IF NOT EXISTS pending_links (
	id BIGSERIAL PRIMARY KEY,
	entity_kind TEXT NOT NULL,
	entity_id BIGINT NOT NULL,
	await_kind TEXT NOT NULL,
	await_key TEXT NOT NULL,
	created_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS dive_logs (
	id BIGSERIAL PRIMARY KEY,
	site_id BIGINT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
	dive_number TEXT NOT NULL,
	dive_date timestamptz,
	dive_start TEXT,  -- HH:MM
	dive_end TEXT,
	max_depth_m DOUBLE PRECISION,
	water_temp_c DOUBLE PRECISION,
	visibility_m DOUBLE PRECISION,
	current_strength TEXT,
	dive_purpose TEXT,
	work_completed TEXT,
	created_by TEXT,
	created_at timestamptz NOT NULL,
	UNIQUE (site_id, dive_number)
);

CREATE TABLE IF NOT EXISTS workers (
	id BIGSERIAL PRIMARY KEY,
	full_name TEXT NOT NULL,
	role TEXT,
	messenger_username TEXT UNIQUE,  -- stored normalized: lowercase, no @
	email TEXT,
	phone TEXT,
	certification_no TEXT,
	certification_expiry timestamptz,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS dive_team (
	dive_id BIGINT NOT NULL REFERENCES dive_logs(id) ON DELETE CASCADE,
	worker_id BIGINT NOT NULL REFERENCES workers(id) ON DELETE CASCADE,
	role TEXT,  -- diver, supervisor, surface_support
	PRIMARY KEY (dive_id, worker_id)
);

CREATE TABLE IF NOT EXISTS expenses (
	id BIGSERIAL PRIMARY KEY,
	site_id BIGINT REFERENCES sites(id) ON DELETE SET NULL,
	category TEXT,  -- equipment, fuel, wages, permits
	description TEXT,
	amount DOUBLE PRECISION NOT NULL,
	currency TEXT,
	expense_date timestamptz,
	created_by TEXT,
	created_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at timestamptz NOT NULL
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

// postgisSQL adds the geography columns and spatial indexes. Only executed
// when the postgis extension is installed; the plain lat/lon columns carry
// coordinates otherwise.
const postgisSQL = `
ALTER TABLE sites ADD COLUMN IF NOT EXISTS location geography(POINT, 4326);
ALTER TABLE finds ADD COLUMN IF NOT EXISTS location geography(POINT, 4326);
CREATE INDEX IF NOT EXISTS idx_sites_location ON sites USING GIST (location);
CREATE INDEX IF NOT EXISTS idx_finds_location ON finds USING GIST (location);
`
