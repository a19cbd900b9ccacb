// Package postgres implements the canonical store on networked
// Postgres/PostGIS through the pgx v5 database/sql adapter.
//
// The pgx driver itself is linked by the binary, not by this package, so
// embedded-only builds carry no Postgres client. New refuses to construct
// when the driver is absent. When the postgis extension is installed the
// backend maintains geography(POINT,4326) columns alongside the plain
// lat/lon columns; without it coordinates live in lat/lon only.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/mod/semver"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/store"
)

func init() {
	store.Register(store.TypePostgres, New)
}

// driverName is the database/sql name registered by pgx/v5/stdlib.
const driverName = "pgx"

// defaultStmtTimeout bounds store calls whose caller set no deadline.
const defaultStmtTimeout = 15 * time.Second

// Store is the networked Postgres canonical store.
type Store struct {
	conn   *sql.DB
	dsn    string
	logger *log.Logger

	// postgis reports whether the geography columns are available.
	// Probed at New and again at Init.
	postgis bool

	now func() time.Time
}

// New connects to the Postgres database at cfg.DSN.
// The caller MUST call Close() when done.
func New(cfg store.Config) (store.Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store requires a connection string")
	}
	if !driverRegistered(driverName) {
		return nil, fmt.Errorf("%w: pgx driver is not linked into this binary", store.ErrConnection)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[postgres] ", log.LstdFlags)
	}

	conn, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultStmtTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrConnection, err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		dsn:    cfg.DSN,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.postgis = s.probePostGIS(ctx)

	return s, nil
}

func driverRegistered(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

// probePostGIS reports whether the postgis extension is installed.
func (s *Store) probePostGIS(ctx context.Context) bool {
	var enabled bool
	err := s.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'postgis')`).Scan(&enabled)
	if err != nil {
		s.logger.Printf("WARNING: postgis probe failed, using plain coordinates: %v", err)
		return false
	}
	return enabled
}

// withTimeout adds the default statement timeout when the caller set none.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultStmtTimeout)
}

// ===================
// Identity
// ===================

// Backend returns the backend type.
func (s *Store) Backend() store.Type {
	return store.TypePostgres
}

// Description returns the connection target with credentials removed.
func (s *Store) Description() string {
	return "postgres:" + redactDSN(s.dsn)
}

// redactDSN strips passwords from URL and key=value connection strings.
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Host != "" {
		if u.User != nil {
			u.User = url.User(u.User.Username())
		}
		return u.String()
	}

	parts := strings.Fields(dsn)
	for i, p := range parts {
		if strings.HasPrefix(strings.ToLower(p), "password=") {
			parts[i] = "password=redacted"
		}
	}
	return strings.Join(parts, " ")
}

// ===================
// Lifecycle
// ===================

// Init creates the schema if it doesn't exist and stamps the schema version.
// Idempotent - safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := s.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", mapErr(err))
	}

	s.postgis = s.probePostGIS(ctx)
	if s.postgis {
		if _, err := s.conn.ExecContext(ctx, postgisSQL); err != nil {
			return fmt.Errorf("failed to add geography columns: %w", mapErr(err))
		}
	}

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
	ON CONFLICT (key) DO NOTHING
	`, store.SettingSchemaVersion, store.SchemaVersion, s.now())
	if err != nil {
		return fmt.Errorf("failed to stamp schema version: %w", mapErr(err))
	}

	return nil
}

// Verify checks connectivity and schema version compatibility.
func (s *Store) Verify(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrConnection, err)
	}

	v, err := s.Setting(ctx, store.SettingSchemaVersion)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: database not initialized (run init)", store.ErrSchemaVersion)
	}
	if err != nil {
		return err
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: stored version %q is not valid semver", store.ErrSchemaVersion, v)
	}
	if semver.Major(v) != semver.Major(store.SchemaVersion) {
		return fmt.Errorf("%w: database has %s, this build requires %s", store.ErrSchemaVersion, v, store.SchemaVersion)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// ===================
// Sites
// ===================

// siteColumns returns the select list; coordinates come from the geography
// column when present so desk rows without lat/lon still surface a location.
func (s *Store) siteColumns() string {
	lat, lon := "lat", "lon"
	if s.postgis {
		lat = "COALESCE(ST_Y(location::geometry), lat)"
		lon = "COALESCE(ST_X(location::geometry), lon)"
	}
	return `id, site_code, site_name, site_type, ` + lat + `, ` + lon + `,
		description, discovery_date, period, status, created_at, updated_at`
}

// UpsertSite inserts or merges a site by site_code.
// Existing non-null fields are never overwritten by null incoming values.
func (s *Store) UpsertSite(ctx context.Context, site *catalog.Site) (int64, error) {
	if err := site.Validate(); err != nil {
		return 0, fmt.Errorf("invalid site: %w", err)
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	now := s.now()
	createdAt := site.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	var lat, lon sql.NullFloat64
	var wkt sql.NullString
	if site.Location != nil {
		lat = sql.NullFloat64{Float64: site.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: site.Location.Lon, Valid: true}
		wkt = sql.NullString{String: site.Location.WKT(), Valid: true}
	}

	insertCols := `site_code, site_name, site_type, lat, lon, location_wkt,
		description, discovery_date, period, status, created_at, updated_at`
	valueList := `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12`
	updateSet := `
		site_name = COALESCE(EXCLUDED.site_name, sites.site_name),
		site_type = COALESCE(EXCLUDED.site_type, sites.site_type),
		lat = COALESCE(EXCLUDED.lat, sites.lat),
		lon = COALESCE(EXCLUDED.lon, sites.lon),
		location_wkt = COALESCE(EXCLUDED.location_wkt, sites.location_wkt),
		description = COALESCE(EXCLUDED.description, sites.description),
		discovery_date = COALESCE(EXCLUDED.discovery_date, sites.discovery_date),
		period = COALESCE(EXCLUDED.period, sites.period),
		status = COALESCE(EXCLUDED.status, sites.status),
		updated_at = EXCLUDED.updated_at`

	args := []interface{}{
		site.SiteCode,
		nullIfEmpty(site.SiteName),
		nullIfEmpty(site.SiteType),
		lat,
		lon,
		wkt,
		nullIfEmpty(site.Description),
		nullTimePtr(site.DiscoveryDate),
		nullIfEmpty(site.Period),
		nullIfEmpty(site.Status),
		createdAt,
		now,
	}
	if s.postgis {
		insertCols += ", location"
		valueList += ", ST_GeogFromText($13)"
		updateSet += `,
		location = COALESCE(EXCLUDED.location, sites.location)`
		args = append(args, wkt)
	}

	query := `INSERT INTO sites (` + insertCols + `) VALUES (` + valueList + `)
	ON CONFLICT (site_code) DO UPDATE SET` + updateSet + `
	RETURNING id`

	var id int64
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to upsert site %s: %w", site.SiteCode, mapErr(err))
	}
	return id, nil
}

// SiteByCode returns the site with the given code.
func (s *Store) SiteByCode(ctx context.Context, code string) (*catalog.Site, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+s.siteColumns()+` FROM sites WHERE site_code = $1`, code)
	site, err := scanSite(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get site %s: %w", code, mapErr(err))
	}
	return site, nil
}

// SiteByID returns the site with the given row id.
func (s *Store) SiteByID(ctx context.Context, id int64) (*catalog.Site, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+s.siteColumns()+` FROM sites WHERE id = $1`, id)
	site, err := scanSite(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get site %d: %w", id, mapErr(err))
	}
	return site, nil
}

// ListSites returns all sites ordered by site_code.
func (s *Store) ListSites(ctx context.Context) ([]*catalog.Site, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+s.siteColumns()+` FROM sites ORDER BY site_code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", mapErr(err))
	}
	defer rows.Close()

	var sites []*catalog.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sites: %w", err)
	}
	return sites, nil
}

// ===================
// Finds
// ===================

func (s *Store) findColumns() string {
	lat, lon := "lat", "lon"
	if s.postgis {
		lat = "COALESCE(ST_Y(location::geometry), lat)"
		lon = "COALESCE(ST_X(location::geometry), lon)"
	}
	return `id, site_id, find_number, material_type, object_type, description,
		condition, depth_m, quantity, ` + lat + `, ` + lon + `, find_date,
		finder_name, created_by, sync_source, created_at, updated_at`
}

// UpsertFind inserts or merges a find by (site_id, find_number).
// Existing non-null fields are never overwritten by null incoming values.
func (s *Store) UpsertFind(ctx context.Context, find *catalog.Find) (int64, error) {
	if err := find.Validate(); err != nil {
		return 0, fmt.Errorf("invalid find: %w", err)
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	now := s.now()
	createdAt := find.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	var lat, lon sql.NullFloat64
	var wkt sql.NullString
	if find.Location != nil {
		lat = sql.NullFloat64{Float64: find.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: find.Location.Lon, Valid: true}
		wkt = sql.NullString{String: find.Location.WKT(), Valid: true}
	}

	insertCols := `site_id, find_number, material_type, object_type,
		description, condition, depth_m, quantity, lat, lon, location_wkt,
		find_date, finder_name, created_by, sync_source, created_at, updated_at`
	valueList := `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17`
	updateSet := `
		material_type = COALESCE(EXCLUDED.material_type, finds.material_type),
		object_type = COALESCE(EXCLUDED.object_type, finds.object_type),
		description = COALESCE(EXCLUDED.description, finds.description),
		condition = COALESCE(EXCLUDED.condition, finds.condition),
		depth_m = COALESCE(EXCLUDED.depth_m, finds.depth_m),
		quantity = COALESCE(EXCLUDED.quantity, finds.quantity),
		lat = COALESCE(EXCLUDED.lat, finds.lat),
		lon = COALESCE(EXCLUDED.lon, finds.lon),
		location_wkt = COALESCE(EXCLUDED.location_wkt, finds.location_wkt),
		find_date = COALESCE(EXCLUDED.find_date, finds.find_date),
		finder_name = COALESCE(EXCLUDED.finder_name, finds.finder_name),
		created_by = COALESCE(EXCLUDED.created_by, finds.created_by),
		sync_source = COALESCE(EXCLUDED.sync_source, finds.sync_source),
		updated_at = EXCLUDED.updated_at`

	args := []interface{}{
		find.SiteID,
		find.FindNumber,
		nullIfEmpty(find.MaterialType),
		nullIfEmpty(find.ObjectType),
		nullIfEmpty(find.Description),
		nullIfEmpty(find.Condition),
		nullFloatPtr(find.DepthM),
		nullIfZero(find.Quantity),
		lat,
		lon,
		wkt,
		nullTimePtr(find.FindDate),
		nullIfEmpty(find.FinderName),
		nullIfEmpty(find.CreatedBy),
		nullIfEmpty(find.SyncSource),
		createdAt,
		now,
	}
	if s.postgis {
		insertCols += ", location"
		valueList += ", ST_GeogFromText($18)"
		updateSet += `,
		location = COALESCE(EXCLUDED.location, finds.location)`
		args = append(args, wkt)
	}

	query := `INSERT INTO finds (` + insertCols + `) VALUES (` + valueList + `)
	ON CONFLICT (site_id, find_number) DO UPDATE SET` + updateSet + `
	RETURNING id`

	var id int64
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to upsert find %s: %w", find.FindNumber, mapErr(err))
	}
	return id, nil
}

// FindByNumber returns the find with the given number on a site.
func (s *Store) FindByNumber(ctx context.Context, siteID int64, findNumber string) (*catalog.Find, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+s.findColumns()+` FROM finds WHERE site_id = $1 AND find_number = $2`,
		siteID, findNumber)
	find, err := scanFind(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get find %s: %w", findNumber, mapErr(err))
	}
	return find, nil
}

// FindByID returns the find with the given row id.
func (s *Store) FindByID(ctx context.Context, id int64) (*catalog.Find, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+s.findColumns()+` FROM finds WHERE id = $1`, id)
	find, err := scanFind(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get find %d: %w", id, mapErr(err))
	}
	return find, nil
}

// ListFinds returns finds matching the filter, newest first.
func (s *Store) ListFinds(ctx context.Context, filter store.FindFilter) ([]*catalog.Find, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var conditions []string
	var args []interface{}

	if filter.SiteID != 0 {
		args = append(args, filter.SiteID)
		conditions = append(conditions, fmt.Sprintf("site_id = $%d", len(args)))
	}
	if filter.FindNumber != "" {
		args = append(args, filter.FindNumber)
		conditions = append(conditions, fmt.Sprintf("find_number = $%d", len(args)))
	}
	if filter.MaterialType != "" {
		args = append(args, filter.MaterialType)
		conditions = append(conditions, fmt.Sprintf("material_type = $%d", len(args)))
	}

	query := `SELECT ` + s.findColumns() + ` FROM finds`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list finds: %w", mapErr(err))
	}
	defer rows.Close()

	var finds []*catalog.Find
	for rows.Next() {
		find, err := scanFind(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan find: %w", err)
		}
		finds = append(finds, find)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating finds: %w", err)
	}
	return finds, nil
}

// MergeFindLocation fills the find's location and depth only where unset.
func (s *Store) MergeFindLocation(ctx context.Context, findID int64, loc catalog.Point, depthM *float64) error {
	if !loc.Valid() {
		return fmt.Errorf("%w: coordinates out of range: %v", store.ErrInvalidRef, loc)
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
	UPDATE finds SET
		lat = COALESCE(lat, $1),
		lon = COALESCE(lon, $2),
		location_wkt = COALESCE(location_wkt, $3),
		depth_m = COALESCE(depth_m, $4),
		updated_at = $5`
	args := []interface{}{loc.Lat, loc.Lon, loc.WKT(), nullFloatPtr(depthM), s.now()}

	if s.postgis {
		query += `,
		location = COALESCE(location, ST_GeogFromText($6))
	WHERE id = $7`
		args = append(args, loc.WKT(), findID)
	} else {
		query += `
	WHERE id = $6`
		args = append(args, findID)
	}

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to merge location into find %d: %w", findID, mapErr(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to merge location into find %d: %w", findID, err)
	}
	if affected == 0 {
		return fmt.Errorf("find %d: %w", findID, store.ErrNotFound)
	}
	return nil
}

// DeleteFindCascade removes a find with its media relations and pending
// link markers.
func (s *Store) DeleteFindCascade(ctx context.Context, findID int64) error {
	find, err := s.FindByID(ctx, findID)
	if err != nil {
		return err
	}

	keys := []interface{}{find.FindNumber}
	if site, err := s.SiteByID(ctx, find.SiteID); err == nil {
		keys = append(keys, site.SiteCode+"/"+find.FindNumber)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", mapErr(err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM media_relations WHERE related_type = 'find' AND related_id = $1`, findID); err != nil {
		return fmt.Errorf("failed to delete media relations of find %d: %w", findID, mapErr(err))
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_links WHERE entity_kind = 'find' AND entity_id = $1`, findID); err != nil {
		return fmt.Errorf("failed to delete pending links of find %d: %w", findID, mapErr(err))
	}

	placeholders := make([]string, len(keys))
	for i := range keys {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_links WHERE await_kind = 'find' AND await_key IN (`+
			strings.Join(placeholders, ", ")+`)`, keys...); err != nil {
		return fmt.Errorf("failed to delete markers awaiting find %d: %w", findID, mapErr(err))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM finds WHERE id = $1`, findID); err != nil {
		return fmt.Errorf("failed to delete find %d: %w", findID, mapErr(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of find %d: %w", findID, mapErr(err))
	}
	return nil
}

// ===================
// Media
// ===================

const mediaColumns = `
	id, media_type, file_name, file_path, file_size_bytes, mime_type,
	checksum, description, photographer, capture_date, sync_source, created_at`

const mediaColumnsPrefixed = `
	m.id, m.media_type, m.file_name, m.file_path, m.file_size_bytes, m.mime_type,
	m.checksum, m.description, m.photographer, m.capture_date, m.sync_source, m.created_at`

// InsertMedia stores a media row, deduplicated by checksum.
func (s *Store) InsertMedia(ctx context.Context, media *catalog.Media) (int64, bool, error) {
	if err := media.Validate(); err != nil {
		return 0, false, fmt.Errorf("invalid media: %w", err)
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if media.Checksum != "" {
		existing, err := s.MediaByChecksum(ctx, media.Checksum)
		if err == nil {
			return existing.ID, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return 0, false, err
		}
	}

	createdAt := media.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	var id int64
	err := s.conn.QueryRowContext(ctx, `
	INSERT INTO media (
		media_type, file_name, file_path, file_size_bytes, mime_type,
		checksum, description, photographer, capture_date, sync_source, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING id
	`,
		media.MediaType,
		nullIfEmpty(media.FileName),
		nullIfEmpty(media.FilePath),
		nullIfZero64(media.FileSizeBytes),
		nullIfEmpty(media.MimeType),
		nullIfEmpty(media.Checksum),
		nullIfEmpty(media.Description),
		nullIfEmpty(media.Photographer),
		nullTimePtr(media.CaptureDate),
		nullIfEmpty(media.SyncSource),
		createdAt,
	).Scan(&id)
	if err != nil {
		// Lost an insert race on the checksum: reuse the winner's row.
		if media.Checksum != "" && errors.Is(mapErr(err), store.ErrConstraint) {
			if existing, lookupErr := s.MediaByChecksum(ctx, media.Checksum); lookupErr == nil {
				return existing.ID, false, nil
			}
		}
		return 0, false, fmt.Errorf("failed to insert media: %w", mapErr(err))
	}
	return id, true, nil
}

// MediaByChecksum returns the media row with the given sha256 checksum.
func (s *Store) MediaByChecksum(ctx context.Context, checksum string) (*catalog.Media, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE checksum = $1`, checksum)
	media, err := scanMedia(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get media by checksum: %w", mapErr(err))
	}
	return media, nil
}

// MediaByPath returns the newest media row with the given file path.
func (s *Store) MediaByPath(ctx context.Context, path string) (*catalog.Media, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE file_path = $1 ORDER BY id DESC LIMIT 1`, path)
	media, err := scanMedia(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get media by path: %w", mapErr(err))
	}
	return media, nil
}

// MediaByID returns the media row with the given id.
func (s *Store) MediaByID(ctx context.Context, id int64) (*catalog.Media, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE id = $1`, id)
	media, err := scanMedia(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get media %d: %w", id, mapErr(err))
	}
	return media, nil
}

// LinkMedia attaches a media row to an entity. Idempotent.
func (s *Store) LinkMedia(ctx context.Context, rel *catalog.MediaRelation) error {
	if err := rel.Validate(); err != nil {
		return fmt.Errorf("invalid media relation: %w", err)
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	relationType := rel.RelationType
	if relationType == "" {
		relationType = catalog.RelationDocumentation
	}

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO media_relations (media_id, related_type, related_id, relation_type, sort_order)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (media_id, related_type, related_id) DO NOTHING
	`, rel.MediaID, string(rel.RelatedType), rel.RelatedID, relationType, rel.SortOrder)
	if err != nil {
		return fmt.Errorf("failed to link media %d to %s %d: %w",
			rel.MediaID, rel.RelatedType, rel.RelatedID, mapErr(err))
	}
	return nil
}

// MediaFor returns media linked to the given entity, in sort order.
func (s *Store) MediaFor(ctx context.Context, kind catalog.EntityKind, id int64) ([]*catalog.Media, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+mediaColumnsPrefixed+`
	FROM media m
	JOIN media_relations r ON r.media_id = m.id
	WHERE r.related_type = $1 AND r.related_id = $2
	ORDER BY r.sort_order, m.id
	`, string(kind), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list media for %s %d: %w", kind, id, mapErr(err))
	}

	return collectMedia(rows)
}

// ListMedia returns media rows, newest first.
func (s *Store) ListMedia(ctx context.Context, limit int) ([]*catalog.Media, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + mediaColumns + ` FROM media ORDER BY created_at DESC, id DESC`
	var args []interface{}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $1"
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %w", mapErr(err))
	}

	return collectMedia(rows)
}

// ListMediaRelations returns every media-entity link.
func (s *Store) ListMediaRelations(ctx context.Context) ([]*catalog.MediaRelation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, `
	SELECT media_id, related_type, related_id, relation_type, sort_order
	FROM media_relations
	ORDER BY media_id, related_type, related_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list media relations: %w", mapErr(err))
	}
	defer rows.Close()

	var relations []*catalog.MediaRelation
	for rows.Next() {
		var rel catalog.MediaRelation
		var relatedType string
		if err := rows.Scan(&rel.MediaID, &relatedType, &rel.RelatedID, &rel.RelationType, &rel.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan media relation: %w", err)
		}
		rel.RelatedType = catalog.EntityKind(relatedType)
		relations = append(relations, &rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating media relations: %w", err)
	}
	return relations, nil
}

// ===================
// Pending Links
// ===================

// AddPendingLink records an unresolved reference marker.
func (s *Store) AddPendingLink(ctx context.Context, link *store.PendingLink) (int64, error) {
	if err := link.Validate(); err != nil {
		return 0, fmt.Errorf("invalid pending link: %w", err)
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	createdAt := link.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	var id int64
	err := s.conn.QueryRowContext(ctx, `
	INSERT INTO pending_links (entity_kind, entity_id, await_kind, await_key, created_at)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING id
	`, string(link.EntityKind), link.EntityID, string(link.AwaitKind), link.AwaitKey, createdAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to add pending link: %w", mapErr(err))
	}
	return id, nil
}

// TakePendingLinks atomically removes and returns markers awaiting a key.
func (s *Store) TakePendingLinks(ctx context.Context, awaitKind catalog.EntityKind, awaitKey string) ([]*store.PendingLink, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	// Single-statement delete+return keeps the take atomic without a
	// transaction round trip.
	rows, err := s.conn.QueryContext(ctx, `
	WITH taken AS (
		DELETE FROM pending_links
		WHERE await_kind = $1 AND await_key = $2
		RETURNING id, entity_kind, entity_id, await_kind, await_key, created_at
	)
	SELECT id, entity_kind, entity_id, await_kind, await_key, created_at
	FROM taken ORDER BY id
	`, string(awaitKind), awaitKey)
	if err != nil {
		return nil, fmt.Errorf("failed to take pending links: %w", mapErr(err))
	}

	return collectPendingLinks(rows)
}

// ListPendingLinks returns all outstanding markers, oldest first.
func (s *Store) ListPendingLinks(ctx context.Context) ([]*store.PendingLink, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, entity_kind, entity_id, await_kind, await_key, created_at
	FROM pending_links ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending links: %w", mapErr(err))
	}

	return collectPendingLinks(rows)
}

// ===================
// Dive Logs
// ===================

const diveColumns = `
	id, site_id, dive_number, dive_date, dive_start, dive_end, max_depth_m,
	water_temp_c, visibility_m, current_strength, dive_purpose,
	work_completed, created_by, created_at`

// UpsertDiveLog inserts or merges a dive log by (site_id, dive_number).
func (s *Store) UpsertDiveLog(ctx context.Context, dive *catalog.DiveLog) (int64, error) {
	if err := dive.Validate(); err != nil {
		return 0, fmt.Errorf("invalid dive log: %w", err)
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	createdAt := dive.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	var id int64
	err := s.conn.QueryRowContext(ctx, `
	INSERT INTO dive_logs (
		site_id, dive_number, dive_date, dive_start, dive_end, max_depth_m,
		water_temp_c, visibility_m, current_strength, dive_purpose,
		work_completed, created_by, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (site_id, dive_number) DO UPDATE SET
		dive_date = COALESCE(EXCLUDED.dive_date, dive_logs.dive_date),
		dive_start = COALESCE(EXCLUDED.dive_start, dive_logs.dive_start),
		dive_end = COALESCE(EXCLUDED.dive_end, dive_logs.dive_end),
		max_depth_m = COALESCE(EXCLUDED.max_depth_m, dive_logs.max_depth_m),
		water_temp_c = COALESCE(EXCLUDED.water_temp_c, dive_logs.water_temp_c),
		visibility_m = COALESCE(EXCLUDED.visibility_m, dive_logs.visibility_m),
		current_strength = COALESCE(EXCLUDED.current_strength, dive_logs.current_strength),
		dive_purpose = COALESCE(EXCLUDED.dive_purpose, dive_logs.dive_purpose),
		work_completed = COALESCE(EXCLUDED.work_completed, dive_logs.work_completed),
		created_by = COALESCE(EXCLUDED.created_by, dive_logs.created_by)
	RETURNING id
	`,
		dive.SiteID,
		dive.DiveNumber,
		nullTimePtr(dive.DiveDate),
		nullIfEmpty(dive.DiveStart),
		nullIfEmpty(dive.DiveEnd),
		nullFloatPtr(dive.MaxDepthM),
		nullFloatPtr(dive.WaterTempC),
		nullFloatPtr(dive.VisibilityM),
		nullIfEmpty(dive.Current),
		nullIfEmpty(dive.DivePurpose),
		nullIfEmpty(dive.WorkCompleted),
		nullIfEmpty(dive.CreatedBy),
		createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert dive %s: %w", dive.DiveNumber, mapErr(err))
	}
	return id, nil
}

// AddDiveTeamMember assigns a worker to a dive. Idempotent.
func (s *Store) AddDiveTeamMember(ctx context.Context, member *catalog.DiveTeamMember) error {
	if member.DiveID == 0 || member.WorkerID == 0 {
		return fmt.Errorf("invalid dive team member: dive_id and worker_id are required")
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO dive_team (dive_id, worker_id, role) VALUES ($1, $2, $3)
	ON CONFLICT (dive_id, worker_id) DO UPDATE SET
		role = COALESCE(EXCLUDED.role, dive_team.role)
	`, member.DiveID, member.WorkerID, nullIfEmpty(member.Role))
	if err != nil {
		return fmt.Errorf("failed to add dive team member: %w", mapErr(err))
	}
	return nil
}

// ListDiveLogs returns dive logs for a site (0 = all sites), newest first.
func (s *Store) ListDiveLogs(ctx context.Context, siteID int64) ([]*catalog.DiveLog, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + diveColumns + ` FROM dive_logs`
	var args []interface{}
	if siteID != 0 {
		query += ` WHERE site_id = $1`
		args = append(args, siteID)
	}
	query += ` ORDER BY dive_date DESC, id DESC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dive logs: %w", mapErr(err))
	}
	defer rows.Close()

	var dives []*catalog.DiveLog
	for rows.Next() {
		dive, err := scanDiveLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dive log: %w", err)
		}
		dives = append(dives, dive)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dive logs: %w", err)
	}
	return dives, nil
}

// ===================
// Workers
// ===================

const workerColumns = `
	id, full_name, role, messenger_username, email, phone,
	certification_no, certification_expiry, is_active, created_at`

// UpsertWorker inserts or merges a worker by messenger username, falling
// back to full name when no username is set.
func (s *Store) UpsertWorker(ctx context.Context, worker *catalog.Worker) (int64, error) {
	if err := worker.Validate(); err != nil {
		return 0, fmt.Errorf("invalid worker: %w", err)
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	username := catalog.NormalizeUsername(worker.MessengerUsername)
	createdAt := worker.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	if username != "" {
		var id int64
		err := s.conn.QueryRowContext(ctx, `
		INSERT INTO workers (
			full_name, role, messenger_username, email, phone,
			certification_no, certification_expiry, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (messenger_username) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			role = COALESCE(EXCLUDED.role, workers.role),
			email = COALESCE(EXCLUDED.email, workers.email),
			phone = COALESCE(EXCLUDED.phone, workers.phone),
			certification_no = COALESCE(EXCLUDED.certification_no, workers.certification_no),
			certification_expiry = COALESCE(EXCLUDED.certification_expiry, workers.certification_expiry),
			is_active = EXCLUDED.is_active
		RETURNING id
		`,
			worker.FullName,
			nullIfEmpty(worker.Role),
			username,
			nullIfEmpty(worker.Email),
			nullIfEmpty(worker.Phone),
			nullIfEmpty(worker.CertificationNo),
			nullTimePtr(worker.CertificationExpiry),
			worker.IsActive,
			createdAt,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert worker %s: %w", username, mapErr(err))
		}
		return id, nil
	}

	// No username: match on full name so repeated desk imports stay stable.
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin worker transaction: %w", mapErr(err))
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM workers WHERE full_name = $1 AND messenger_username IS NULL`,
		worker.FullName).Scan(&id)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx, `
		UPDATE workers SET
			role = COALESCE($1, role),
			email = COALESCE($2, email),
			phone = COALESCE($3, phone),
			certification_no = COALESCE($4, certification_no),
			certification_expiry = COALESCE($5, certification_expiry),
			is_active = $6
		WHERE id = $7
		`,
			nullIfEmpty(worker.Role),
			nullIfEmpty(worker.Email),
			nullIfEmpty(worker.Phone),
			nullIfEmpty(worker.CertificationNo),
			nullTimePtr(worker.CertificationExpiry),
			worker.IsActive,
			id,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to update worker %s: %w", worker.FullName, mapErr(err))
		}
	case errors.Is(err, sql.ErrNoRows):
		insErr := tx.QueryRowContext(ctx, `
		INSERT INTO workers (
			full_name, role, email, phone, certification_no,
			certification_expiry, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
		`,
			worker.FullName,
			nullIfEmpty(worker.Role),
			nullIfEmpty(worker.Email),
			nullIfEmpty(worker.Phone),
			nullIfEmpty(worker.CertificationNo),
			nullTimePtr(worker.CertificationExpiry),
			worker.IsActive,
			createdAt,
		).Scan(&id)
		if insErr != nil {
			return 0, fmt.Errorf("failed to insert worker %s: %w", worker.FullName, mapErr(insErr))
		}
	default:
		return 0, fmt.Errorf("failed to look up worker %s: %w", worker.FullName, mapErr(err))
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit worker upsert: %w", mapErr(err))
	}
	return id, nil
}

// WorkerByUsername returns the worker with the given messenger username.
// Tolerates a leading @ and ignores case.
func (s *Store) WorkerByUsername(ctx context.Context, username string) (*catalog.Worker, error) {
	normalized := catalog.NormalizeUsername(username)
	if normalized == "" {
		return nil, fmt.Errorf("worker username: %w", store.ErrNotFound)
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE messenger_username = $1`, normalized)
	worker, err := scanWorker(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get worker %s: %w", normalized, mapErr(err))
	}
	return worker, nil
}

// ListWorkers returns workers, optionally only active ones.
func (s *Store) ListWorkers(ctx context.Context, activeOnly bool) ([]*catalog.Worker, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + workerColumns + ` FROM workers`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY full_name`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", mapErr(err))
	}
	defer rows.Close()

	var workers []*catalog.Worker
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, worker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}
	return workers, nil
}

// ===================
// Expenses
// ===================

const expenseColumns = `
	id, site_id, category, description, amount, currency, expense_date,
	created_by, created_at`

// InsertExpense records an expedition expense.
func (s *Store) InsertExpense(ctx context.Context, expense *catalog.Expense) (int64, error) {
	if err := expense.Validate(); err != nil {
		return 0, fmt.Errorf("invalid expense: %w", err)
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	createdAt := expense.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	var id int64
	err := s.conn.QueryRowContext(ctx, `
	INSERT INTO expenses (
		site_id, category, description, amount, currency, expense_date,
		created_by, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING id
	`,
		nullIfZero64(expense.SiteID),
		nullIfEmpty(expense.Category),
		nullIfEmpty(expense.Description),
		expense.Amount,
		nullIfEmpty(expense.Currency),
		nullTimePtr(expense.ExpenseDate),
		nullIfEmpty(expense.CreatedBy),
		createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert expense: %w", mapErr(err))
	}
	return id, nil
}

// ListExpenses returns expenses for a site (0 = all sites), newest first.
func (s *Store) ListExpenses(ctx context.Context, siteID int64) ([]*catalog.Expense, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + expenseColumns + ` FROM expenses`
	var args []interface{}
	if siteID != 0 {
		query += ` WHERE site_id = $1`
		args = append(args, siteID)
	}
	query += ` ORDER BY expense_date DESC, id DESC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", mapErr(err))
	}
	defer rows.Close()

	var expenses []*catalog.Expense
	for rows.Next() {
		expense, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		expenses = append(expenses, expense)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expenses: %w", err)
	}
	return expenses, nil
}

// ===================
// Settings
// ===================

// Setting returns the value for a settings key.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, mapErr(err))
	}
	return value, nil
}

// SetSetting writes a settings key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
	ON CONFLICT (key) DO UPDATE SET
		value = EXCLUDED.value,
		updated_at = EXCLUDED.updated_at
	`, key, value, s.now())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, mapErr(err))
	}
	return nil
}

// ===================
// Stats
// ===================

// Stats returns entity counts for status displays.
func (s *Store) Stats(ctx context.Context) (*catalog.Stats, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	stats := &catalog.Stats{}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM sites`, &stats.Sites},
		{`SELECT COUNT(*) FROM finds`, &stats.Finds},
		{`SELECT COUNT(*) FROM media`, &stats.Media},
		{`SELECT COUNT(*) FROM dive_logs`, &stats.DiveLogs},
		{`SELECT COUNT(*) FROM workers`, &stats.Workers},
		{`SELECT COUNT(*) FROM expenses`, &stats.Expenses},
	}
	for _, c := range counts {
		if err := s.conn.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count entities: %w", mapErr(err))
		}
	}

	cutoff := s.now().AddDate(0, 0, -7)
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM finds WHERE created_at >= $1`, cutoff).Scan(&stats.FindsLast7Days)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent finds: %w", mapErr(err))
	}

	return stats, nil
}

// ===================
// Scanning
// ===================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSite(row rowScanner) (*catalog.Site, error) {
	var site catalog.Site
	var name, siteType, description, period, status sql.NullString
	var lat, lon sql.NullFloat64
	var discoveryDate sql.NullTime

	err := row.Scan(
		&site.ID,
		&site.SiteCode,
		&name,
		&siteType,
		&lat,
		&lon,
		&description,
		&discoveryDate,
		&period,
		&status,
		&site.CreatedAt,
		&site.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	site.SiteName = name.String
	site.SiteType = siteType.String
	site.Description = description.String
	site.Period = period.String
	site.Status = status.String
	site.Location = pointFromNulls(lat, lon)
	site.DiscoveryDate = timeFromNull(discoveryDate)

	return &site, nil
}

func scanFind(row rowScanner) (*catalog.Find, error) {
	var find catalog.Find
	var material, object, description, condition sql.NullString
	var finderName, createdBy, syncSource sql.NullString
	var depth, lat, lon sql.NullFloat64
	var quantity sql.NullInt64
	var findDate sql.NullTime

	err := row.Scan(
		&find.ID,
		&find.SiteID,
		&find.FindNumber,
		&material,
		&object,
		&description,
		&condition,
		&depth,
		&quantity,
		&lat,
		&lon,
		&findDate,
		&finderName,
		&createdBy,
		&syncSource,
		&find.CreatedAt,
		&find.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	find.MaterialType = material.String
	find.ObjectType = object.String
	find.Description = description.String
	find.Condition = condition.String
	if depth.Valid {
		d := depth.Float64
		find.DepthM = &d
	}
	find.Quantity = int(quantity.Int64)
	find.Location = pointFromNulls(lat, lon)
	find.FindDate = timeFromNull(findDate)
	find.FinderName = finderName.String
	find.CreatedBy = createdBy.String
	find.SyncSource = syncSource.String

	return &find, nil
}

func scanMedia(row rowScanner) (*catalog.Media, error) {
	var media catalog.Media
	var fileName, filePath, mimeType, checksum sql.NullString
	var description, photographer, syncSource sql.NullString
	var sizeBytes sql.NullInt64
	var captureDate sql.NullTime

	err := row.Scan(
		&media.ID,
		&media.MediaType,
		&fileName,
		&filePath,
		&sizeBytes,
		&mimeType,
		&checksum,
		&description,
		&photographer,
		&captureDate,
		&syncSource,
		&media.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	media.FileName = fileName.String
	media.FilePath = filePath.String
	media.FileSizeBytes = sizeBytes.Int64
	media.MimeType = mimeType.String
	media.Checksum = checksum.String
	media.Description = description.String
	media.Photographer = photographer.String
	media.CaptureDate = timeFromNull(captureDate)
	media.SyncSource = syncSource.String

	return &media, nil
}

func collectMedia(rows *sql.Rows) ([]*catalog.Media, error) {
	defer rows.Close()

	var media []*catalog.Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan media: %w", err)
		}
		media = append(media, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating media: %w", err)
	}
	return media, nil
}

func scanDiveLog(row rowScanner) (*catalog.DiveLog, error) {
	var dive catalog.DiveLog
	var diveDate sql.NullTime
	var start, end, current, purpose, completed, createdBy sql.NullString
	var maxDepth, waterTemp, visibility sql.NullFloat64

	err := row.Scan(
		&dive.ID,
		&dive.SiteID,
		&dive.DiveNumber,
		&diveDate,
		&start,
		&end,
		&maxDepth,
		&waterTemp,
		&visibility,
		&current,
		&purpose,
		&completed,
		&createdBy,
		&dive.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	dive.DiveDate = timeFromNull(diveDate)
	dive.DiveStart = start.String
	dive.DiveEnd = end.String
	if maxDepth.Valid {
		d := maxDepth.Float64
		dive.MaxDepthM = &d
	}
	if waterTemp.Valid {
		t := waterTemp.Float64
		dive.WaterTempC = &t
	}
	if visibility.Valid {
		v := visibility.Float64
		dive.VisibilityM = &v
	}
	dive.Current = current.String
	dive.DivePurpose = purpose.String
	dive.WorkCompleted = completed.String
	dive.CreatedBy = createdBy.String

	return &dive, nil
}

func scanWorker(row rowScanner) (*catalog.Worker, error) {
	var worker catalog.Worker
	var role, username, email, phone, certNo sql.NullString
	var certExpiry sql.NullTime

	err := row.Scan(
		&worker.ID,
		&worker.FullName,
		&role,
		&username,
		&email,
		&phone,
		&certNo,
		&certExpiry,
		&worker.IsActive,
		&worker.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	worker.Role = role.String
	worker.MessengerUsername = username.String
	worker.Email = email.String
	worker.Phone = phone.String
	worker.CertificationNo = certNo.String
	worker.CertificationExpiry = timeFromNull(certExpiry)

	return &worker, nil
}

func scanExpense(row rowScanner) (*catalog.Expense, error) {
	var expense catalog.Expense
	var siteID sql.NullInt64
	var category, description, currency, createdBy sql.NullString
	var expenseDate sql.NullTime

	err := row.Scan(
		&expense.ID,
		&siteID,
		&category,
		&description,
		&expense.Amount,
		&currency,
		&expenseDate,
		&createdBy,
		&expense.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	expense.SiteID = siteID.Int64
	expense.Category = category.String
	expense.Description = description.String
	expense.Currency = currency.String
	expense.ExpenseDate = timeFromNull(expenseDate)
	expense.CreatedBy = createdBy.String

	return &expense, nil
}

func collectPendingLinks(rows *sql.Rows) ([]*store.PendingLink, error) {
	defer rows.Close()

	var links []*store.PendingLink
	for rows.Next() {
		var link store.PendingLink
		var entityKind, awaitKind string
		if err := rows.Scan(&link.ID, &entityKind, &link.EntityID, &awaitKind, &link.AwaitKey, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending link: %w", err)
		}
		link.EntityKind = catalog.EntityKind(entityKind)
		link.AwaitKind = catalog.EntityKind(awaitKind)
		links = append(links, &link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending links: %w", err)
	}
	return links, nil
}

// ===================
// Helpers
// ===================

// mapErr translates driver errors into the store's sentinel errors using
// SQLSTATE classes where available.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrTimeout, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"): // integrity constraint violation
			return fmt.Errorf("%w: %v", store.ErrConstraint, err)
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return fmt.Errorf("%w: %v", store.ErrConnection, err)
		case pgErr.Code == "57014": // query_canceled (statement timeout)
			return fmt.Errorf("%w: %v", store.ErrTimeout, err)
		case pgErr.Code == "57P01", pgErr.Code == "53300": // admin_shutdown, too_many_connections
			return fmt.Errorf("%w: %v", store.ErrConnection, err)
		}
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return fmt.Errorf("%w: %v", store.ErrConnection, err)
	}
	return err
}

func nullIfEmpty(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullIfZero(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

func nullIfZero64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

func nullFloatPtr(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timeFromNull(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func pointFromNulls(lat, lon sql.NullFloat64) *catalog.Point {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &catalog.Point{Lat: lat.Float64, Lon: lon.Float64}
}
