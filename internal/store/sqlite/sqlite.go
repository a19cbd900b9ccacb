// Package sqlite implements the canonical store on embedded SQLite using
// the ncruces/go-sqlite3 driver.
//
// The database runs in WAL mode for concurrent reads during reconciliation.
// Locations are stored as plain lat/lon REAL columns plus a WKT text column
// so exports stay interoperable with the PostGIS backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/store"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func init() {
	store.Register(store.TypeSQLite, New)
}

// Store is the embedded SQLite canonical store.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	// now is replaceable for deterministic tests.
	now func() time.Time
}

// New opens (and if necessary creates) the SQLite store at cfg.Path.
// The caller MUST call Close() when done.
func New(cfg store.Config) (store.Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store requires a database path")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sqlite] ", log.LstdFlags)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrConnection, err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   cfg.Path,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	// Enable WAL mode for concurrent reads
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// ===================
// Identity
// ===================

// Backend returns the backend type.
func (s *Store) Backend() store.Type {
	return store.TypeSQLite
}

// Description returns the connection target for logs.
func (s *Store) Description() string {
	return "sqlite:" + s.path
}

// ===================
// Lifecycle
// ===================

// Init creates the schema if it doesn't exist and stamps the schema version.
// Idempotent - safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Stamp the version once; existing stamps are preserved so Verify can
	// catch drift.
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO NOTHING
	`, store.SettingSchemaVersion, store.SchemaVersion, s.now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to stamp schema version: %w", err)
	}

	return nil
}

// Verify checks connectivity and schema version compatibility.
func (s *Store) Verify(ctx context.Context) error {
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

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("WARNING: failed to checkpoint WAL: %v", err)
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

const siteColumns = `
	id, site_code, site_name, site_type, lat, lon, description,
	discovery_date, period, status, created_at, updated_at`

// UpsertSite inserts or merges a site by site_code.
// Existing non-null fields are never overwritten by null incoming values.
func (s *Store) UpsertSite(ctx context.Context, site *catalog.Site) (int64, error) {
	if err := site.Validate(); err != nil {
		return 0, fmt.Errorf("invalid site: %w", err)
	}

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

	query := `
	INSERT INTO sites (
		site_code, site_name, site_type, lat, lon, location_wkt,
		description, discovery_date, period, status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(site_code) DO UPDATE SET
		site_name = COALESCE(excluded.site_name, site_name),
		site_type = COALESCE(excluded.site_type, site_type),
		lat = COALESCE(excluded.lat, lat),
		lon = COALESCE(excluded.lon, lon),
		location_wkt = COALESCE(excluded.location_wkt, location_wkt),
		description = COALESCE(excluded.description, description),
		discovery_date = COALESCE(excluded.discovery_date, discovery_date),
		period = COALESCE(excluded.period, period),
		status = COALESCE(excluded.status, status),
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		site.SiteCode,
		nullIfEmpty(site.SiteName),
		nullIfEmpty(site.SiteType),
		lat,
		lon,
		wkt,
		nullIfEmpty(site.Description),
		timeToNullString(site.DiscoveryDate),
		nullIfEmpty(site.Period),
		nullIfEmpty(site.Status),
		createdAt.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert site %s: %w", site.SiteCode, mapErr(err))
	}

	var id int64
	err = s.conn.QueryRowContext(ctx,
		`SELECT id FROM sites WHERE site_code = ?`, site.SiteCode).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to look up site %s: %w", site.SiteCode, mapErr(err))
	}
	return id, nil
}

// SiteByCode returns the site with the given code.
func (s *Store) SiteByCode(ctx context.Context, code string) (*catalog.Site, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+siteColumns+` FROM sites WHERE site_code = ?`, code)
	site, err := scanSite(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get site %s: %w", code, mapErr(err))
	}
	return site, nil
}

// SiteByID returns the site with the given row id.
func (s *Store) SiteByID(ctx context.Context, id int64) (*catalog.Site, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+siteColumns+` FROM sites WHERE id = ?`, id)
	site, err := scanSite(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get site %d: %w", id, mapErr(err))
	}
	return site, nil
}

// ListSites returns all sites ordered by site_code.
func (s *Store) ListSites(ctx context.Context) ([]*catalog.Site, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+siteColumns+` FROM sites ORDER BY site_code`)
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

const findColumns = `
	id, site_id, find_number, material_type, object_type, description,
	condition, depth_m, quantity, lat, lon, find_date, finder_name,
	created_by, sync_source, created_at, updated_at`

// UpsertFind inserts or merges a find by (site_id, find_number).
// Existing non-null fields are never overwritten by null incoming values.
func (s *Store) UpsertFind(ctx context.Context, find *catalog.Find) (int64, error) {
	if err := find.Validate(); err != nil {
		return 0, fmt.Errorf("invalid find: %w", err)
	}

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

	query := `
	INSERT INTO finds (
		site_id, find_number, material_type, object_type, description,
		condition, depth_m, quantity, lat, lon, location_wkt, find_date,
		finder_name, created_by, sync_source, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(site_id, find_number) DO UPDATE SET
		material_type = COALESCE(excluded.material_type, material_type),
		object_type = COALESCE(excluded.object_type, object_type),
		description = COALESCE(excluded.description, description),
		condition = COALESCE(excluded.condition, condition),
		depth_m = COALESCE(excluded.depth_m, depth_m),
		quantity = COALESCE(excluded.quantity, quantity),
		lat = COALESCE(excluded.lat, lat),
		lon = COALESCE(excluded.lon, lon),
		location_wkt = COALESCE(excluded.location_wkt, location_wkt),
		find_date = COALESCE(excluded.find_date, find_date),
		finder_name = COALESCE(excluded.finder_name, finder_name),
		created_by = COALESCE(excluded.created_by, created_by),
		sync_source = COALESCE(excluded.sync_source, sync_source),
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
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
		timeToNullString(find.FindDate),
		nullIfEmpty(find.FinderName),
		nullIfEmpty(find.CreatedBy),
		nullIfEmpty(find.SyncSource),
		createdAt.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert find %s: %w", find.FindNumber, mapErr(err))
	}

	var id int64
	err = s.conn.QueryRowContext(ctx,
		`SELECT id FROM finds WHERE site_id = ? AND find_number = ?`,
		find.SiteID, find.FindNumber).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to look up find %s: %w", find.FindNumber, mapErr(err))
	}
	return id, nil
}

// FindByNumber returns the find with the given number on a site.
func (s *Store) FindByNumber(ctx context.Context, siteID int64, findNumber string) (*catalog.Find, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+findColumns+` FROM finds WHERE site_id = ? AND find_number = ?`,
		siteID, findNumber)
	find, err := scanFind(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get find %s: %w", findNumber, mapErr(err))
	}
	return find, nil
}

// FindByID returns the find with the given row id.
func (s *Store) FindByID(ctx context.Context, id int64) (*catalog.Find, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+findColumns+` FROM finds WHERE id = ?`, id)
	find, err := scanFind(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get find %d: %w", id, mapErr(err))
	}
	return find, nil
}

// ListFinds returns finds matching the filter, newest first.
func (s *Store) ListFinds(ctx context.Context, filter store.FindFilter) ([]*catalog.Find, error) {
	var conditions []string
	var args []interface{}

	if filter.SiteID != 0 {
		conditions = append(conditions, "site_id = ?")
		args = append(args, filter.SiteID)
	}
	if filter.FindNumber != "" {
		conditions = append(conditions, "find_number = ?")
		args = append(args, filter.FindNumber)
	}
	if filter.MaterialType != "" {
		conditions = append(conditions, "material_type = ?")
		args = append(args, filter.MaterialType)
	}

	query := `SELECT ` + findColumns + ` FROM finds`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
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

	res, err := s.conn.ExecContext(ctx, `
	UPDATE finds SET
		lat = COALESCE(lat, ?),
		lon = COALESCE(lon, ?),
		location_wkt = COALESCE(location_wkt, ?),
		depth_m = COALESCE(depth_m, ?),
		updated_at = ?
	WHERE id = ?
	`,
		loc.Lat, loc.Lon, loc.WKT(),
		nullFloatPtr(depthM),
		s.now().Format(time.RFC3339),
		findID,
	)
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

	// Await keys that may reference this find from either direction.
	keys := []interface{}{find.FindNumber}
	if site, err := s.SiteByID(ctx, find.SiteID); err == nil {
		keys = append(keys, site.SiteCode+"/"+find.FindNumber)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", mapErr(err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM media_relations WHERE related_type = 'find' AND related_id = ?`, findID); err != nil {
		return fmt.Errorf("failed to delete media relations of find %d: %w", findID, mapErr(err))
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_links WHERE entity_kind = 'find' AND entity_id = ?`, findID); err != nil {
		return fmt.Errorf("failed to delete pending links of find %d: %w", findID, mapErr(err))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
	args := append([]interface{}{}, keys...)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_links WHERE await_kind = 'find' AND await_key IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete markers awaiting find %d: %w", findID, mapErr(err))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM finds WHERE id = ?`, findID); err != nil {
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

// InsertMedia stores a media row, deduplicated by checksum.
func (s *Store) InsertMedia(ctx context.Context, media *catalog.Media) (int64, bool, error) {
	if err := media.Validate(); err != nil {
		return 0, false, fmt.Errorf("invalid media: %w", err)
	}

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

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO media (
		media_type, file_name, file_path, file_size_bytes, mime_type,
		checksum, description, photographer, capture_date, sync_source, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		media.MediaType,
		nullIfEmpty(media.FileName),
		nullIfEmpty(media.FilePath),
		nullIfZero64(media.FileSizeBytes),
		nullIfEmpty(media.MimeType),
		nullIfEmpty(media.Checksum),
		nullIfEmpty(media.Description),
		nullIfEmpty(media.Photographer),
		timeToNullString(media.CaptureDate),
		nullIfEmpty(media.SyncSource),
		createdAt.Format(time.RFC3339),
	)
	if err != nil {
		// Lost an insert race on the checksum: reuse the winner's row.
		if media.Checksum != "" && errors.Is(mapErr(err), store.ErrConstraint) {
			if existing, lookupErr := s.MediaByChecksum(ctx, media.Checksum); lookupErr == nil {
				return existing.ID, false, nil
			}
		}
		return 0, false, fmt.Errorf("failed to insert media: %w", mapErr(err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert media: %w", err)
	}
	return id, true, nil
}

// MediaByChecksum returns the media row with the given sha256 checksum.
func (s *Store) MediaByChecksum(ctx context.Context, checksum string) (*catalog.Media, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE checksum = ?`, checksum)
	media, err := scanMedia(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get media by checksum: %w", mapErr(err))
	}
	return media, nil
}

// MediaByPath returns the newest media row with the given file path.
func (s *Store) MediaByPath(ctx context.Context, path string) (*catalog.Media, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE file_path = ? ORDER BY id DESC LIMIT 1`, path)
	media, err := scanMedia(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get media by path: %w", mapErr(err))
	}
	return media, nil
}

// MediaByID returns the media row with the given id.
func (s *Store) MediaByID(ctx context.Context, id int64) (*catalog.Media, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE id = ?`, id)
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

	relationType := rel.RelationType
	if relationType == "" {
		relationType = catalog.RelationDocumentation
	}

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO media_relations (media_id, related_type, related_id, relation_type, sort_order)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(media_id, related_type, related_id) DO NOTHING
	`, rel.MediaID, string(rel.RelatedType), rel.RelatedID, relationType, rel.SortOrder)
	if err != nil {
		return fmt.Errorf("failed to link media %d to %s %d: %w",
			rel.MediaID, rel.RelatedType, rel.RelatedID, mapErr(err))
	}
	return nil
}

// MediaFor returns media linked to the given entity, in sort order.
func (s *Store) MediaFor(ctx context.Context, kind catalog.EntityKind, id int64) ([]*catalog.Media, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+prefixColumns("m", mediaColumns)+`
	FROM media m
	JOIN media_relations r ON r.media_id = m.id
	WHERE r.related_type = ? AND r.related_id = ?
	ORDER BY r.sort_order, m.id
	`, string(kind), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list media for %s %d: %w", kind, id, mapErr(err))
	}
	defer rows.Close()

	return collectMedia(rows)
}

// ListMedia returns media rows, newest first.
func (s *Store) ListMedia(ctx context.Context, limit int) ([]*catalog.Media, error) {
	query := `SELECT ` + mediaColumns + ` FROM media ORDER BY created_at DESC, id DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %w", mapErr(err))
	}
	defer rows.Close()

	return collectMedia(rows)
}

// ListMediaRelations returns every media-entity link.
func (s *Store) ListMediaRelations(ctx context.Context) ([]*catalog.MediaRelation, error) {
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

	createdAt := link.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO pending_links (entity_kind, entity_id, await_kind, await_key, created_at)
	VALUES (?, ?, ?, ?, ?)
	`, string(link.EntityKind), link.EntityID, string(link.AwaitKind), link.AwaitKey,
		createdAt.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to add pending link: %w", mapErr(err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to add pending link: %w", err)
	}
	return id, nil
}

// TakePendingLinks atomically removes and returns markers awaiting a key.
func (s *Store) TakePendingLinks(ctx context.Context, awaitKind catalog.EntityKind, awaitKey string) ([]*store.PendingLink, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin take transaction: %w", mapErr(err))
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
	SELECT id, entity_kind, entity_id, await_kind, await_key, created_at
	FROM pending_links
	WHERE await_kind = ? AND await_key = ?
	ORDER BY id
	`, string(awaitKind), awaitKey)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending links: %w", mapErr(err))
	}

	links, err := collectPendingLinks(rows)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
	DELETE FROM pending_links WHERE await_kind = ? AND await_key = ?
	`, string(awaitKind), awaitKey); err != nil {
		return nil, fmt.Errorf("failed to delete pending links: %w", mapErr(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit take of pending links: %w", mapErr(err))
	}
	return links, nil
}

// ListPendingLinks returns all outstanding markers, oldest first.
func (s *Store) ListPendingLinks(ctx context.Context) ([]*store.PendingLink, error) {
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

	createdAt := dive.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	query := `
	INSERT INTO dive_logs (
		site_id, dive_number, dive_date, dive_start, dive_end, max_depth_m,
		water_temp_c, visibility_m, current_strength, dive_purpose,
		work_completed, created_by, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(site_id, dive_number) DO UPDATE SET
		dive_date = COALESCE(excluded.dive_date, dive_date),
		dive_start = COALESCE(excluded.dive_start, dive_start),
		dive_end = COALESCE(excluded.dive_end, dive_end),
		max_depth_m = COALESCE(excluded.max_depth_m, max_depth_m),
		water_temp_c = COALESCE(excluded.water_temp_c, water_temp_c),
		visibility_m = COALESCE(excluded.visibility_m, visibility_m),
		current_strength = COALESCE(excluded.current_strength, current_strength),
		dive_purpose = COALESCE(excluded.dive_purpose, dive_purpose),
		work_completed = COALESCE(excluded.work_completed, work_completed),
		created_by = COALESCE(excluded.created_by, created_by)
	`

	_, err := s.conn.ExecContext(ctx, query,
		dive.SiteID,
		dive.DiveNumber,
		timeToNullString(dive.DiveDate),
		nullIfEmpty(dive.DiveStart),
		nullIfEmpty(dive.DiveEnd),
		nullFloatPtr(dive.MaxDepthM),
		nullFloatPtr(dive.WaterTempC),
		nullFloatPtr(dive.VisibilityM),
		nullIfEmpty(dive.Current),
		nullIfEmpty(dive.DivePurpose),
		nullIfEmpty(dive.WorkCompleted),
		nullIfEmpty(dive.CreatedBy),
		createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert dive %s: %w", dive.DiveNumber, mapErr(err))
	}

	var id int64
	err = s.conn.QueryRowContext(ctx,
		`SELECT id FROM dive_logs WHERE site_id = ? AND dive_number = ?`,
		dive.SiteID, dive.DiveNumber).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to look up dive %s: %w", dive.DiveNumber, mapErr(err))
	}
	return id, nil
}

// AddDiveTeamMember assigns a worker to a dive. Idempotent.
func (s *Store) AddDiveTeamMember(ctx context.Context, member *catalog.DiveTeamMember) error {
	if member.DiveID == 0 || member.WorkerID == 0 {
		return fmt.Errorf("invalid dive team member: dive_id and worker_id are required")
	}

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO dive_team (dive_id, worker_id, role) VALUES (?, ?, ?)
	ON CONFLICT(dive_id, worker_id) DO UPDATE SET
		role = COALESCE(excluded.role, role)
	`, member.DiveID, member.WorkerID, nullIfEmpty(member.Role))
	if err != nil {
		return fmt.Errorf("failed to add dive team member: %w", mapErr(err))
	}
	return nil
}

// ListDiveLogs returns dive logs for a site (0 = all sites), newest first.
func (s *Store) ListDiveLogs(ctx context.Context, siteID int64) ([]*catalog.DiveLog, error) {
	query := `SELECT ` + diveColumns + ` FROM dive_logs`
	var args []interface{}
	if siteID != 0 {
		query += ` WHERE site_id = ?`
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

	username := catalog.NormalizeUsername(worker.MessengerUsername)
	createdAt := worker.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	if username != "" {
		_, err := s.conn.ExecContext(ctx, `
		INSERT INTO workers (
			full_name, role, messenger_username, email, phone,
			certification_no, certification_expiry, is_active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(messenger_username) DO UPDATE SET
			full_name = excluded.full_name,
			role = COALESCE(excluded.role, role),
			email = COALESCE(excluded.email, email),
			phone = COALESCE(excluded.phone, phone),
			certification_no = COALESCE(excluded.certification_no, certification_no),
			certification_expiry = COALESCE(excluded.certification_expiry, certification_expiry),
			is_active = excluded.is_active
		`,
			worker.FullName,
			nullIfEmpty(worker.Role),
			username,
			nullIfEmpty(worker.Email),
			nullIfEmpty(worker.Phone),
			nullIfEmpty(worker.CertificationNo),
			timeToNullString(worker.CertificationExpiry),
			boolToInt(worker.IsActive),
			createdAt.Format(time.RFC3339),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert worker %s: %w", username, mapErr(err))
		}

		var id int64
		err = s.conn.QueryRowContext(ctx,
			`SELECT id FROM workers WHERE messenger_username = ?`, username).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to look up worker %s: %w", username, mapErr(err))
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
		`SELECT id FROM workers WHERE full_name = ? AND messenger_username IS NULL`,
		worker.FullName).Scan(&id)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx, `
		UPDATE workers SET
			role = COALESCE(?, role),
			email = COALESCE(?, email),
			phone = COALESCE(?, phone),
			certification_no = COALESCE(?, certification_no),
			certification_expiry = COALESCE(?, certification_expiry),
			is_active = ?
		WHERE id = ?
		`,
			nullIfEmpty(worker.Role),
			nullIfEmpty(worker.Email),
			nullIfEmpty(worker.Phone),
			nullIfEmpty(worker.CertificationNo),
			timeToNullString(worker.CertificationExpiry),
			boolToInt(worker.IsActive),
			id,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to update worker %s: %w", worker.FullName, mapErr(err))
		}
	case errors.Is(err, sql.ErrNoRows):
		res, insErr := tx.ExecContext(ctx, `
		INSERT INTO workers (
			full_name, role, email, phone, certification_no,
			certification_expiry, is_active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			worker.FullName,
			nullIfEmpty(worker.Role),
			nullIfEmpty(worker.Email),
			nullIfEmpty(worker.Phone),
			nullIfEmpty(worker.CertificationNo),
			timeToNullString(worker.CertificationExpiry),
			boolToInt(worker.IsActive),
			createdAt.Format(time.RFC3339),
		)
		if insErr != nil {
			return 0, fmt.Errorf("failed to insert worker %s: %w", worker.FullName, mapErr(insErr))
		}
		if id, insErr = res.LastInsertId(); insErr != nil {
			return 0, fmt.Errorf("failed to insert worker %s: %w", worker.FullName, insErr)
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

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE messenger_username = ?`, normalized)
	worker, err := scanWorker(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get worker %s: %w", normalized, mapErr(err))
	}
	return worker, nil
}

// ListWorkers returns workers, optionally only active ones.
func (s *Store) ListWorkers(ctx context.Context, activeOnly bool) ([]*catalog.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers`
	if activeOnly {
		query += ` WHERE is_active = 1`
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

	createdAt := expense.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO expenses (
		site_id, category, description, amount, currency, expense_date,
		created_by, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		nullIfZero64(expense.SiteID),
		nullIfEmpty(expense.Category),
		nullIfEmpty(expense.Description),
		expense.Amount,
		nullIfEmpty(expense.Currency),
		timeToNullString(expense.ExpenseDate),
		nullIfEmpty(expense.CreatedBy),
		createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert expense: %w", mapErr(err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to insert expense: %w", err)
	}
	return id, nil
}

// ListExpenses returns expenses for a site (0 = all sites), newest first.
func (s *Store) ListExpenses(ctx context.Context, siteID int64) ([]*catalog.Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses`
	var args []interface{}
	if siteID != 0 {
		query += ` WHERE site_id = ?`
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
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
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
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`, key, value, s.now().Format(time.RFC3339))
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

	cutoff := s.now().AddDate(0, 0, -7).Format(time.RFC3339)
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM finds WHERE created_at >= ?`, cutoff).Scan(&stats.FindsLast7Days)
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
	var discoveryDate sql.NullString
	var createdAt, updatedAt string

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
		&createdAt,
		&updatedAt,
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
	site.DiscoveryDate = nullStringToTime(discoveryDate)
	site.CreatedAt = parseTime(createdAt)
	site.UpdatedAt = parseTime(updatedAt)

	return &site, nil
}

func scanFind(row rowScanner) (*catalog.Find, error) {
	var find catalog.Find
	var material, object, description, condition sql.NullString
	var finderName, createdBy, syncSource sql.NullString
	var depth, lat, lon sql.NullFloat64
	var quantity sql.NullInt64
	var findDate sql.NullString
	var createdAt, updatedAt string

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
		&createdAt,
		&updatedAt,
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
	find.FindDate = nullStringToTime(findDate)
	find.FinderName = finderName.String
	find.CreatedBy = createdBy.String
	find.SyncSource = syncSource.String
	find.CreatedAt = parseTime(createdAt)
	find.UpdatedAt = parseTime(updatedAt)

	return &find, nil
}

func scanMedia(row rowScanner) (*catalog.Media, error) {
	var media catalog.Media
	var fileName, filePath, mimeType, checksum sql.NullString
	var description, photographer, syncSource sql.NullString
	var sizeBytes sql.NullInt64
	var captureDate sql.NullString
	var createdAt string

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
		&createdAt,
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
	media.CaptureDate = nullStringToTime(captureDate)
	media.SyncSource = syncSource.String
	media.CreatedAt = parseTime(createdAt)

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
	var diveDate sql.NullString
	var start, end, current, purpose, completed, createdBy sql.NullString
	var maxDepth, waterTemp, visibility sql.NullFloat64
	var createdAt string

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
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	dive.DiveDate = nullStringToTime(diveDate)
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
	dive.CreatedAt = parseTime(createdAt)

	return &dive, nil
}

func scanWorker(row rowScanner) (*catalog.Worker, error) {
	var worker catalog.Worker
	var role, username, email, phone, certNo sql.NullString
	var certExpiry sql.NullString
	var isActive int
	var createdAt string

	err := row.Scan(
		&worker.ID,
		&worker.FullName,
		&role,
		&username,
		&email,
		&phone,
		&certNo,
		&certExpiry,
		&isActive,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	worker.Role = role.String
	worker.MessengerUsername = username.String
	worker.Email = email.String
	worker.Phone = phone.String
	worker.CertificationNo = certNo.String
	worker.CertificationExpiry = nullStringToTime(certExpiry)
	worker.IsActive = isActive != 0
	worker.CreatedAt = parseTime(createdAt)

	return &worker, nil
}

func scanExpense(row rowScanner) (*catalog.Expense, error) {
	var expense catalog.Expense
	var siteID sql.NullInt64
	var category, description, currency, createdBy sql.NullString
	var expenseDate sql.NullString
	var createdAt string

	err := row.Scan(
		&expense.ID,
		&siteID,
		&category,
		&description,
		&expense.Amount,
		&currency,
		&expenseDate,
		&createdBy,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	expense.SiteID = siteID.Int64
	expense.Category = category.String
	expense.Description = description.String
	expense.Currency = currency.String
	expense.ExpenseDate = nullStringToTime(expenseDate)
	expense.CreatedBy = createdBy.String
	expense.CreatedAt = parseTime(createdAt)

	return &expense, nil
}

func collectPendingLinks(rows *sql.Rows) ([]*store.PendingLink, error) {
	defer rows.Close()

	var links []*store.PendingLink
	for rows.Next() {
		var link store.PendingLink
		var entityKind, awaitKind, createdAt string
		if err := rows.Scan(&link.ID, &entityKind, &link.EntityID, &awaitKind, &link.AwaitKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending link: %w", err)
		}
		link.EntityKind = catalog.EntityKind(entityKind)
		link.AwaitKind = catalog.EntityKind(awaitKind)
		link.CreatedAt = parseTime(createdAt)
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

// mapErr translates driver errors into the store's sentinel errors.
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

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "constraint"):
		return fmt.Errorf("%w: %v", store.ErrConstraint, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", store.ErrConnection, err)
	}
	return err
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func pointFromNulls(lat, lon sql.NullFloat64) *catalog.Point {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &catalog.Point{Lat: lat.Float64, Lon: lon.Float64}
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
