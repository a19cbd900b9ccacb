// Package store provides a unified interface over the canonical excavation
// database.
//
// This package abstracts the differences between the embedded SQLite backend
// and the networked PostgreSQL/PostGIS backend, so the reconciliation engine
// and the CLI work identically against either. The design follows a strategy
// pattern with registry-based construction: each backend registers a
// constructor in its init() and the factory picks one from configuration.
//
// # Architecture
//
// The Store interface defines the operations the sync pipeline needs:
//   - Natural-key upserts for sites, finds, dive logs and workers
//   - Checksum-deduplicated media ingestion and entity linking
//   - Pending-link markers for media that arrives before its entity
//   - Settings and summary statistics
//
// # Usage
//
//	st, err := store.Open(store.Config{Backend: store.TypeSQLite, Path: "field.db"})
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	id, err := st.UpsertSite(ctx, &catalog.Site{SiteCode: "WRK01"})
//
// # Implementations
//
//   - internal/store/sqlite: embedded SQLite via ncruces/go-sqlite3
//   - internal/store/postgres: PostgreSQL via jackc/pgx (database/sql),
//     with optional PostGIS geometry support
//
// All SQL dialect lives inside the backend packages; nothing dialect-specific
// leaks through this interface.
package store

import (
	"context"
	"log"

	"github.com/lagoi/fieldsync/internal/catalog"
)

// Type represents the storage backend type
type Type string

const (
	// TypeSQLite indicates the embedded SQLite backend
	TypeSQLite Type = "sqlite"

	// TypePostgres indicates the networked PostgreSQL backend
	TypePostgres Type = "postgres"
)

// String returns the string representation of the backend type
func (t Type) String() string {
	return string(t)
}

// Config carries everything a backend constructor needs.
type Config struct {
	// Backend selects the implementation (sqlite or postgres)
	Backend Type

	// Path is the database file path (sqlite only)
	Path string

	// DSN is the connection string (postgres only)
	DSN string

	// Logger receives backend diagnostics. Nil means a default stderr logger.
	Logger *log.Logger
}

// FindFilter configures ListFinds.
type FindFilter struct {
	// SiteID restricts to finds on one site (0 = all sites)
	SiteID int64
	// FindNumber restricts to an exact find number across sites (empty = all)
	FindNumber string
	// MaterialType restricts by canonical material (empty = all)
	MaterialType string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// Store defines the interface for canonical-store operations.
// Implementations exist for SQLite (internal/store/sqlite) and PostgreSQL
// (internal/store/postgres).
//
// Upserts are keyed by natural keys, never by row ids: a site is its
// site_code, a find is (site_id, find_number), a worker is their messenger
// username. Re-applying the same record is always safe. Upserts merge field
// by field and never overwrite an existing non-null value with null.
type Store interface {
	// ===================
	// Identity
	// ===================

	// Backend returns the backend type (sqlite or postgres)
	Backend() Type

	// Description returns a human-readable description of the connection
	// target, safe to log (no credentials).
	Description() string

	// ===================
	// Lifecycle
	// ===================

	// Init creates or migrates the schema. Idempotent.
	Init(ctx context.Context) error

	// Verify checks connectivity and that the stored schema version is
	// compatible with this build. Returns ErrSchemaVersion on mismatch.
	Verify(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error

	// ===================
	// Sites
	// ===================

	// UpsertSite inserts or merges a site by site_code and returns its id.
	UpsertSite(ctx context.Context, site *catalog.Site) (int64, error)

	// SiteByCode returns the site with the given code.
	// Returns ErrNotFound if no such site exists.
	SiteByCode(ctx context.Context, code string) (*catalog.Site, error)

	// SiteByID returns the site with the given row id.
	SiteByID(ctx context.Context, id int64) (*catalog.Site, error)

	// ListSites returns all sites ordered by site_code.
	ListSites(ctx context.Context) ([]*catalog.Site, error)

	// ===================
	// Finds
	// ===================

	// UpsertFind inserts or merges a find by (site_id, find_number) and
	// returns its id. Existing non-null fields are never overwritten by
	// null/zero incoming values.
	UpsertFind(ctx context.Context, find *catalog.Find) (int64, error)

	// FindByNumber returns the find with the given number on a site.
	FindByNumber(ctx context.Context, siteID int64, findNumber string) (*catalog.Find, error)

	// FindByID returns the find with the given row id.
	FindByID(ctx context.Context, id int64) (*catalog.Find, error)

	// ListFinds returns finds matching the filter, newest first.
	ListFinds(ctx context.Context, filter FindFilter) ([]*catalog.Find, error)

	// MergeFindLocation sets the find's location (and optionally depth)
	// only where those fields are currently unset.
	MergeFindLocation(ctx context.Context, findID int64, loc catalog.Point, depthM *float64) error

	// DeleteFindCascade removes a find along with its media relations and
	// pending links.
	DeleteFindCascade(ctx context.Context, findID int64) error

	// ===================
	// Media
	// ===================

	// InsertMedia stores a media row. Media is deduplicated by checksum:
	// if a row with the same checksum exists, its id is returned with
	// created=false and nothing is written.
	InsertMedia(ctx context.Context, media *catalog.Media) (int64, bool, error)

	// MediaByChecksum returns the media row with the given sha256 checksum.
	MediaByChecksum(ctx context.Context, checksum string) (*catalog.Media, error)

	// MediaByPath returns the media row whose file path (blob reference)
	// matches. Lets a find report link a photo that arrived earlier under a
	// different checksum convention.
	MediaByPath(ctx context.Context, path string) (*catalog.Media, error)

	// MediaByID returns the media row with the given id.
	MediaByID(ctx context.Context, id int64) (*catalog.Media, error)

	// LinkMedia attaches a media row to an entity. Idempotent: linking the
	// same (media, entity) pair twice is a no-op.
	LinkMedia(ctx context.Context, rel *catalog.MediaRelation) error

	// MediaFor returns media linked to the given entity, in sort order.
	MediaFor(ctx context.Context, kind catalog.EntityKind, id int64) ([]*catalog.Media, error)

	// ListMedia returns media rows, newest first.
	ListMedia(ctx context.Context, limit int) ([]*catalog.Media, error)

	// ListMediaRelations returns every media-entity link. Used by snapshot
	// export, which rewrites the row ids as natural references.
	ListMediaRelations(ctx context.Context) ([]*catalog.MediaRelation, error)

	// ===================
	// Pending Links
	// ===================
	// Markers for references that could not be resolved at apply time:
	// media waiting for its find, finds waiting for photo blobs. The
	// reconciliation engine binds them when the awaited entity arrives.

	// AddPendingLink records an unresolved reference marker.
	AddPendingLink(ctx context.Context, link *PendingLink) (int64, error)

	// TakePendingLinks atomically removes and returns all markers awaiting
	// the given kind and key.
	TakePendingLinks(ctx context.Context, awaitKind catalog.EntityKind, awaitKey string) ([]*PendingLink, error)

	// ListPendingLinks returns all outstanding markers, oldest first.
	ListPendingLinks(ctx context.Context) ([]*PendingLink, error)

	// ===================
	// Dive Logs
	// ===================

	// UpsertDiveLog inserts or merges a dive log by (site_id, dive_number).
	UpsertDiveLog(ctx context.Context, dive *catalog.DiveLog) (int64, error)

	// AddDiveTeamMember assigns a worker to a dive. Idempotent.
	AddDiveTeamMember(ctx context.Context, member *catalog.DiveTeamMember) error

	// ListDiveLogs returns dive logs for a site (0 = all sites), newest first.
	ListDiveLogs(ctx context.Context, siteID int64) ([]*catalog.DiveLog, error)

	// ===================
	// Workers
	// ===================

	// UpsertWorker inserts or merges a worker by messenger username, or by
	// full name when no username is set.
	UpsertWorker(ctx context.Context, worker *catalog.Worker) (int64, error)

	// WorkerByUsername returns the worker with the given messenger
	// username. The lookup tolerates a leading @ and ignores case.
	WorkerByUsername(ctx context.Context, username string) (*catalog.Worker, error)

	// ListWorkers returns workers, optionally only active ones.
	ListWorkers(ctx context.Context, activeOnly bool) ([]*catalog.Worker, error)

	// ===================
	// Expenses
	// ===================

	// InsertExpense records an expedition expense.
	InsertExpense(ctx context.Context, expense *catalog.Expense) (int64, error)

	// ListExpenses returns expenses for a site (0 = all sites), newest first.
	ListExpenses(ctx context.Context, siteID int64) ([]*catalog.Expense, error)

	// ===================
	// Settings
	// ===================

	// Setting returns the value for a settings key.
	// Returns ErrNotFound for unknown keys.
	Setting(ctx context.Context, key string) (string, error)

	// SetSetting writes a settings key.
	SetSetting(ctx context.Context, key, value string) error

	// ===================
	// Stats
	// ===================

	// Stats returns entity counts for status displays.
	Stats(ctx context.Context) (*catalog.Stats, error)
}

// Settings keys maintained by the sync pipeline.
const (
	// SettingSchemaVersion stores the schema version the database was
	// initialized with, checked by Verify.
	SettingSchemaVersion = "schema_version"

	// SettingLastFieldSync stores the RFC3339 time of the last applied
	// field record.
	SettingLastFieldSync = "last_field_sync"
)

// SchemaVersion is the schema version this build reads and writes.
// Verify rejects databases whose major version differs.
const SchemaVersion = "v1.2.0"
