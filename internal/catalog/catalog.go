// Package catalog defines the excavation record entities and the normalized
// field-submission records that flow through the sync pipeline.
//
// Entities mirror the canonical relational schema and are owned by the store
// adapter; nothing outside internal/store writes them directly. Records are
// the typed payloads the normalizer produces and the queue carries.
package catalog

import (
	"fmt"
	"strings"
	"time"
)

// EntityKind identifies a canonical entity class. It is the type tag used by
// polymorphic media relations and by the link registry.
type EntityKind string

const (
	KindSite    EntityKind = "site"
	KindFind    EntityKind = "find"
	KindMedia   EntityKind = "media"
	KindDiveLog EntityKind = "dive_log"
	KindWorker  EntityKind = "worker"
	KindExpense EntityKind = "expense"
)

// String returns the string representation of the entity kind.
func (k EntityKind) String() string {
	return string(k)
}

// ParseEntityKind validates a string entity kind.
func ParseEntityKind(s string) (EntityKind, error) {
	switch EntityKind(s) {
	case KindSite, KindFind, KindMedia, KindDiveLog, KindWorker, KindExpense:
		return EntityKind(s), nil
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// SyncSourceField marks rows created through the field channel, as opposed
// to rows entered from the desktop application.
const SyncSourceField = "field"

// Site represents an excavation site.
// Natural key: SiteCode (e.g. "WRK01").
type Site struct {
	ID            int64      `json:"id"`
	SiteCode      string     `json:"site_code"`
	SiteName      string     `json:"site_name,omitempty"`
	SiteType      string     `json:"site_type,omitempty"` // wreck, anchorage, debris_field
	Location      *Point     `json:"location,omitempty"`
	Description   string     `json:"description,omitempty"`
	DiscoveryDate *time.Time `json:"discovery_date,omitempty"`
	Period        string     `json:"period,omitempty"`
	Status        string     `json:"status,omitempty"` // active, completed, unverified
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Validate checks required site fields.
func (s *Site) Validate() error {
	if strings.TrimSpace(s.SiteCode) == "" {
		return fmt.Errorf("site_code is required")
	}
	return nil
}

// Find represents a recovered artifact.
// Natural key: (SiteID, FindNumber).
type Find struct {
	ID           int64      `json:"id"`
	SiteID       int64      `json:"site_id"`
	FindNumber   string     `json:"find_number"`
	MaterialType string     `json:"material_type,omitempty"`
	ObjectType   string     `json:"object_type,omitempty"`
	Description  string     `json:"description,omitempty"`
	Condition    string     `json:"condition,omitempty"`
	DepthM       *float64   `json:"depth_m,omitempty"`
	Quantity     int        `json:"quantity,omitempty"`
	Location     *Point     `json:"location,omitempty"`
	FindDate     *time.Time `json:"find_date,omitempty"`
	FinderName   string     `json:"finder_name,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	SyncSource   string     `json:"sync_source,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Validate checks required find fields.
func (f *Find) Validate() error {
	if f.SiteID == 0 {
		return fmt.Errorf("site_id is required")
	}
	if strings.TrimSpace(f.FindNumber) == "" {
		return fmt.Errorf("find_number is required")
	}
	return nil
}

// Media represents a stored media asset. The file itself is transferred
// externally; only the reference and content hash are recorded here.
type Media struct {
	ID            int64      `json:"id"`
	MediaType     string     `json:"media_type"` // photo, video, signature, location
	FileName      string     `json:"file_name,omitempty"`
	FilePath      string     `json:"file_path,omitempty"`
	FileSizeBytes int64      `json:"file_size_bytes,omitempty"`
	MimeType      string     `json:"mime_type,omitempty"`
	Checksum      string     `json:"checksum,omitempty"` // sha256 hex
	Description   string     `json:"description,omitempty"`
	Photographer  string     `json:"photographer,omitempty"`
	CaptureDate   *time.Time `json:"capture_date,omitempty"`
	SyncSource    string     `json:"sync_source,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Validate checks required media fields.
func (m *Media) Validate() error {
	if strings.TrimSpace(m.MediaType) == "" {
		return fmt.Errorf("media_type is required")
	}
	return nil
}

// RelationDocumentation is the default media relation type.
const RelationDocumentation = "documentation"

// MediaRelation links a media row to an arbitrary entity by kind + id.
type MediaRelation struct {
	MediaID      int64      `json:"media_id"`
	RelatedType  EntityKind `json:"related_type"`
	RelatedID    int64      `json:"related_id"`
	RelationType string     `json:"relation_type,omitempty"` // documentation, signature, overview
	SortOrder    int        `json:"sort_order,omitempty"`
}

// Validate checks required relation fields.
func (r *MediaRelation) Validate() error {
	if r.MediaID == 0 {
		return fmt.Errorf("media_id is required")
	}
	if _, err := ParseEntityKind(string(r.RelatedType)); err != nil {
		return err
	}
	if r.RelatedID == 0 {
		return fmt.Errorf("related_id is required")
	}
	return nil
}

// DiveLog represents one dive on a site.
// Natural key: (SiteID, DiveNumber).
type DiveLog struct {
	ID            int64      `json:"id"`
	SiteID        int64      `json:"site_id"`
	DiveNumber    string     `json:"dive_number"`
	DiveDate      *time.Time `json:"dive_date,omitempty"`
	DiveStart     string     `json:"dive_start,omitempty"` // HH:MM
	DiveEnd       string     `json:"dive_end,omitempty"`
	MaxDepthM     *float64   `json:"max_depth_m,omitempty"`
	WaterTempC    *float64   `json:"water_temp_c,omitempty"`
	VisibilityM   *float64   `json:"visibility_m,omitempty"`
	Current       string     `json:"current,omitempty"`
	DivePurpose   string     `json:"dive_purpose,omitempty"`
	WorkCompleted string     `json:"work_completed,omitempty"`
	CreatedBy     string     `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Validate checks required dive log fields.
func (d *DiveLog) Validate() error {
	if d.SiteID == 0 {
		return fmt.Errorf("site_id is required")
	}
	if strings.TrimSpace(d.DiveNumber) == "" {
		return fmt.Errorf("dive_number is required")
	}
	return nil
}

// DiveTeamMember assigns a worker to a dive with a role.
type DiveTeamMember struct {
	DiveID   int64  `json:"dive_id"`
	WorkerID int64  `json:"worker_id"`
	Role     string `json:"role,omitempty"` // diver, supervisor, surface_support
}

// Worker represents an expedition member. Looked up by messenger username
// when attributing field submissions.
type Worker struct {
	ID                  int64      `json:"id"`
	FullName            string     `json:"full_name"`
	Role                string     `json:"role,omitempty"`
	MessengerUsername   string     `json:"messenger_username,omitempty"`
	Email               string     `json:"email,omitempty"`
	Phone               string     `json:"phone,omitempty"`
	CertificationNo     string     `json:"certification_no,omitempty"`
	CertificationExpiry *time.Time `json:"certification_expiry,omitempty"`
	IsActive            bool       `json:"is_active"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Validate checks required worker fields.
func (w *Worker) Validate() error {
	if strings.TrimSpace(w.FullName) == "" {
		return fmt.Errorf("full_name is required")
	}
	return nil
}

// NormalizeUsername strips the messenger @-prefix and lowercases, so lookups
// succeed whether or not the client included the prefix.
func NormalizeUsername(u string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(u), "@"))
}

// Expense represents an expedition expense booked against a site.
type Expense struct {
	ID          int64      `json:"id"`
	SiteID      int64      `json:"site_id,omitempty"`
	Category    string     `json:"category,omitempty"` // equipment, fuel, wages, permits
	Description string     `json:"description,omitempty"`
	Amount      float64    `json:"amount"`
	Currency    string     `json:"currency,omitempty"`
	ExpenseDate *time.Time `json:"expense_date,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Validate checks required expense fields.
func (e *Expense) Validate() error {
	if e.Amount == 0 {
		return fmt.Errorf("amount is required")
	}
	return nil
}

// Stats summarizes the canonical store for status displays.
type Stats struct {
	Sites          int `json:"sites"`
	Finds          int `json:"finds"`
	Media          int `json:"media"`
	DiveLogs       int `json:"dive_logs"`
	Workers        int `json:"workers"`
	Expenses       int `json:"expenses"`
	FindsLast7Days int `json:"finds_last_7_days"`
}
