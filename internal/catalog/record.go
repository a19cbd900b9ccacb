package catalog

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MessageKind tags an inbound transport message.
type MessageKind string

const (
	MessageFind      MessageKind = "find"
	MessagePhoto     MessageKind = "photo"
	MessageVideo     MessageKind = "video"
	MessageLocation  MessageKind = "location"
	MessageSignature MessageKind = "signature"
)

// String returns the string representation of the message kind.
func (k MessageKind) String() string {
	return string(k)
}

// ParseMessageKind validates a string message kind.
func ParseMessageKind(s string) (MessageKind, error) {
	switch MessageKind(s) {
	case MessageFind, MessagePhoto, MessageVideo, MessageLocation, MessageSignature:
		return MessageKind(s), nil
	}
	return "", fmt.Errorf("unknown message kind %q", s)
}

// RecordKind tags a NormalizedRecord variant.
type RecordKind string

const (
	RecordFindReport  RecordKind = "find_report"
	RecordMediaAsset  RecordKind = "media_asset"
	RecordLocationPin RecordKind = "location_pin"
)

// String returns the string representation of the record kind.
func (k RecordKind) String() string {
	return string(k)
}

// FindReport is a normalized find submission.
type FindReport struct {
	SiteCode     string       `json:"site_code"`
	FindNumber   string       `json:"find_number"`
	MaterialType string       `json:"material_type,omitempty"`
	ObjectType   string       `json:"object_type,omitempty"`
	Description  string       `json:"description,omitempty"`
	Condition    string       `json:"condition,omitempty"`
	DepthM       *float64     `json:"depth_m,omitempty"`
	Quantity     int          `json:"quantity,omitempty"`
	FindDate     *time.Time   `json:"find_date,omitempty"`
	FinderRef    string       `json:"finder_ref,omitempty"` // messenger username or user id
	Pin          *LocationPin `json:"pin,omitempty"`
	PhotoRefs    []string     `json:"photo_refs,omitempty"`
}

// Validate checks required find report fields.
func (r *FindReport) Validate() error {
	if r.SiteCode == "" {
		return fmt.Errorf("site_code is required")
	}
	if r.FindNumber == "" {
		return fmt.Errorf("find_number is required")
	}
	if r.Pin != nil && !r.Pin.Point().Valid() {
		return fmt.Errorf("pin out of range")
	}
	return nil
}

// Ref returns the canonical find reference, e.g. "WRK01/F-102".
func (r *FindReport) Ref() string {
	return FindRef{SiteCode: r.SiteCode, FindNumber: r.FindNumber}.String()
}

// MediaAsset is a normalized media submission. The blob itself lives outside
// the pipeline; BlobRef and Checksum identify it.
type MediaAsset struct {
	Kind       string     `json:"kind"` // photo, video, signature, location
	BlobRef    string     `json:"blob_ref"`
	FileName   string     `json:"file_name,omitempty"`
	SizeBytes  int64      `json:"size_bytes,omitempty"`
	MimeType   string     `json:"mime_type,omitempty"`
	Checksum   string     `json:"checksum,omitempty"`
	Caption    string     `json:"caption,omitempty"`
	RelatedRef string     `json:"related_ref,omitempty"` // optional: media often arrives first
	CapturedAt *time.Time `json:"captured_at,omitempty"`
	SenderRef  string     `json:"sender_ref,omitempty"`
}

// Validate checks required media asset fields.
func (a *MediaAsset) Validate() error {
	if a.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if a.BlobRef == "" {
		return fmt.Errorf("blob_ref is required")
	}
	return nil
}

// LocationPin is a normalized GPS submission.
type LocationPin struct {
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	AccuracyM  float64 `json:"accuracy_m,omitempty"`
	RelatedRef string  `json:"related_ref,omitempty"`
}

// Point returns the pin coordinate.
func (p *LocationPin) Point() Point {
	return Point{Lat: p.Lat, Lon: p.Lon}
}

// Validate checks pin coordinates.
func (p *LocationPin) Validate() error {
	if !p.Point().Valid() {
		return fmt.Errorf("coordinates out of range: %v,%v", p.Lat, p.Lon)
	}
	return nil
}

// NormalizedRecord is the tagged union carried in queue payloads. Exactly one
// variant matching Kind is set.
type NormalizedRecord struct {
	Kind        RecordKind   `json:"kind"`
	FindReport  *FindReport  `json:"find_report,omitempty"`
	MediaAsset  *MediaAsset  `json:"media_asset,omitempty"`
	LocationPin *LocationPin `json:"location_pin,omitempty"`
}

// Validate checks that exactly the variant named by Kind is present and valid.
func (r *NormalizedRecord) Validate() error {
	set := 0
	if r.FindReport != nil {
		set++
	}
	if r.MediaAsset != nil {
		set++
	}
	if r.LocationPin != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("record must carry exactly one variant, got %d", set)
	}
	switch r.Kind {
	case RecordFindReport:
		if r.FindReport == nil {
			return fmt.Errorf("kind %s without find_report body", r.Kind)
		}
		return r.FindReport.Validate()
	case RecordMediaAsset:
		if r.MediaAsset == nil {
			return fmt.Errorf("kind %s without media_asset body", r.Kind)
		}
		return r.MediaAsset.Validate()
	case RecordLocationPin:
		if r.LocationPin == nil {
			return fmt.Errorf("kind %s without location_pin body", r.Kind)
		}
		return r.LocationPin.Validate()
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
}

// EncodeRecord serializes a record for queue storage.
func EncodeRecord(r *NormalizedRecord) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("cannot encode invalid record: %w", err)
	}
	return json.Marshal(r)
}

// DecodeRecord parses and validates a queue payload.
func DecodeRecord(data []byte) (*NormalizedRecord, error) {
	var r NormalizedRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse record payload: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record payload: %w", err)
	}
	return &r, nil
}

// FindRef references a find by natural key. SiteCode may be empty when the
// submitter gave only a bare find number.
type FindRef struct {
	SiteCode   string
	FindNumber string
}

// String renders "SITE/FINDNO" or just "FINDNO" when the site is unknown.
func (r FindRef) String() string {
	if r.SiteCode == "" {
		return r.FindNumber
	}
	return r.SiteCode + "/" + r.FindNumber
}

var findNumberPattern = regexp.MustCompile(`^[A-Z0-9]+(?:-[A-Z0-9]+)*$`)

// ValidFindNumber reports whether s is an acceptable find number
// ("F-102", "SF-7", "102").
func ValidFindNumber(s string) bool {
	return findNumberPattern.MatchString(s)
}

// ParseFindRef parses "WRK01/F-102" or a bare "F-102". Input is upper-cased.
func ParseFindRef(s string) (FindRef, error) {
	t := strings.ToUpper(strings.TrimSpace(s))
	if t == "" {
		return FindRef{}, fmt.Errorf("empty find reference")
	}
	var ref FindRef
	if i := strings.IndexByte(t, '/'); i >= 0 {
		ref.SiteCode = strings.TrimSpace(t[:i])
		ref.FindNumber = strings.TrimSpace(t[i+1:])
	} else {
		ref.FindNumber = t
	}
	if !ValidFindNumber(ref.FindNumber) {
		return FindRef{}, fmt.Errorf("invalid find number %q", ref.FindNumber)
	}
	return ref, nil
}
