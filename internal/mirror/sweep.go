package mirror

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/store"
)

// Report is the outcome of one divergence sweep. It is descriptive only;
// the sweep never writes to either backend.
type Report struct {
	GeneratedAt time.Time     `json:"generated_at" yaml:"generated_at"`
	Primary     string        `json:"primary" yaml:"primary"`
	Secondary   string        `json:"secondary" yaml:"secondary"`
	Entities    []EntityDelta `json:"entities" yaml:"entities"`
}

// Clean reports whether both backends agree on every compared kind.
func (r *Report) Clean() bool {
	for _, d := range r.Entities {
		if !d.Clean() {
			return false
		}
	}
	return true
}

// EncodeYAML writes the report as YAML.
func (r *Report) EncodeYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(r); err != nil {
		_ = enc.Close()
		return fmt.Errorf("failed to encode sweep report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode sweep report: %w", err)
	}
	return nil
}

// EntityDelta compares one entity kind across backends. Natural keys are
// site codes, SITE/FINDNO pairs, media checksums, SITE/DIVENO pairs and
// worker usernames.
type EntityDelta struct {
	Kind           catalog.EntityKind `json:"kind" yaml:"kind"`
	PrimaryCount   int                `json:"primary_count" yaml:"primary_count"`
	SecondaryCount int                `json:"secondary_count" yaml:"secondary_count"`
	OnlyPrimary    []string           `json:"only_primary,omitempty" yaml:"only_primary,omitempty"`
	OnlySecondary  []string           `json:"only_secondary,omitempty" yaml:"only_secondary,omitempty"`
	Mismatched     []string           `json:"mismatched,omitempty" yaml:"mismatched,omitempty"`
}

// Clean reports whether the kind agrees across backends.
func (d EntityDelta) Clean() bool {
	return d.PrimaryCount == d.SecondaryCount &&
		len(d.OnlyPrimary) == 0 &&
		len(d.OnlySecondary) == 0 &&
		len(d.Mismatched) == 0
}

// loadFunc loads one kind's rows as natural key -> shallow digest, plus the
// raw row count (rows without a stable natural key are counted but not
// compared).
type loadFunc func(ctx context.Context, st store.Store) (map[string]string, int, error)

var comparisons = []struct {
	kind catalog.EntityKind
	load loadFunc
}{
	{catalog.KindSite, siteDigests},
	{catalog.KindFind, findDigests},
	{catalog.KindMedia, mediaDigests},
	{catalog.KindDiveLog, diveLogDigests},
	{catalog.KindWorker, workerDigests},
}

// Sweep compares the two backends and reports per-kind divergence.
func (m *Mirror) Sweep(ctx context.Context) (*Report, error) {
	report := &Report{
		GeneratedAt: time.Now().UTC(),
		Primary:     m.primary.Description(),
		Secondary:   m.secondary.Description(),
	}

	for _, cmp := range comparisons {
		p, pTotal, err := cmp.load(ctx, m.primary)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s rows from primary: %w", cmp.kind, err)
		}
		s, sTotal, err := cmp.load(ctx, m.secondary)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s rows from secondary: %w", cmp.kind, err)
		}
		report.Entities = append(report.Entities, diff(cmp.kind, p, s, pTotal, sTotal))
	}

	if report.Clean() {
		m.logger.Printf("Sweep clean: %s and %s agree", report.Primary, report.Secondary)
	} else {
		m.logger.Printf("WARNING: sweep found divergence between %s and %s", report.Primary, report.Secondary)
	}
	return report, nil
}

func diff(kind catalog.EntityKind, primary, secondary map[string]string, primaryTotal, secondaryTotal int) EntityDelta {
	delta := EntityDelta{
		Kind:           kind,
		PrimaryCount:   primaryTotal,
		SecondaryCount: secondaryTotal,
	}

	for key, digest := range primary {
		other, ok := secondary[key]
		switch {
		case !ok:
			delta.OnlyPrimary = append(delta.OnlyPrimary, key)
		case other != digest:
			delta.Mismatched = append(delta.Mismatched, key)
		}
	}
	for key := range secondary {
		if _, ok := primary[key]; !ok {
			delta.OnlySecondary = append(delta.OnlySecondary, key)
		}
	}

	sort.Strings(delta.OnlyPrimary)
	sort.Strings(delta.OnlySecondary)
	sort.Strings(delta.Mismatched)
	return delta
}

// ===================
// Per-kind digests
// ===================

// Digests cover the fields both backends store identically. Row ids and
// created/updated stamps are backend-local and never compared.

func siteDigests(ctx context.Context, st store.Store) (map[string]string, int, error) {
	sites, err := st.ListSites(ctx)
	if err != nil {
		return nil, 0, err
	}
	out := make(map[string]string, len(sites))
	for _, s := range sites {
		out[s.SiteCode] = fmt.Sprintf("%s|%s|%s|%s|%s",
			s.SiteName, s.SiteType, s.Status, s.Period, pointDigest(s.Location))
	}
	return out, len(sites), nil
}

func findDigests(ctx context.Context, st store.Store) (map[string]string, int, error) {
	codes, err := siteCodesByID(ctx, st)
	if err != nil {
		return nil, 0, err
	}
	finds, err := st.ListFinds(ctx, store.FindFilter{})
	if err != nil {
		return nil, 0, err
	}
	out := make(map[string]string, len(finds))
	for _, f := range finds {
		code, ok := codes[f.SiteID]
		if !ok {
			code = fmt.Sprintf("site#%d", f.SiteID)
		}
		out[code+"/"+f.FindNumber] = fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s|%s",
			f.MaterialType, f.ObjectType, f.Description, f.Condition,
			floatDigest(f.DepthM), f.Quantity, f.FinderName, pointDigest(f.Location))
	}
	return out, len(finds), nil
}

func mediaDigests(ctx context.Context, st store.Store) (map[string]string, int, error) {
	media, err := st.ListMedia(ctx, 0)
	if err != nil {
		return nil, 0, err
	}
	out := make(map[string]string, len(media))
	for _, m := range media {
		if m.Checksum == "" {
			continue // no stable cross-backend identity
		}
		out[m.Checksum] = fmt.Sprintf("%s|%s|%d|%s",
			m.MediaType, m.FileName, m.FileSizeBytes, m.MimeType)
	}
	return out, len(media), nil
}

func diveLogDigests(ctx context.Context, st store.Store) (map[string]string, int, error) {
	codes, err := siteCodesByID(ctx, st)
	if err != nil {
		return nil, 0, err
	}
	dives, err := st.ListDiveLogs(ctx, 0)
	if err != nil {
		return nil, 0, err
	}
	out := make(map[string]string, len(dives))
	for _, d := range dives {
		code, ok := codes[d.SiteID]
		if !ok {
			code = fmt.Sprintf("site#%d", d.SiteID)
		}
		out[code+"/"+d.DiveNumber] = fmt.Sprintf("%s|%s|%s|%s|%s",
			dateDigest(d.DiveDate), d.DiveStart, d.DiveEnd,
			floatDigest(d.MaxDepthM), d.DivePurpose)
	}
	return out, len(dives), nil
}

func workerDigests(ctx context.Context, st store.Store) (map[string]string, int, error) {
	workers, err := st.ListWorkers(ctx, false)
	if err != nil {
		return nil, 0, err
	}
	out := make(map[string]string, len(workers))
	for _, w := range workers {
		username := catalog.NormalizeUsername(w.MessengerUsername)
		if username == "" {
			continue // desk-only worker, not addressable from the field
		}
		out[username] = fmt.Sprintf("%s|%s|%t", w.FullName, w.Role, w.IsActive)
	}
	return out, len(workers), nil
}

func siteCodesByID(ctx context.Context, st store.Store) (map[int64]string, error) {
	sites, err := st.ListSites(ctx)
	if err != nil {
		return nil, err
	}
	codes := make(map[int64]string, len(sites))
	for _, s := range sites {
		codes[s.ID] = s.SiteCode
	}
	return codes, nil
}

func pointDigest(p *catalog.Point) string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
}

func floatDigest(f *float64) string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *f)
}

func dateDigest(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
