// Package snapshot moves canonical data between backends as JSONL.
//
// One JSON object per line, written in dependency order (workers and sites
// before finds, relations last) so an import can replay the stream top to
// bottom through the adapter's upserts. Row ids never survive a backend
// change, so finds, dive logs and expenses carry their site code and media
// relations are expressed as checksum/path plus a natural target reference.
//
// Import is idempotent: replaying the same stream, or resuming a partial
// import, converges on the same rows.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/store"
)

// relation is the one line kind that is not a catalog entity.
const kindRelation = "relation"

// Line is one snapshot stream element. Exactly one payload field matching
// Kind is set.
type Line struct {
	Kind     string          `json:"kind"`
	Site     *catalog.Site   `json:"site,omitempty"`
	Find     *FindEntry      `json:"find,omitempty"`
	Media    *catalog.Media  `json:"media,omitempty"`
	Relation *RelationEntry  `json:"relation,omitempty"`
	DiveLog  *DiveEntry      `json:"dive_log,omitempty"`
	Worker   *catalog.Worker `json:"worker,omitempty"`
	Expense  *ExpenseEntry   `json:"expense,omitempty"`
}

// FindEntry is a find addressed by site code instead of site row id.
type FindEntry struct {
	SiteCode string `json:"site_code"`
	*catalog.Find
}

// DiveEntry is a dive log addressed by site code.
type DiveEntry struct {
	SiteCode string `json:"site_code"`
	*catalog.DiveLog
}

// ExpenseEntry is an expense addressed by site code; the code is empty for
// expenses not booked against a site.
type ExpenseEntry struct {
	SiteCode string `json:"site_code,omitempty"`
	*catalog.Expense
}

// RelationEntry links a media row (by checksum, or file path when the row
// has no checksum) to a site or find named in reference grammar
// ("site:WRK01", "WRK01/F-102").
type RelationEntry struct {
	MediaChecksum string `json:"media_checksum,omitempty"`
	MediaPath     string `json:"media_path,omitempty"`
	Target        string `json:"target"`
	RelationType  string `json:"relation_type,omitempty"`
	SortOrder     int    `json:"sort_order,omitempty"`
}

// Result summarizes an import.
type Result struct {
	Sites     int      `json:"sites"`
	Finds     int      `json:"finds"`
	Media     int      `json:"media"`
	Relations int      `json:"relations"`
	DiveLogs  int      `json:"dive_logs"`
	Workers   int      `json:"workers"`
	Expenses  int      `json:"expenses"`
	Errors    []string `json:"errors,omitempty"`
}

// Total returns the number of upserted rows across all kinds.
func (r *Result) Total() int {
	return r.Sites + r.Finds + r.Media + r.Relations + r.DiveLogs + r.Workers + r.Expenses
}

// ===================
// Export
// ===================

// Export writes the store's contents to w as JSONL in dependency order.
func Export(ctx context.Context, st store.Store, w io.Writer) error {
	enc := json.NewEncoder(w)

	workers, err := st.ListWorkers(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to export workers: %w", err)
	}
	for _, wk := range workers {
		worker := *wk
		worker.ID = 0
		if err := enc.Encode(Line{Kind: string(catalog.KindWorker), Worker: &worker}); err != nil {
			return fmt.Errorf("failed to write worker %s: %w", wk.FullName, err)
		}
	}

	sites, err := st.ListSites(ctx)
	if err != nil {
		return fmt.Errorf("failed to export sites: %w", err)
	}
	siteCodes := make(map[int64]string, len(sites))
	for _, s := range sites {
		siteCodes[s.ID] = s.SiteCode
		site := *s
		site.ID = 0
		if err := enc.Encode(Line{Kind: string(catalog.KindSite), Site: &site}); err != nil {
			return fmt.Errorf("failed to write site %s: %w", s.SiteCode, err)
		}
	}

	finds, err := st.ListFinds(ctx, store.FindFilter{})
	if err != nil {
		return fmt.Errorf("failed to export finds: %w", err)
	}
	findRefs := make(map[int64]string, len(finds))
	for _, f := range finds {
		code := siteCodes[f.SiteID]
		findRefs[f.ID] = code + "/" + f.FindNumber
		find := *f
		find.ID = 0
		find.SiteID = 0
		entry := FindEntry{SiteCode: code, Find: &find}
		if err := enc.Encode(Line{Kind: string(catalog.KindFind), Find: &entry}); err != nil {
			return fmt.Errorf("failed to write find %s/%s: %w", code, f.FindNumber, err)
		}
	}

	media, err := st.ListMedia(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to export media: %w", err)
	}
	mediaKeys := make(map[int64]*catalog.Media, len(media))
	for _, m := range media {
		mediaKeys[m.ID] = m
		row := *m
		row.ID = 0
		if err := enc.Encode(Line{Kind: string(catalog.KindMedia), Media: &row}); err != nil {
			return fmt.Errorf("failed to write media %s: %w", m.FilePath, err)
		}
	}

	dives, err := st.ListDiveLogs(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to export dive logs: %w", err)
	}
	for _, d := range dives {
		dive := *d
		dive.ID = 0
		dive.SiteID = 0
		entry := DiveEntry{SiteCode: siteCodes[d.SiteID], DiveLog: &dive}
		if err := enc.Encode(Line{Kind: string(catalog.KindDiveLog), DiveLog: &entry}); err != nil {
			return fmt.Errorf("failed to write dive log %s: %w", d.DiveNumber, err)
		}
	}

	expenses, err := st.ListExpenses(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to export expenses: %w", err)
	}
	for _, e := range expenses {
		expense := *e
		expense.ID = 0
		expense.SiteID = 0
		entry := ExpenseEntry{SiteCode: siteCodes[e.SiteID], Expense: &expense}
		if err := enc.Encode(Line{Kind: string(catalog.KindExpense), Expense: &entry}); err != nil {
			return fmt.Errorf("failed to write expense %d: %w", e.ID, err)
		}
	}

	relations, err := st.ListMediaRelations(ctx)
	if err != nil {
		return fmt.Errorf("failed to export media relations: %w", err)
	}
	for _, rel := range relations {
		entry, ok := relationEntry(rel, mediaKeys, siteCodes, findRefs)
		if !ok {
			// Relation to a kind the reference grammar cannot name; the
			// media row itself is still in the stream.
			continue
		}
		if err := enc.Encode(Line{Kind: kindRelation, Relation: entry}); err != nil {
			return fmt.Errorf("failed to write relation for media %d: %w", rel.MediaID, err)
		}
	}

	return nil
}

func relationEntry(rel *catalog.MediaRelation, media map[int64]*catalog.Media, siteCodes map[int64]string, findRefs map[int64]string) (*RelationEntry, bool) {
	row, ok := media[rel.MediaID]
	if !ok {
		return nil, false
	}

	var target string
	switch rel.RelatedType {
	case catalog.KindSite:
		code, ok := siteCodes[rel.RelatedID]
		if !ok {
			return nil, false
		}
		target = "site:" + code
	case catalog.KindFind:
		ref, ok := findRefs[rel.RelatedID]
		if !ok {
			return nil, false
		}
		target = ref
	default:
		return nil, false
	}

	entry := &RelationEntry{
		Target:       target,
		RelationType: rel.RelationType,
		SortOrder:    rel.SortOrder,
	}
	if row.Checksum != "" {
		entry.MediaChecksum = row.Checksum
	} else {
		entry.MediaPath = row.FilePath
	}
	return entry, true
}

// ===================
// Import
// ===================

// Import replays a JSONL stream into the store. Per-line failures are
// collected in Result.Errors; only stream-level problems abort.
func Import(ctx context.Context, st store.Store, r io.Reader) (*Result, error) {
	result := &Result{}
	dec := json.NewDecoder(r)

	lineNum := 0
	for {
		var line Line
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		if err := importLine(ctx, st, &line, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d (%s): %v", lineNum, line.Kind, err))
		}
	}

	return result, nil
}

func importLine(ctx context.Context, st store.Store, line *Line, result *Result) error {
	switch line.Kind {
	case string(catalog.KindWorker):
		if line.Worker == nil {
			return fmt.Errorf("missing worker payload")
		}
		if _, err := st.UpsertWorker(ctx, line.Worker); err != nil {
			return err
		}
		result.Workers++

	case string(catalog.KindSite):
		if line.Site == nil {
			return fmt.Errorf("missing site payload")
		}
		if _, err := st.UpsertSite(ctx, line.Site); err != nil {
			return err
		}
		result.Sites++

	case string(catalog.KindFind):
		if line.Find == nil || line.Find.Find == nil {
			return fmt.Errorf("missing find payload")
		}
		site, err := st.SiteByCode(ctx, line.Find.SiteCode)
		if err != nil {
			return fmt.Errorf("site %s: %w", line.Find.SiteCode, err)
		}
		find := *line.Find.Find
		find.SiteID = site.ID
		if _, err := st.UpsertFind(ctx, &find); err != nil {
			return err
		}
		result.Finds++

	case string(catalog.KindMedia):
		if line.Media == nil {
			return fmt.Errorf("missing media payload")
		}
		// Checksum-less rows dedupe on path; InsertMedia itself handles
		// the checksum case.
		if line.Media.Checksum == "" && line.Media.FilePath != "" {
			_, err := st.MediaByPath(ctx, line.Media.FilePath)
			if err == nil {
				result.Media++
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if _, _, err := st.InsertMedia(ctx, line.Media); err != nil {
			return err
		}
		result.Media++

	case string(catalog.KindDiveLog):
		if line.DiveLog == nil || line.DiveLog.DiveLog == nil {
			return fmt.Errorf("missing dive log payload")
		}
		site, err := st.SiteByCode(ctx, line.DiveLog.SiteCode)
		if err != nil {
			return fmt.Errorf("site %s: %w", line.DiveLog.SiteCode, err)
		}
		dive := *line.DiveLog.DiveLog
		dive.SiteID = site.ID
		if _, err := st.UpsertDiveLog(ctx, &dive); err != nil {
			return err
		}
		result.DiveLogs++

	case string(catalog.KindExpense):
		if line.Expense == nil || line.Expense.Expense == nil {
			return fmt.Errorf("missing expense payload")
		}
		if err := importExpense(ctx, st, line.Expense); err != nil {
			return err
		}
		result.Expenses++

	case kindRelation:
		if line.Relation == nil {
			return fmt.Errorf("missing relation payload")
		}
		if err := importRelation(ctx, st, line.Relation); err != nil {
			return err
		}
		result.Relations++

	default:
		return fmt.Errorf("unknown line kind %q", line.Kind)
	}
	return nil
}

// importExpense inserts an expense unless an identical one already exists.
// Expenses have no natural key, so equality on the booked fields is what
// keeps re-imports from duplicating them.
func importExpense(ctx context.Context, st store.Store, entry *ExpenseEntry) error {
	expense := *entry.Expense
	if entry.SiteCode != "" {
		site, err := st.SiteByCode(ctx, entry.SiteCode)
		if err != nil {
			return fmt.Errorf("site %s: %w", entry.SiteCode, err)
		}
		expense.SiteID = site.ID
	}

	existing, err := st.ListExpenses(ctx, expense.SiteID)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Category == expense.Category &&
			e.Description == expense.Description &&
			e.Amount == expense.Amount &&
			e.Currency == expense.Currency &&
			sameDate(e.ExpenseDate, expense.ExpenseDate) {
			return nil
		}
	}

	_, err = st.InsertExpense(ctx, &expense)
	return err
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.UTC().Format("2006-01-02") == b.UTC().Format("2006-01-02")
}

func importRelation(ctx context.Context, st store.Store, entry *RelationEntry) error {
	var media *catalog.Media
	var err error
	switch {
	case entry.MediaChecksum != "":
		media, err = st.MediaByChecksum(ctx, entry.MediaChecksum)
	case entry.MediaPath != "":
		media, err = st.MediaByPath(ctx, entry.MediaPath)
	default:
		return fmt.Errorf("relation names no media")
	}
	if err != nil {
		return fmt.Errorf("media lookup: %w", err)
	}

	kind, id, err := store.ResolveRef(ctx, st, entry.Target)
	if err != nil {
		return fmt.Errorf("target %s: %w", entry.Target, err)
	}

	return st.LinkMedia(ctx, &catalog.MediaRelation{
		MediaID:      media.ID,
		RelatedType:  kind,
		RelatedID:    id,
		RelationType: entry.RelationType,
		SortOrder:    entry.SortOrder,
	})
}

// ===================
// Copy
// ===================

// Copy streams one backend's contents into another. Used by `fsq db
// migrate` for the backend switch.
func Copy(ctx context.Context, from, to store.Store) (*Result, error) {
	pr, pw := io.Pipe()

	var result *Result
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := Export(ctx, from, pw)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		var err error
		result, err = Import(ctx, to, pr)
		pr.CloseWithError(err)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
