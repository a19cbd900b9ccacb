package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/store"
)

// siteStatusUnverified marks sites provisioned from field data before the
// desk has confirmed them.
const siteStatusUnverified = "unverified"

// Meta carries submission context that lives on the queue entry rather than
// in the record body.
type Meta struct {
	// SenderRef is the messenger username or user id of the submitter.
	SenderRef string
	// ReceivedAt is the transport receipt time.
	ReceivedAt time.Time
}

// Applier writes normalized records into one canonical store. The engine
// runs one against the primary; the mirror runs another against the
// secondary with the same semantics.
type Applier struct {
	store  store.Store
	logger *log.Logger
}

// NewApplier creates an Applier. If logger is nil, a default logger writing
// to stderr is used.
func NewApplier(st store.Store, logger *log.Logger) *Applier {
	if logger == nil {
		logger = log.New(os.Stderr, "[apply] ", log.LstdFlags)
	}
	return &Applier{store: st, logger: logger}
}

// Apply writes one record. Errors bubble up unclassified; the caller decides
// between retry and parking via store.Classify.
func (a *Applier) Apply(ctx context.Context, rec *catalog.NormalizedRecord, meta Meta) error {
	switch rec.Kind {
	case catalog.RecordFindReport:
		return a.applyFindReport(ctx, rec.FindReport, meta)
	case catalog.RecordMediaAsset:
		return a.applyMediaAsset(ctx, rec.MediaAsset, meta)
	case catalog.RecordLocationPin:
		return a.applyLocationPin(ctx, rec.LocationPin, meta)
	default:
		return fmt.Errorf("%w: unknown record kind %q", store.ErrInvalidRef, rec.Kind)
	}
}

// applyFindReport upserts the find, links or defers its photo references,
// and claims any media already waiting on this find or its site.
func (a *Applier) applyFindReport(ctx context.Context, report *catalog.FindReport, meta Meta) error {
	siteID, err := a.ensureSite(ctx, report.SiteCode)
	if err != nil {
		return err
	}

	finderRef := report.FinderRef
	if finderRef == "" {
		finderRef = meta.SenderRef
	}
	finderName, err := a.resolveWorkerName(ctx, finderRef)
	if err != nil {
		return err
	}
	createdBy := finderName
	if createdBy == "" {
		// Unknown sender: keep the raw username as the trace.
		createdBy = catalog.NormalizeUsername(finderRef)
	}

	find := &catalog.Find{
		SiteID:       siteID,
		FindNumber:   report.FindNumber,
		MaterialType: report.MaterialType,
		ObjectType:   report.ObjectType,
		Description:  report.Description,
		Condition:    report.Condition,
		DepthM:       report.DepthM,
		Quantity:     report.Quantity,
		FindDate:     report.FindDate,
		FinderName:   finderName,
		CreatedBy:    createdBy,
		SyncSource:   catalog.SyncSourceField,
	}
	if report.Pin != nil {
		point := report.Pin.Point()
		find.Location = &point
	}

	findID, err := a.store.UpsertFind(ctx, find)
	if err != nil {
		return err
	}

	for _, ref := range report.PhotoRefs {
		if err := a.linkPhotoRef(ctx, ref, findID); err != nil {
			return err
		}
	}

	if err := a.claimFindMarkers(ctx, report.SiteCode, report.FindNumber, findID); err != nil {
		return err
	}
	if err := a.claimSiteMarkers(ctx, report.SiteCode, siteID); err != nil {
		return err
	}

	a.logger.Printf("Applied find %s", report.Ref())
	return nil
}

// applyMediaAsset stores the media row (checksum-deduplicated), binds it to
// the entity its caption names, and claims markers waiting on its blob ref.
func (a *Applier) applyMediaAsset(ctx context.Context, asset *catalog.MediaAsset, meta Meta) error {
	senderRef := asset.SenderRef
	if senderRef == "" {
		senderRef = meta.SenderRef
	}
	photographer, err := a.resolveWorkerName(ctx, senderRef)
	if err != nil {
		return err
	}

	media := &catalog.Media{
		MediaType:     asset.Kind,
		FileName:      asset.FileName,
		FilePath:      asset.BlobRef,
		FileSizeBytes: asset.SizeBytes,
		MimeType:      asset.MimeType,
		Checksum:      asset.Checksum,
		Description:   asset.Caption,
		Photographer:  photographer,
		CaptureDate:   asset.CapturedAt,
		SyncSource:    catalog.SyncSourceField,
	}

	mediaID, created, err := a.store.InsertMedia(ctx, media)
	if err != nil {
		return err
	}
	if !created {
		a.logger.Printf("Media %s already stored (checksum match), relinking", asset.BlobRef)
	}

	if asset.RelatedRef != "" {
		if err := a.linkByRef(ctx, mediaID, relationTypeFor(asset.Kind), asset.RelatedRef); err != nil {
			return err
		}
	}

	// Finds reported before this media arrived left markers on the blob ref.
	links, err := a.store.TakePendingLinks(ctx, catalog.KindMedia, asset.BlobRef)
	if err != nil {
		return err
	}
	for i, link := range links {
		if link.EntityKind != catalog.KindFind {
			continue
		}
		err := a.store.LinkMedia(ctx, &catalog.MediaRelation{
			MediaID:      mediaID,
			RelatedType:  catalog.KindFind,
			RelatedID:    link.EntityID,
			RelationType: relationTypeFor(asset.Kind),
		})
		if err != nil {
			a.restoreMarkers(ctx, links[i:])
			return err
		}
	}
	if len(links) > 0 {
		a.logger.Printf("Bound media %s to %d waiting find(s)", asset.BlobRef, len(links))
	}

	return nil
}

// applyLocationPin merges coordinates into the referenced find or site.
// Pins without a resolvable target become unlinked location media so the
// coordinates survive until the target arrives.
func (a *Applier) applyLocationPin(ctx context.Context, pin *catalog.LocationPin, meta Meta) error {
	point := pin.Point()

	if pin.RelatedRef != "" {
		kind, key, parseErr := store.ParseRef(pin.RelatedRef)
		if parseErr != nil {
			a.logger.Printf("WARNING: pin carries unparseable ref %q, storing unlinked", pin.RelatedRef)
			return a.storePinMedia(ctx, pin, meta, nil)
		}

		_, id, err := store.ResolveRef(ctx, a.store, pin.RelatedRef)
		if err == nil {
			switch kind {
			case catalog.KindFind:
				return a.store.MergeFindLocation(ctx, id, point, nil)
			case catalog.KindSite:
				_, uerr := a.store.UpsertSite(ctx, &catalog.Site{SiteCode: key, Location: &point})
				return uerr
			}
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		// Target not here yet: keep the pin and leave a marker its
		// arrival will claim.
		return a.storePinMedia(ctx, pin, meta, &store.PendingLink{
			EntityKind: catalog.KindMedia,
			AwaitKind:  kind,
			AwaitKey:   key,
		})
	}

	return a.storePinMedia(ctx, pin, meta, nil)
}

// storePinMedia persists a pin as a location media row. The checksum is
// derived from the pin and its receipt time, so a crash-retry of the same
// queue entry reuses the row instead of duplicating it.
func (a *Applier) storePinMedia(ctx context.Context, pin *catalog.LocationPin, meta Meta, marker *store.PendingLink) error {
	media := &catalog.Media{
		MediaType:   "location",
		FilePath:    fmt.Sprintf("geo:%.6f,%.6f", pin.Lat, pin.Lon),
		Description: pinDescription(pin),
		Checksum:    pinChecksum(pin, meta),
		SyncSource:  catalog.SyncSourceField,
	}

	mediaID, _, err := a.store.InsertMedia(ctx, media)
	if err != nil {
		return err
	}

	if marker != nil {
		marker.EntityID = mediaID
		if _, err := a.store.AddPendingLink(ctx, marker); err != nil {
			return err
		}
		a.logger.Printf("Stored pin %s awaiting %s %s", media.FilePath, marker.AwaitKind, marker.AwaitKey)
	}
	return nil
}

// ensureSite resolves a site code, provisioning an unverified stub when the
// desk database has not seen the site yet. Field data is never dropped for
// want of desk data.
func (a *Applier) ensureSite(ctx context.Context, code string) (int64, error) {
	site, err := a.store.SiteByCode(ctx, code)
	if err == nil {
		return site.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	a.logger.Printf("Provisioning unverified site %s", code)
	return a.store.UpsertSite(ctx, &catalog.Site{
		SiteCode: code,
		Status:   siteStatusUnverified,
	})
}

// resolveWorkerName maps a messenger ref to the worker's full name. Unknown
// refs yield the empty string; only store failures surface.
func (a *Applier) resolveWorkerName(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	worker, err := a.store.WorkerByUsername(ctx, ref)
	if err == nil {
		return worker.FullName, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return "", err
}

// linkPhotoRef attaches an already-stored media blob to a find, or leaves a
// marker for the media's arrival.
func (a *Applier) linkPhotoRef(ctx context.Context, blobRef string, findID int64) error {
	media, err := a.store.MediaByPath(ctx, blobRef)
	if err == nil {
		return a.store.LinkMedia(ctx, &catalog.MediaRelation{
			MediaID:     media.ID,
			RelatedType: catalog.KindFind,
			RelatedID:   findID,
		})
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	_, err = a.store.AddPendingLink(ctx, &store.PendingLink{
		EntityKind: catalog.KindFind,
		EntityID:   findID,
		AwaitKind:  catalog.KindMedia,
		AwaitKey:   blobRef,
	})
	return err
}

// linkByRef binds a stored media row to the entity its caption names, or
// parks a marker when the target has not arrived. Unparseable refs leave
// the media unlinked.
func (a *Applier) linkByRef(ctx context.Context, mediaID int64, relationType, ref string) error {
	kind, key, parseErr := store.ParseRef(ref)
	if parseErr != nil {
		a.logger.Printf("WARNING: media %d carries unparseable ref %q, stored unlinked", mediaID, ref)
		return nil
	}

	_, id, err := store.ResolveRef(ctx, a.store, ref)
	if err == nil {
		return a.store.LinkMedia(ctx, &catalog.MediaRelation{
			MediaID:      mediaID,
			RelatedType:  kind,
			RelatedID:    id,
			RelationType: relationType,
		})
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	_, err = a.store.AddPendingLink(ctx, &store.PendingLink{
		EntityKind: catalog.KindMedia,
		EntityID:   mediaID,
		AwaitKind:  kind,
		AwaitKey:   key,
	})
	return err
}

// claimFindMarkers binds media that arrived before this find, under both
// the bare and the site-qualified key form.
func (a *Applier) claimFindMarkers(ctx context.Context, siteCode, findNumber string, findID int64) error {
	for _, key := range []string{findNumber, siteCode + "/" + findNumber} {
		links, err := a.store.TakePendingLinks(ctx, catalog.KindFind, key)
		if err != nil {
			return err
		}
		for i, link := range links {
			if link.EntityKind != catalog.KindMedia {
				continue
			}
			err := a.store.LinkMedia(ctx, &catalog.MediaRelation{
				MediaID:     link.EntityID,
				RelatedType: catalog.KindFind,
				RelatedID:   findID,
			})
			if err != nil {
				a.restoreMarkers(ctx, links[i:])
				return err
			}
		}
		if len(links) > 0 {
			a.logger.Printf("Bound %d waiting media to find %s", len(links), key)
		}
	}
	return nil
}

// claimSiteMarkers binds media that arrived before the desk knew the site,
// such as overview shots captioned with a site code nobody had reported yet.
func (a *Applier) claimSiteMarkers(ctx context.Context, siteCode string, siteID int64) error {
	links, err := a.store.TakePendingLinks(ctx, catalog.KindSite, siteCode)
	if err != nil {
		return err
	}
	for i, link := range links {
		if link.EntityKind != catalog.KindMedia {
			continue
		}
		err := a.store.LinkMedia(ctx, &catalog.MediaRelation{
			MediaID:     link.EntityID,
			RelatedType: catalog.KindSite,
			RelatedID:   siteID,
		})
		if err != nil {
			a.restoreMarkers(ctx, links[i:])
			return err
		}
	}
	if len(links) > 0 {
		a.logger.Printf("Bound %d waiting media to site %s", len(links), siteCode)
	}
	return nil
}

// restoreMarkers puts unbound markers back so a retry can claim them again.
func (a *Applier) restoreMarkers(ctx context.Context, links []*store.PendingLink) {
	for _, link := range links {
		if _, err := a.store.AddPendingLink(ctx, link); err != nil {
			a.logger.Printf("WARNING: failed to restore pending link for %s %d: %v",
				link.EntityKind, link.EntityID, err)
		}
	}
}

// relationTypeFor picks the media relation type; signatures are flagged so
// the desk can tell a sign-off from documentation shots.
func relationTypeFor(mediaKind string) string {
	if mediaKind == "signature" {
		return "signature"
	}
	return ""
}

func pinDescription(pin *catalog.LocationPin) string {
	if pin.AccuracyM > 0 {
		return fmt.Sprintf("GPS pin %.6f,%.6f (±%.0fm)", pin.Lat, pin.Lon, pin.AccuracyM)
	}
	return fmt.Sprintf("GPS pin %.6f,%.6f", pin.Lat, pin.Lon)
}

// pinChecksum derives a stable identity for an unlinked pin from its
// coordinates, target and receipt time.
func pinChecksum(pin *catalog.LocationPin, meta Meta) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("pin|%.6f|%.6f|%s|%s",
		pin.Lat, pin.Lon, pin.RelatedRef, meta.ReceivedAt.UTC().Format(time.RFC3339))))
	return hex.EncodeToString(sum[:])
}
