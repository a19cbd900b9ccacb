package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lagoi/fieldsync/internal/catalog"
)

// PendingLink marks a reference that could not be resolved when its record
// was applied. EntityKind/EntityID identify the row that is waiting;
// AwaitKind/AwaitKey name what it waits for:
//
//   - media waiting for a find:  {media, mediaID} awaits {find, "WRK01/F-102"}
//   - media waiting for a site:  {media, mediaID} awaits {site, "WRK01"}
//   - find waiting for a photo:  {find, findID} awaits {media, "<blob ref>"}
//
// The reconciliation engine takes matching markers whenever it creates the
// awaited entity and binds the two sides.
type PendingLink struct {
	ID         int64              `json:"id"`
	EntityKind catalog.EntityKind `json:"entity_kind"`
	EntityID   int64              `json:"entity_id"`
	AwaitKind  catalog.EntityKind `json:"await_kind"`
	AwaitKey   string             `json:"await_key"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Validate checks required pending link fields.
func (l *PendingLink) Validate() error {
	if _, err := catalog.ParseEntityKind(string(l.EntityKind)); err != nil {
		return fmt.Errorf("entity_kind: %w", err)
	}
	if l.EntityID == 0 {
		return fmt.Errorf("entity_id is required")
	}
	if _, err := catalog.ParseEntityKind(string(l.AwaitKind)); err != nil {
		return fmt.Errorf("await_kind: %w", err)
	}
	if strings.TrimSpace(l.AwaitKey) == "" {
		return fmt.Errorf("await_key is required")
	}
	return nil
}

// RefResolver resolves a natural reference key of one entity kind to a row
// id. Returns ErrNotFound when the entity does not exist yet.
type RefResolver func(ctx context.Context, s Store, key string) (int64, error)

// linkTargets maps linkable entity kinds to their resolvers
var (
	linkTargets   = make(map[catalog.EntityKind]RefResolver)
	linkTargetsMu sync.RWMutex
)

// RegisterLinkTarget registers a resolver for one entity kind.
// Site and find resolvers are registered by this package; additional kinds
// can be added without touching the reconciliation engine.
func RegisterLinkTarget(kind catalog.EntityKind, resolver RefResolver) {
	linkTargetsMu.Lock()
	defer linkTargetsMu.Unlock()

	if resolver == nil {
		panic(fmt.Sprintf("store: RegisterLinkTarget resolver is nil for kind %s", kind))
	}

	if _, exists := linkTargets[kind]; exists {
		panic(fmt.Sprintf("store: RegisterLinkTarget called twice for kind %s", kind))
	}

	linkTargets[kind] = resolver
}

// LinkTargetKinds returns the registered linkable kinds.
func LinkTargetKinds() []catalog.EntityKind {
	linkTargetsMu.RLock()
	defer linkTargetsMu.RUnlock()

	kinds := make([]catalog.EntityKind, 0, len(linkTargets))
	for k := range linkTargets {
		kinds = append(kinds, k)
	}
	return kinds
}

func linkTarget(kind catalog.EntityKind) RefResolver {
	linkTargetsMu.RLock()
	defer linkTargetsMu.RUnlock()
	return linkTargets[kind]
}

func init() {
	RegisterLinkTarget(catalog.KindSite, resolveSiteRef)
	RegisterLinkTarget(catalog.KindFind, resolveFindRef)
}

// ParseRef splits a related-entity reference into the target kind and its
// natural key:
//
//	"site:WRK01"   -> (site, "WRK01")
//	"WRK01/F-102"  -> (find, "WRK01/F-102")
//	"F-102"        -> (find, "F-102")
//
// Returns ErrInvalidRef for anything else.
func ParseRef(ref string) (catalog.EntityKind, string, error) {
	t := strings.TrimSpace(ref)
	if t == "" {
		return "", "", fmt.Errorf("%w: empty reference", ErrInvalidRef)
	}

	if rest, ok := strings.CutPrefix(strings.ToLower(t), "site:"); ok {
		code := strings.ToUpper(strings.TrimSpace(rest))
		if code == "" {
			return "", "", fmt.Errorf("%w: empty site code in %q", ErrInvalidRef, ref)
		}
		return catalog.KindSite, code, nil
	}

	fref, err := catalog.ParseFindRef(t)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	return catalog.KindFind, fref.String(), nil
}

// ResolveRef resolves a related-entity reference against the store.
// Returns the target kind and row id, or ErrNotFound when the reference is
// well-formed but the entity does not exist yet (the caller records a
// pending link in that case).
func ResolveRef(ctx context.Context, s Store, ref string) (catalog.EntityKind, int64, error) {
	kind, key, err := ParseRef(ref)
	if err != nil {
		return "", 0, err
	}

	resolver := linkTarget(kind)
	if resolver == nil {
		return "", 0, fmt.Errorf("%w: no resolver for kind %s", ErrInvalidRef, kind)
	}

	id, err := resolver(ctx, s, key)
	if err != nil {
		return kind, 0, err
	}
	return kind, id, nil
}

func resolveSiteRef(ctx context.Context, s Store, key string) (int64, error) {
	site, err := s.SiteByCode(ctx, key)
	if err != nil {
		return 0, err
	}
	return site.ID, nil
}

// resolveFindRef handles both "SITE/FINDNO" and bare "FINDNO" keys. A bare
// find number is resolved across all sites and must match exactly one find;
// an ambiguous match is reported as not-found so the reference stays pending
// rather than binding to the wrong artifact.
func resolveFindRef(ctx context.Context, s Store, key string) (int64, error) {
	fref, err := catalog.ParseFindRef(key)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}

	if fref.SiteCode != "" {
		site, err := s.SiteByCode(ctx, fref.SiteCode)
		if err != nil {
			return 0, err
		}
		find, err := s.FindByNumber(ctx, site.ID, fref.FindNumber)
		if err != nil {
			return 0, err
		}
		return find.ID, nil
	}

	finds, err := s.ListFinds(ctx, FindFilter{FindNumber: fref.FindNumber, Limit: 2})
	if err != nil {
		return 0, err
	}
	switch len(finds) {
	case 0:
		return 0, ErrNotFound
	case 1:
		return finds[0].ID, nil
	default:
		return 0, fmt.Errorf("%w: find number %s is ambiguous across sites", ErrNotFound, fref.FindNumber)
	}
}
