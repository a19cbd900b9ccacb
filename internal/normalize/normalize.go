// Package normalize converts heterogeneous field submissions (structured find
// reports, photos, videos, GPS pins, signatures) into canonical typed records.
//
// The normalizer is pure: it never touches the queue or the canonical store.
// Its single side effect is attaching a stable content hash to media payloads,
// used downstream for dedupe. A submission that cannot be normalized fails
// with a MalformedError and never enters the pipeline.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/vocab"
)

// ErrMalformed is the sentinel all normalization failures wrap.
var ErrMalformed = errors.New("malformed field submission")

// MalformedError describes why a submission was rejected at the boundary.
type MalformedError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *MalformedError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed submission: %s", e.Reason)
	}
	return fmt.Sprintf("malformed submission: %s: %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrMalformed) work.
func (e *MalformedError) Unwrap() error {
	return ErrMalformed
}

// IsMalformed reports whether err is a normalization rejection.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}

func malformed(field, format string, args ...interface{}) error {
	return &MalformedError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Normalizer converts envelopes into normalized records.
//
// BaseDir, when set, is the root for resolving blob refs to local files
// (spool-side ingest); content hashes are then computed over file contents.
// Without it (or for refs that do not resolve) the hash covers the ref
// string, which is still stable per blob for transport file ids.
type Normalizer struct {
	// Vocab resolves material/object/condition words. Nil means the
	// built-in vocabulary.
	Vocab *vocab.Vocabulary

	// BaseDir is the local blob resolution root. Empty disables file access.
	BaseDir string

	// Now is the clock used for relative dates ("yesterday"). Nil means
	// time.Now.
	Now func() time.Time
}

// New creates a Normalizer with the given vocabulary (nil for the default).
func New(v *vocab.Vocabulary) *Normalizer {
	return &Normalizer{Vocab: v}
}

func (n *Normalizer) vocabulary() *vocab.Vocabulary {
	if n.Vocab == nil {
		n.Vocab = vocab.Default()
	}
	return n.Vocab
}

func (n *Normalizer) clock() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// Normalize produces exactly one record for the envelope, or a MalformedError.
func (n *Normalizer) Normalize(env *Envelope) (*catalog.NormalizedRecord, error) {
	if env == nil {
		return nil, malformed("envelope", "nil envelope")
	}
	if err := env.Validate(); err != nil {
		return nil, &MalformedError{Field: "envelope", Reason: err.Error()}
	}

	var (
		rec *catalog.NormalizedRecord
		err error
	)
	switch env.Kind {
	case catalog.MessageFind:
		rec, err = n.normalizeFind(env)
	case catalog.MessagePhoto:
		rec, err = n.normalizeMedia(env, "photo")
	case catalog.MessageVideo:
		rec, err = n.normalizeMedia(env, "video")
	case catalog.MessageSignature:
		rec, err = n.normalizeMedia(env, "signature")
	case catalog.MessageLocation:
		rec, err = n.normalizePin(env)
	default:
		return nil, malformed("kind", "unsupported message kind %q", env.Kind)
	}
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, &MalformedError{Field: "record", Reason: err.Error()}
	}
	return rec, nil
}

// ===================
// Find reports
// ===================

var siteCodePattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,11}$`)

// keyAliases maps the key spellings divers actually use onto canonical field
// names. Matching is case-insensitive with collapsed whitespace.
var keyAliases = map[string]string{
	"site": "site", "site code": "site", "wreck": "site",
	"find": "find", "find number": "find", "find no": "find", "number": "find",
	"material": "material", "mat": "material",
	"object": "object", "obj": "object", "item": "object",
	"qty": "qty", "quantity": "qty", "count": "qty",
	"depth": "depth",
	"date": "date", "found": "date", "find date": "date",
	"condition": "condition", "cond": "condition",
	"desc": "desc", "description": "desc", "notes": "desc", "note": "desc",
	"photos": "photos", "photo": "photos", "media": "photos",
	"finder": "finder", "by": "finder", "diver": "finder",
}

type findFields struct {
	values map[string]string
	extra  []string
}

// parseFindText reads "key: value" lines plus an optional shorthand first
// line of the form "SITE FINDNO [MATERIAL [OBJECT...]]". Unrecognized bare
// lines accumulate into the description.
func parseFindText(text string) findFields {
	f := findFields{values: make(map[string]string)}
	shorthandDone := false

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if i := strings.Index(line, ":"); i > 0 {
			key := strings.ToLower(strings.Join(strings.Fields(line[:i]), " "))
			if canonical, ok := keyAliases[key]; ok {
				f.values[canonical] = strings.TrimSpace(line[i+1:])
				continue
			}
		}

		if !shorthandDone && !strings.Contains(line, ":") {
			tokens := strings.Fields(line)
			if len(tokens) >= 2 &&
				siteCodePattern.MatchString(strings.ToUpper(tokens[0])) &&
				catalog.ValidFindNumber(strings.ToUpper(tokens[1])) {
				f.values["site"] = tokens[0]
				f.values["find"] = tokens[1]
				if len(tokens) > 2 {
					f.values["material"] = tokens[2]
				}
				if len(tokens) > 3 {
					f.values["object"] = strings.Join(tokens[3:], " ")
				}
				shorthandDone = true
				continue
			}
		}

		f.extra = append(f.extra, line)
	}
	return f
}

func (n *Normalizer) normalizeFind(env *Envelope) (*catalog.NormalizedRecord, error) {
	fields := parseFindText(env.Text)
	v := n.vocabulary()

	site := strings.ToUpper(strings.TrimSpace(fields.values["site"]))
	if site == "" {
		return nil, malformed("site", "missing site code")
	}
	if !siteCodePattern.MatchString(site) {
		return nil, malformed("site", "invalid site code %q", site)
	}

	findNo := strings.ToUpper(strings.TrimSpace(fields.values["find"]))
	if findNo == "" {
		return nil, malformed("find_number", "missing find number")
	}
	if !catalog.ValidFindNumber(findNo) {
		return nil, malformed("find_number", "invalid find number %q", findNo)
	}

	report := &catalog.FindReport{
		SiteCode:   site,
		FindNumber: findNo,
		Quantity:   1,
	}

	if m := fields.values["material"]; m != "" {
		report.MaterialType, _ = v.CanonicalMaterial(m)
	}
	if o := fields.values["object"]; o != "" {
		report.ObjectType, _ = v.CanonicalObject(o)
	}
	if c := fields.values["condition"]; c != "" {
		report.Condition, _ = v.CanonicalCondition(c)
	}

	if q := fields.values["qty"]; q != "" {
		qty, err := strconv.Atoi(strings.TrimSpace(q))
		if err != nil || qty <= 0 {
			return nil, malformed("quantity", "invalid quantity %q", q)
		}
		report.Quantity = qty
	}

	if d := fields.values["depth"]; d != "" {
		depth, err := parseDepth(d)
		if err != nil {
			return nil, malformed("depth", "%v", err)
		}
		report.DepthM = &depth
	}

	if ds := fields.values["date"]; ds != "" {
		parsed, ok := parseDate(ds, n.clock())
		if !ok {
			return nil, malformed("date", "unparsable date %q", ds)
		}
		report.FindDate = &parsed
	} else {
		when := env.SentAt
		if when.IsZero() {
			when = n.clock()
		}
		report.FindDate = &when
	}

	if finder := fields.values["finder"]; finder != "" {
		report.FinderRef = finder
	} else {
		report.FinderRef = env.SenderRef()
	}

	if p := fields.values["photos"]; p != "" {
		report.PhotoRefs = splitRefs(p)
	}

	desc := fields.values["desc"]
	if len(fields.extra) > 0 {
		if desc != "" {
			desc += "\n"
		}
		desc += strings.Join(fields.extra, "\n")
	}
	report.Description = desc

	if env.Lat != 0 || env.Lon != 0 {
		pin := &catalog.LocationPin{Lat: env.Lat, Lon: env.Lon, AccuracyM: env.AccuracyM}
		if err := pin.Validate(); err != nil {
			return nil, malformed("pin", "%v", err)
		}
		report.Pin = pin
	}

	return &catalog.NormalizedRecord{Kind: catalog.RecordFindReport, FindReport: report}, nil
}

func parseDepth(s string) (float64, error) {
	t := strings.TrimSpace(strings.ToLower(s))
	t = strings.TrimSuffix(t, "meters")
	t = strings.TrimSuffix(t, "meter")
	t = strings.TrimSuffix(t, "m")
	t = strings.ReplaceAll(strings.TrimSpace(t), ",", ".")
	depth, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, fmt.Errorf("unparsable depth %q", s)
	}
	if depth < 0 || depth > 500 {
		return 0, fmt.Errorf("depth %v out of range", depth)
	}
	return depth, nil
}

func splitRefs(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	refs := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			refs = append(refs, f)
		}
	}
	return refs
}

// ===================
// Media assets
// ===================

func (n *Normalizer) normalizeMedia(env *Envelope, kind string) (*catalog.NormalizedRecord, error) {
	if env.Blob == nil || strings.TrimSpace(env.Blob.Ref) == "" {
		return nil, malformed("blob_ref", "missing media reference")
	}
	blob := env.Blob

	checksum, localPath := n.hashBlob(blob.Ref)

	asset := &catalog.MediaAsset{
		Kind:       kind,
		BlobRef:    blob.Ref,
		FileName:   blob.FileName,
		SizeBytes:  blob.SizeBytes,
		MimeType:   blob.MimeType,
		Checksum:   checksum,
		Caption:    strings.TrimSpace(env.Text),
		RelatedRef: parseRelatedRef(env.Text),
		SenderRef:  env.SenderRef(),
	}
	if asset.FileName == "" {
		asset.FileName = filepath.Base(blob.Ref)
	}
	if asset.MimeType == "" {
		asset.MimeType = detectMime(localPath, asset.FileName)
	}
	if !env.SentAt.IsZero() {
		captured := env.SentAt
		asset.CapturedAt = &captured
	}

	return &catalog.NormalizedRecord{Kind: catalog.RecordMediaAsset, MediaAsset: asset}, nil
}

// hashBlob returns the sha256 content hash and, when the ref resolves to a
// file under BaseDir, the local path. Refs that do not resolve hash the ref
// string itself, which is stable per transport file id.
func (n *Normalizer) hashBlob(ref string) (string, string) {
	if n.BaseDir != "" {
		p := filepath.Join(n.BaseDir, filepath.Clean("/"+ref))
		if rel, err := filepath.Rel(n.BaseDir, p); err == nil && !strings.HasPrefix(rel, "..") {
			if sum, err := hashFile(p); err == nil {
				return sum, p
			}
		}
	}
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:]), ""
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func detectMime(localPath, fileName string) string {
	if localPath != "" {
		if mt, err := mimetype.DetectFile(localPath); err == nil {
			return mt.String()
		}
	}
	if ext := filepath.Ext(fileName); ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			return mt
		}
	}
	return ""
}

// ===================
// Location pins
// ===================

func (n *Normalizer) normalizePin(env *Envelope) (*catalog.NormalizedRecord, error) {
	if env.Lat == 0 && env.Lon == 0 {
		return nil, malformed("coordinates", "missing coordinates")
	}
	pin := &catalog.LocationPin{
		Lat:        env.Lat,
		Lon:        env.Lon,
		AccuracyM:  env.AccuracyM,
		RelatedRef: parseRelatedRef(env.Text),
	}
	if err := pin.Validate(); err != nil {
		return nil, malformed("coordinates", "%v", err)
	}
	return &catalog.NormalizedRecord{Kind: catalog.RecordLocationPin, LocationPin: pin}, nil
}

// ===================
// Related references
// ===================

var (
	findRefHint = regexp.MustCompile(`(?i)\b(?:find|for)\s*[:#]?\s*([A-Za-z0-9][A-Za-z0-9/-]*)`)
	siteRefHint = regexp.MustCompile(`(?i)\bsite\s*[:#]?\s*([A-Za-z][A-Za-z0-9]*)`)
	bareFindRef = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*(?:/[A-Za-z0-9-]+)?-[A-Za-z0-9]+$|^[A-Za-z][A-Za-z0-9]*/[A-Za-z0-9-]+$`)
	hasDigit    = regexp.MustCompile(`[0-9]`)
)

// parseRelatedRef extracts an entity reference from caption text. The result
// grammar: "SITE/FINDNO" or "FINDNO" for finds, "site:CODE" for sites,
// "" when no reference is present. Candidates without a digit are ignored so
// ordinary prose after "for" is not mistaken for a reference.
func parseRelatedRef(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return ""
	}

	if m := findRefHint.FindStringSubmatch(t); m != nil && hasDigit.MatchString(m[1]) {
		if ref, err := catalog.ParseFindRef(m[1]); err == nil {
			return ref.String()
		}
	}
	if m := siteRefHint.FindStringSubmatch(t); m != nil {
		code := strings.ToUpper(m[1])
		if siteCodePattern.MatchString(code) {
			return "site:" + code
		}
	}

	// Bare tokens like "F-102" or "WRK01/F-102" anywhere in the caption.
	for _, tok := range strings.Fields(t) {
		tok = strings.Trim(tok, ".,;!()")
		if !bareFindRef.MatchString(tok) || !hasDigit.MatchString(tok) {
			continue
		}
		if ref, err := catalog.ParseFindRef(tok); err == nil {
			return ref.String()
		}
	}
	return ""
}
