// Package vocab resolves freeform field vocabulary (material, object and
// condition words as divers type them) against the controlled vocabulary the
// excavation record uses.
//
// The vocabulary is a TOML file of alias tables; a compiled-in default covers
// common shipwreck finds. Resolution is advisory: unknown values pass through
// lower-cased so a submission is never rejected for wording.
package vocab

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// defaultTOML is the built-in vocabulary. A site-specific file extends or
// overrides these tables.
const defaultTOML = `
[materials]
ceramic = ["ceramics", "pottery", "earthenware", "stoneware", "porcelain", "keramik"]
metal = ["iron", "bronze", "copper", "lead", "tin", "silver", "gold", "besi"]
wood = ["timber", "wooden", "kayu"]
glass = ["glassware", "kaca"]
stone = ["ballast", "batu"]
bone = ["ivory", "tulang"]
textile = ["cloth", "fabric", "rope", "kain"]
organic = ["seed", "resin", "leather"]
composite = ["mixed"]

[objects]
amphora = ["amphorae", "storage jar"]
bowl = ["bowls"]
plate = ["plates", "dish", "dishes"]
jar = ["jars", "jarlet", "pot"]
coin = ["coins", "cash coin"]
cannon = ["gun", "cannons"]
anchor = ["anchors"]
bead = ["beads"]
fastener = ["nail", "nails", "spike", "bolt"]
sherd = ["shard", "shards", "sherds", "fragment", "fragments"]

[conditions]
excellent = ["intact", "complete"]
good = ["mostly intact", "minor damage"]
fair = ["worn", "partial"]
poor = ["degraded", "fragmentary", "heavily encrusted"]
`

// Vocabulary maps aliases to canonical vocabulary terms.
type Vocabulary struct {
	materials  map[string]string
	objects    map[string]string
	conditions map[string]string
}

type vocabFile struct {
	Materials  map[string][]string `toml:"materials"`
	Objects    map[string][]string `toml:"objects"`
	Conditions map[string][]string `toml:"conditions"`
}

// Default returns the compiled-in vocabulary.
func Default() *Vocabulary {
	v, err := parse(defaultTOML)
	if err != nil {
		// The default is a compile-time constant; a parse failure is a bug.
		panic(fmt.Sprintf("vocab: invalid built-in vocabulary: %v", err))
	}
	return v
}

// Load reads a TOML vocabulary file and overlays it on the defaults. Tables
// in the file extend the built-in tables; a canonical term present in both
// replaces the built-in alias list.
func Load(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary file: %w", err)
	}

	var f vocabFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary file %s: %w", path, err)
	}

	v := Default()
	v.overlay(&f)
	return v, nil
}

func parse(s string) (*Vocabulary, error) {
	var f vocabFile
	if err := toml.Unmarshal([]byte(s), &f); err != nil {
		return nil, err
	}
	v := &Vocabulary{
		materials:  make(map[string]string),
		objects:    make(map[string]string),
		conditions: make(map[string]string),
	}
	v.overlay(&f)
	return v, nil
}

func (v *Vocabulary) overlay(f *vocabFile) {
	index(v.materials, f.Materials)
	index(v.objects, f.Objects)
	index(v.conditions, f.Conditions)
}

func index(into map[string]string, table map[string][]string) {
	for canonical, aliases := range table {
		c := key(canonical)
		into[c] = c
		for _, a := range aliases {
			into[key(a)] = c
		}
	}
}

func key(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// CanonicalMaterial resolves a material word. ok is false when the value is
// not in the vocabulary; the lower-cased input is returned as-is.
func (v *Vocabulary) CanonicalMaterial(s string) (string, bool) {
	return lookup(v.materials, s)
}

// CanonicalObject resolves an object word.
func (v *Vocabulary) CanonicalObject(s string) (string, bool) {
	return lookup(v.objects, s)
}

// CanonicalCondition resolves a condition word.
func (v *Vocabulary) CanonicalCondition(s string) (string, bool) {
	return lookup(v.conditions, s)
}

func lookup(m map[string]string, s string) (string, bool) {
	k := key(s)
	if k == "" {
		return "", false
	}
	if c, ok := m[k]; ok {
		return c, true
	}
	return k, false
}
