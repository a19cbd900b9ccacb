package vocab

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultResolution(t *testing.T) {
	v := Default()

	tests := []struct {
		name   string
		lookup func(string) (string, bool)
		input  string
		want   string
		wantOK bool
	}{
		{name: "material canonical", lookup: v.CanonicalMaterial, input: "ceramic", want: "ceramic", wantOK: true},
		{name: "material alias", lookup: v.CanonicalMaterial, input: "Pottery", want: "ceramic", wantOK: true},
		{name: "material alias indonesian", lookup: v.CanonicalMaterial, input: "keramik", want: "ceramic", wantOK: true},
		{name: "material spaced", lookup: v.CanonicalMaterial, input: "  STONEWARE ", want: "ceramic", wantOK: true},
		{name: "material unknown passes through", lookup: v.CanonicalMaterial, input: "Plastic", want: "plastic", wantOK: false},
		{name: "object multiword alias", lookup: v.CanonicalObject, input: "storage  jar", want: "amphora", wantOK: true},
		{name: "object alias", lookup: v.CanonicalObject, input: "shards", want: "sherd", wantOK: true},
		{name: "condition alias", lookup: v.CanonicalCondition, input: "Intact", want: "excellent", wantOK: true},
		{name: "condition unknown", lookup: v.CanonicalCondition, input: "crusty", want: "crusty", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.lookup(tt.input)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("lookup(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestLoadOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocab.toml")
	custom := `
[materials]
ceramic = ["swatow", "kraak"]
coral = ["encrustation"]

[objects]
compass = ["kompas"]
`
	if err := os.WriteFile(path, []byte(custom), 0o644); err != nil {
		t.Fatalf("failed to write vocab file: %v", err)
	}

	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// File additions resolve.
	if got, ok := v.CanonicalMaterial("kraak"); !ok || got != "ceramic" {
		t.Errorf("CanonicalMaterial(kraak) = (%q, %v), want (ceramic, true)", got, ok)
	}
	if got, ok := v.CanonicalMaterial("coral"); !ok || got != "coral" {
		t.Errorf("CanonicalMaterial(coral) = (%q, %v), want (coral, true)", got, ok)
	}
	if got, ok := v.CanonicalObject("kompas"); !ok || got != "compass" {
		t.Errorf("CanonicalObject(kompas) = (%q, %v), want (compass, true)", got, ok)
	}

	// Built-ins survive the overlay.
	if got, ok := v.CanonicalMaterial("bronze"); !ok || got != "metal" {
		t.Errorf("CanonicalMaterial(bronze) = (%q, %v), want (metal, true)", got, ok)
	}
	if got, ok := v.CanonicalCondition("intact"); !ok || got != "excellent" {
		t.Errorf("CanonicalCondition(intact) = (%q, %v), want (excellent, true)", got, ok)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Load() of missing file expected error, got nil")
	}

	bad := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(bad, []byte("[materials\nbroken"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("Load() of invalid TOML expected error, got nil")
	}
}
