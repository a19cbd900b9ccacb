package ui

import "testing"

// Under go test stdout is a pipe, so every style must pass text through
// unchanged.
func TestRenderPlainWithoutTTY(t *testing.T) {
	for name, fn := range map[string]func(string) string{
		"pass":   RenderPass,
		"warn":   RenderWarn,
		"fail":   RenderFail,
		"accent": RenderAccent,
		"muted":  RenderMuted,
	} {
		if got := fn("queue drained"); got != "queue drained" {
			t.Errorf("%s render = %q, want plain text", name, got)
		}
	}
}

func TestColorizedRespectsNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	if Colorized() {
		t.Error("NO_COLOR should disable styling")
	}
}

func TestGlyphs(t *testing.T) {
	if GlyphPass() != "✓" || GlyphWarn() != "!" || GlyphFail() != "✗" {
		t.Errorf("glyphs = %q %q %q", GlyphPass(), GlyphWarn(), GlyphFail())
	}
}
