// Package ui holds the terminal output styles for the fsq CLI.
//
// Styling degrades to plain text when stdout is not a terminal, when
// NO_COLOR is set, or when the terminal reports no color support, so piped
// output and season logs stay clean.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Colorized reports whether styled output should be emitted.
func Colorized() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.ColorProfile() != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !Colorized() {
		return s
	}
	return style.Render(s)
}

// RenderPass styles a success message.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn styles a warning.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail styles a failure.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderAccent styles an identifier the operator should spot first.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderMuted styles secondary detail.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// Status glyphs for one-line summaries.
func GlyphPass() string { return RenderPass("✓") }
func GlyphWarn() string { return RenderWarn("!") }
func GlyphFail() string { return RenderFail("✗") }
