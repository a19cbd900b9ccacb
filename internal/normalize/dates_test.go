package normalize

import (
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	base := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  string // YYYY-MM-DD, empty means parse failure expected
	}{
		{name: "iso", input: "2024-03-12", want: "2024-03-12"},
		{name: "dotted day first", input: "12.03.2024", want: "2024-03-12"},
		{name: "slash day first", input: "12/03/2024", want: "2024-03-12"},
		{name: "textual", input: "12 Mar 2024", want: "2024-03-12"},
		{name: "long month", input: "12 March 2024", want: "2024-03-12"},
		{name: "relative yesterday", input: "yesterday", want: "2024-03-13"},
		{name: "relative days ago", input: "2 days ago", want: "2024-03-12"},
		{name: "whitespace trimmed", input: "  2024-03-12  ", want: "2024-03-12"},
		{name: "empty", input: "", want: ""},
		{name: "garbage", input: "not a date at all xyzzy", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseDate(tt.input, base)
			if tt.want == "" {
				if ok {
					t.Errorf("parseDate(%q) = %v, want failure", tt.input, got)
				}
				return
			}
			if !ok {
				t.Fatalf("parseDate(%q) failed, want %s", tt.input, tt.want)
			}
			if got.Format("2006-01-02") != tt.want {
				t.Errorf("parseDate(%q) = %s, want %s", tt.input, got.Format("2006-01-02"), tt.want)
			}
		})
	}
}
