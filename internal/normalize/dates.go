package normalize

import (
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// dateLayouts are tried before falling back to natural-language parsing.
// Day-first layouts come after ISO because the bot prompts for ISO dates.
var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"2.1.2006",
	"02/01/2006",
	"2/1/2006",
	"2 Jan 2006",
	"Jan 2 2006",
	"2 January 2006",
}

var whenParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDate parses a submitted date: explicit layouts first, then freeform
// phrases ("yesterday", "two days ago") relative to base.
func parseDate(s string, base time.Time) (time.Time, bool) {
	t := strings.TrimSpace(s)
	if t == "" {
		return time.Time{}, false
	}

	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, t); err == nil {
			return parsed, true
		}
	}

	r, err := whenParser.Parse(t, base)
	if err != nil || r == nil {
		return time.Time{}, false
	}
	return r.Time, true
}
