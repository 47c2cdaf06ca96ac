package cleaner

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/width"
)

// Cleaner turns scraped cell content into plain, single-line text
type Cleaner struct {
	policy *bluemonday.Policy
}

// NewCleaner creates a cleaner that strips ALL HTML
func NewCleaner() *Cleaner {
	return &Cleaner{policy: bluemonday.StrictPolicy()}
}

// Text removes markup, folds fullwidth characters to their narrow form
// and collapses whitespace, including the ideographic space.
func (c *Cleaner) Text(s string) string {
	text := c.policy.Sanitize(s)
	// The strict policy escapes what it keeps
	text = html.UnescapeString(text)
	text = width.Fold.String(text)
	return strings.Join(strings.Fields(text), " ")
}

// Compact is Text with every space removed, for numbers and identifiers
func (c *Cleaner) Compact(s string) string {
	return strings.ReplaceAll(c.Text(s), " ", "")
}
