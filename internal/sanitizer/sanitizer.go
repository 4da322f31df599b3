// Package sanitizer strips markup from free-text account fields such as
// display names before they are stored.
package sanitizer

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer reduces user-supplied text to plain text
type TextSanitizer interface {
	// Sanitize removes every tag, decodes entities and normalizes whitespace
	Sanitize(s string) string
}

// PlainTextSanitizer implements TextSanitizer with bluemonday's strict policy
type PlainTextSanitizer struct {
	policy *bluemonday.Policy
}

var (
	// the strict policy keeps element text; these elements must lose their content too
	blockedContent = regexp.MustCompile(`(?is)<(script|style|noscript|iframe)[^>]*>.*?</(script|style|noscript|iframe)\s*>`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
)

// NewPlainTextSanitizer creates a sanitizer that allows no markup at all
func NewPlainTextSanitizer() *PlainTextSanitizer {
	return &PlainTextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize returns s as plain text on a single line
func (p *PlainTextSanitizer) Sanitize(s string) string {
	if s == "" {
		return ""
	}

	result := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	result = blockedContent.ReplaceAllString(result, " ")
	result = p.policy.Sanitize(result)
	// bluemonday escapes what it keeps; names are stored unescaped and escaped on output
	result = html.UnescapeString(result)

	return strings.TrimSpace(whitespaceRun.ReplaceAllString(result, " "))
}
