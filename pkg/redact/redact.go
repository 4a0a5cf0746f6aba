// Package redact masks caller PII before it reaches logs or stored transcripts. It is
// off until SetEnabled(true), which the binary does from log.redact_pii.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var masks = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\+?\d[\d\s\-]{7,}\d`), "[REDACTED_PHONE]"},
}

func SetEnabled(v bool) { enabled.Store(v) }

// Text replaces emails and phone numbers in free text.
func Text(in string) string {
	if !enabled.Load() {
		return in
	}
	for _, m := range masks {
		in = m.re.ReplaceAllString(in, m.with)
	}
	return in
}

// Phone keeps the last four digits of a dialable number and drops its formatting.
func Phone(number string) string {
	if !enabled.Load() {
		return number
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	return strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
}
