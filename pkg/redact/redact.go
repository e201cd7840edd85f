package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	cardRe  = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)

	// Recognizers spell out digits ("four one five ..."), so long runs of
	// number words are treated like a digit run.
	spokenRe = regexp.MustCompile(`(?i)\b(?:(?:zero|oh|one|two|three|four|five|six|seven|eight|nine|double|triple)[\s,\-]+){6,}(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)\b`)
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text masks emails, card numbers and phone numbers in transcript text when
// enabled, whether written as digits or spoken as words.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = cardRe.ReplaceAllString(out, "[REDACTED_NUMBER]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	out = spokenRe.ReplaceAllString(out, "[REDACTED_NUMBER]")
	return out
}

// Number masks a caller number, keeping the last four digits.
func Number(in string) string {
	if !enabled.Load() {
		return in
	}
	in = strings.TrimSpace(in)
	if len(in) <= 4 {
		return in
	}
	return strings.Repeat("*", len(in)-4) + in[len(in)-4:]
}
