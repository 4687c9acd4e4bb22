package policy

import "regexp"

type redactionRule struct {
	pattern *regexp.Regexp
	mask    string
}

// Rules run in order; card numbers are claimed before phone numbers so a
// digit run is never half-masked as a phone.
var transcriptRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED_SSN]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks contact and payment details spoken by either side of a
// conversation before the transcript is persisted. The live transcript sent
// to the client is not touched.
func RedactPII(transcript string) (redacted string, changed bool) {
	out := transcript
	for _, rule := range transcriptRules {
		next := rule.pattern.ReplaceAllString(out, rule.mask)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
