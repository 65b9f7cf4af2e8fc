package policy

import "regexp"

type rule struct {
	pattern *regexp.Regexp
	marker  string
}

// rules run in order. Cards go before phones so long digit runs are not
// taken for phone numbers, and labelled identity numbers go first of all.
var rules = []rule{
	{regexp.MustCompile(`(?i)\b(?:nin|bvn)\b[^0-9\n]{0,16}\d{11}\b`), "[REDACTED_ID]"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks identity numbers, emails, card numbers and phone numbers
// in transcript text before it is persisted or logged.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
