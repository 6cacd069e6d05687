package moderation

import (
	"regexp"
	"strings"
)

// Patterns are compiled once at package init and reused for every call.
var (
	// urlPattern matches http/https URLs, www. URLs, and bare domains on
	// common TLDs. The bare-domain variant requires a trailing "/" so
	// version strings like "v2.0" and decimals like "3.14" don't match.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches common phone formats such as +1-555-123-4567,
	// (555) 123-4567 and 555.123.4567, anchored to whitespace boundaries
	// so digit runs inside ordinary words and short numbers don't match.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// spamCheck pairs a named detector with its match function.
type spamCheck struct {
	name  string
	match func(string) bool
}

// spamChecks is applied in order; the first match wins.
var spamChecks = []spamCheck{
	{name: "url", match: urlPattern.MatchString},
	{name: "phone", match: phonePattern.MatchString},
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
}

// checkSpamPatterns runs every spam check against text. If no pattern
// matches it returns a zero-value (non-blocking) FilterResult.
func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: "spam_pattern", Term: sc.name}
		}
	}
	return FilterResult{}
}

// hasCharFlood reports whether text contains 5 or more consecutive
// identical characters. RE2 has no backreferences, so this is a linear
// rune scan.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 0
	prev := rune(-1)
	for _, r := range text {
		if r != prev {
			count, prev = 1, r
			continue
		}
		count++
		if count >= threshold {
			return true
		}
	}
	return false
}

// hasWordFlood reports whether the same word appears 3 or more times in a
// row, case-insensitively.
func hasWordFlood(text string) bool {
	const threshold = 3

	count := 0
	prev := ""
	for _, w := range strings.Fields(text) {
		lower := strings.ToLower(w)
		if lower != prev {
			count, prev = 1, lower
			continue
		}
		count++
		if count >= threshold {
			return true
		}
	}
	return false
}
