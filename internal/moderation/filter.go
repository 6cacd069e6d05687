// Package moderation screens archived chat transcripts for prohibited
// content. The archiver runs every transcript through a Filter after
// persisting it; flagged senders accrue offenses that drive automatic
// suspensions.
package moderation

import (
	"strings"

	"github.com/campusmeet/chat-app/internal/report"
)

// defaultTerms is the built-in keyword blocklist. Terms are matched as
// case-insensitive substrings, so multi-word phrases work too.
var defaultTerms = []string{
	"kill yourself",
	"kys",
	"go die",
	"dox",
	"send nudes",
}

// FilterResult is the outcome of checking a single piece of text.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_term" or "spam_pattern"
	Term    string // the term or pattern name that matched
}

// Flag marks one flagged message inside a scanned transcript.
type Flag struct {
	Index  int    // position in the transcript
	Sender string // alias of the offending sender
	Reason string
	Term   string
}

// Filter checks text against a keyword blocklist and the spam patterns.
// It is immutable after construction and safe for concurrent use.
type Filter struct {
	terms []string
}

// NewFilter creates a Filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter with a custom blocklist. Empty and
// whitespace-only terms are dropped; the rest are normalized to lower case.
func NewFilterWithTerms(terms []string) *Filter {
	normalized := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			normalized = append(normalized, term)
		}
	}
	return &Filter{terms: normalized}
}

// Check screens a single text. Blocked terms take precedence over spam
// patterns so the more specific reason wins.
func (f *Filter) Check(text string) FilterResult {
	lower := strings.ToLower(text)
	for _, term := range f.terms {
		if strings.Contains(lower, term) {
			return FilterResult{Blocked: true, Reason: "blocked_term", Term: term}
		}
	}
	return f.checkSpamPatterns(text)
}

// ScanTranscript checks every message of an archived chat log and returns a
// flag per offending message, in transcript order.
func (f *Filter) ScanTranscript(messages []report.LogMessage) []Flag {
	var flags []Flag
	for i, msg := range messages {
		result := f.Check(msg.Text)
		if !result.Blocked {
			continue
		}
		flags = append(flags, Flag{
			Index:  i,
			Sender: msg.Sender,
			Reason: result.Reason,
			Term:   result.Term,
		})
	}
	return flags
}
