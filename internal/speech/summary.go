// Package speech turns free-form agent replies into short spoken
// summaries. Replies are expected to carry a delimited summary block the
// agent was instructed to emit; when the block is missing, a
// sentence-boundary fallback keeps the spoken text within budget.
package speech

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Summary block markers, matched case-insensitively.
const (
	OpenMarker  = "[[speak]]"
	CloseMarker = "[[/speak]]"
)

const (
	// DefaultMaxSentences caps how many whole sentences the fallback
	// accumulates.
	DefaultMaxSentences = 2
	// DefaultMaxChars is the fallback character budget for the summary.
	DefaultMaxChars = 240

	// When truncating inside the budget, a sentence boundary counts as
	// usable if it lies at or beyond sentenceBoundaryMin of the budget,
	// and a word boundary at or beyond wordBoundaryMin. Boundaries
	// earlier than that waste too much of the budget, so the text is cut
	// at the budget instead.
	sentenceBoundaryMin = 0.5
	wordBoundaryMin     = 0.7
)

// Options tunes summary extraction.
type Options struct {
	MaxSentences int
	MaxChars     int
}

// DefaultOptions returns the default extraction budgets.
func DefaultOptions() Options {
	return Options{MaxSentences: DefaultMaxSentences, MaxChars: DefaultMaxChars}
}

// Result is the outcome of extracting a spoken summary.
type Result struct {
	// Summary is the text to speak. Never empty when the input contained
	// any non-whitespace text.
	Summary string
	// Display is the text to render, with any summary block removed.
	Display string
	// FromBlock reports whether the summary came from a delimited block.
	FromBlock bool
}

// Extract pulls a spoken summary out of agent text. If the text contains
// a delimited summary block, its trimmed contents become the summary and
// the block is removed from the display text; otherwise the fallback
// accumulates whole sentences within the configured budgets.
func Extract(text string, opts Options) Result {
	if opts.MaxSentences <= 0 {
		opts.MaxSentences = DefaultMaxSentences
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}

	if summary, display, ok := extractBlock(text); ok {
		if summary == "" {
			// An empty block still removes the markers, but the summary
			// falls back to the display text.
			summary = fallbackSummary(display, opts)
		}
		return Result{Summary: summary, Display: display, FromBlock: true}
	}

	trimmed := strings.TrimSpace(text)
	return Result{Summary: fallbackSummary(trimmed, opts), Display: trimmed}
}

// extractBlock finds the first delimited summary block, case-insensitively.
func extractBlock(text string) (summary, display string, ok bool) {
	lower := strings.ToLower(text)
	open := strings.Index(lower, OpenMarker)
	if open < 0 {
		return "", "", false
	}
	rest := open + len(OpenMarker)
	closeRel := strings.Index(lower[rest:], CloseMarker)
	if closeRel < 0 {
		return "", "", false
	}
	closeAbs := rest + closeRel

	summary = strings.TrimSpace(text[rest:closeAbs])
	display = strings.TrimSpace(text[:open] + " " + text[closeAbs+len(CloseMarker):])
	return summary, display, true
}

// fallbackSummary greedily accumulates whole sentences up to the sentence
// and character budgets. If no whole sentence fits, it truncates at the
// last sentence boundary within the budget, then the last word boundary,
// appending an ellipsis. The result is non-empty whenever text holds any
// non-whitespace; blank input yields an empty summary, and callers skip
// speaking empty text.
func fallbackSummary(text string, opts Options) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if len(text) <= opts.MaxChars {
		return text
	}

	var (
		sb    strings.Builder
		taken int
	)
	for _, sentence := range splitSentences(text) {
		candidate := len(sentence)
		if sb.Len() > 0 {
			candidate += sb.Len() + 1
		}
		if candidate > opts.MaxChars {
			break
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(sentence)
		taken++
		if taken >= opts.MaxSentences {
			break
		}
	}
	if taken > 0 {
		return sb.String()
	}

	return truncateAtBoundary(text, opts.MaxChars)
}

// splitSentences cuts text at `.`, `!` or `?` followed by whitespace or
// end of input. Fragments without a terminator are dropped; the
// truncation path handles those inputs.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 < len(text) && !unicode.IsSpace(rune(text[i+1])) {
				continue
			}
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	return sentences
}

const ellipsis = "…"

// truncateAtBoundary cuts text to fit budget, preferring the last
// sentence boundary at or past sentenceBoundaryMin of the budget, then
// the last word boundary at or past wordBoundaryMin, then a hard cut on
// a rune boundary. The ellipsis is appended on word-boundary and hard
// cuts and counts against the budget.
func truncateAtBoundary(text string, budget int) string {
	if len(text) <= budget {
		return text
	}
	window := cutAtRune(text, budget)

	sentenceFloor := int(float64(budget) * sentenceBoundaryMin)
	if cut := lastSentenceEnd(window); cut >= sentenceFloor {
		return strings.TrimSpace(window[:cut])
	}

	// Leave room for the ellipsis appended below.
	window = cutAtRune(text, budget-len(ellipsis))
	wordFloor := int(float64(budget) * wordBoundaryMin)
	if cut := strings.LastIndexFunc(window, unicode.IsSpace); cut >= wordFloor {
		return strings.TrimSpace(window[:cut]) + ellipsis
	}

	return window + ellipsis
}

// cutAtRune truncates text to at most max bytes, backing off so the cut
// never lands inside a multi-byte rune.
func cutAtRune(text string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// lastSentenceEnd returns the index just past the last sentence
// terminator in s, or -1.
func lastSentenceEnd(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			return i + 1
		}
	}
	return -1
}
