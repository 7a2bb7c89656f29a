// Package voicecmd detects spoken control phrases in final transcripts.
//
// The filter sits above the orchestrator: a matched phrase is intercepted
// and turned into the corresponding orchestrator call instead of entering
// the reply pipeline. The orchestrator itself never inspects transcript
// text.
package voicecmd

import (
	"log/slog"
	"strings"

	"github.com/antzucaro/matchr"
)

// defaultMinScore is the Jaro-Winkler similarity at or above which a
// transcript counts as a phrase match. Tolerates small transcription slips
// without matching unrelated sentences.
const defaultMinScore = 0.92

// defaultClearPhrases are the built-in clear-history trigger phrases.
func defaultClearPhrases() []string {
	return []string{
		"clear history",
		"start over",
		"forget everything",
		"清空对话",
		"重新开始",
	}
}

// Option is a functional option for a Filter.
type Option func(*Filter)

// WithClearPhrases replaces the built-in clear-history phrases.
func WithClearPhrases(phrases []string) Option {
	return func(f *Filter) { f.clearPhrases = phrases }
}

// WithMinScore overrides the fuzzy-match threshold (0..1).
func WithMinScore(score float64) Option {
	return func(f *Filter) { f.minScore = score }
}

// Filter checks final transcripts against spoken control phrases. Stateless
// and safe for concurrent use.
type Filter struct {
	clearPhrases []string
	minScore     float64
}

// New creates a Filter with the built-in phrase set.
func New(opts ...Option) *Filter {
	f := &Filter{
		clearPhrases: defaultClearPhrases(),
		minScore:     defaultMinScore,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// IsClearHistory reports whether text is a clear-history command: an exact
// phrase match after normalisation, or a close fuzzy match tolerating minor
// transcription errors.
func (f *Filter) IsClearHistory(text string) bool {
	norm := normalize(text)
	if norm == "" {
		return false
	}

	for _, phrase := range f.clearPhrases {
		p := normalize(phrase)
		if norm == p {
			slog.Debug("voicecmd: clear-history phrase matched", "phrase", phrase)
			return true
		}
		if matchr.JaroWinkler(norm, p, false) >= f.minScore {
			slog.Debug("voicecmd: clear-history phrase fuzzy-matched",
				"phrase", phrase,
				"text", text,
			)
			return true
		}
	}
	return false
}

// normalize lowercases, trims whitespace, and strips surrounding
// punctuation so "Clear history." matches "clear history".
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Trim(s, ".,!?;:。！？，、 ")
}
