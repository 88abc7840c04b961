// Package timing locates the speech backend's word-level timing records in
// a chunk's plain text and resolves each spoken word to a source-document
// span via the chunk's offset mapping.
package timing

import (
	"strings"
	"unicode"

	"github.com/glowread/read-gateway/internal/chunking"
	"github.com/glowread/read-gateway/internal/document"
	"github.com/glowread/read-gateway/internal/speech"
)

// FallbackPolicy selects how words the backend reported but the bridge
// could not locate in the chunk text are assigned a source span. Exact
// unmatched-word behavior is configurable rather than load-bearing.
type FallbackPolicy int

const (
	// FallbackNeighborSpan assigns the span of the nearest preceding matched
	// word, widened to the following matched word's start. Playback never
	// desynchronizes indefinitely.
	FallbackNeighborSpan FallbackPolicy = iota

	// FallbackNone leaves unmatched words without a span; the synchronizer
	// shows no highlight for them.
	FallbackNone
)

// PolicyFromString maps a configuration value to a FallbackPolicy,
// defaulting to FallbackNeighborSpan.
func PolicyFromString(s string) FallbackPolicy {
	if s == "none" {
		return FallbackNone
	}
	return FallbackNeighborSpan
}

// MappedWord is a speech-timed word resolved into a source-document span.
// Created once per chunk when the chunk's timing data arrives; immutable
// thereafter.
type MappedWord struct {
	Word      string
	StartTime float64
	EndTime   float64

	SourceStart int
	SourceEnd   int
	HasSpan     bool // False when the word resolved to no source range
	Matched     bool // False when the word text was not found in the chunk
}

// Stats summarizes how well a chunk's timing records matched its text.
type Stats struct {
	Matched       int
	MatchFailures int
	UnmappedSpans int
}

// Resolve performs sequential word-by-word matching of the backend's timing
// records against the chunk's plain text and maps every matched word to a
// source span. Output preserves input order and always has the same length
// as the input; unmatched words receive a best-effort span per the policy,
// never dropped.
func Resolve(chunk chunking.Chunk, timestamps []speech.WordTimestamp, policy FallbackPolicy) ([]MappedWord, Stats) {
	words := make([]MappedWord, len(timestamps))
	resolver := document.NewResolver(chunk.Mapping)
	stats := Stats{}

	searchPos := 0
	for i, ts := range timestamps {
		words[i] = MappedWord{
			Word:      ts.Word,
			StartTime: ts.StartTime,
			EndTime:   ts.EndTime,
		}

		want := normalizeWord(ts.Word)
		if want == "" {
			// Punctuation-only token from the backend; nothing to locate
			stats.MatchFailures++
			continue
		}

		start, end, found := findWord(chunk.Text, searchPos, want)
		if !found {
			// Backend tokenization mismatch (contractions, numerals spoken
			// differently from written form). Do not consume text; the next
			// timestamp searches from the same position.
			stats.MatchFailures++
			continue
		}
		searchPos = end

		words[i].Matched = true
		srcStart, srcEnd, err := resolver.Resolve(start, end)
		if err != nil {
			// Entirely inside a separator gap: no highlight for this word
			stats.UnmappedSpans++
			continue
		}
		words[i].SourceStart = srcStart
		words[i].SourceEnd = srcEnd
		words[i].HasSpan = true
		stats.Matched++
	}

	if policy == FallbackNeighborSpan {
		applyNeighborFallback(words)
	}

	return words, stats
}

// applyNeighborFallback assigns spans to unmatched words from their matched
// neighbors: the preceding matched word's span widened to the following
// matched word's start.
func applyNeighborFallback(words []MappedWord) {
	for i := range words {
		if words[i].HasSpan {
			continue
		}

		var prev, next *MappedWord
		for j := i - 1; j >= 0; j-- {
			if words[j].HasSpan {
				prev = &words[j]
				break
			}
		}
		for j := i + 1; j < len(words); j++ {
			if words[j].HasSpan {
				next = &words[j]
				break
			}
		}

		switch {
		case prev != nil && next != nil:
			words[i].SourceStart = prev.SourceStart
			words[i].SourceEnd = max(prev.SourceEnd, next.SourceStart)
			words[i].HasSpan = true
		case prev != nil:
			words[i].SourceStart = prev.SourceStart
			words[i].SourceEnd = prev.SourceEnd
			words[i].HasSpan = true
		case next != nil:
			words[i].SourceStart = next.SourceStart
			words[i].SourceEnd = next.SourceEnd
			words[i].HasSpan = true
		}
		// Neither neighbor matched: the word stays without a span
	}
}

// findWord searches forward from pos for the next token equal to want,
// case-insensitive, ignoring punctuation adjacency. Returns the token's
// byte range in text.
func findWord(text string, pos int, want string) (start, end int, found bool) {
	for {
		tokStart, tokEnd := nextToken(text, pos)
		if tokStart < 0 {
			return 0, 0, false
		}
		if strings.EqualFold(text[tokStart:tokEnd], want) {
			return tokStart, tokEnd, true
		}
		pos = tokEnd
	}
}

// nextToken returns the byte range of the next word token at or after pos,
// or (-1, -1) when no token remains. A token is a maximal run of letters,
// digits and apostrophes.
func nextToken(text string, pos int) (int, int) {
	start := -1
	for i, r := range text[pos:] {
		abs := pos + i
		if isWordRune(r) {
			if start < 0 {
				start = abs
			}
			continue
		}
		if start >= 0 {
			return start, abs
		}
	}
	if start >= 0 {
		return start, len(text)
	}
	return -1, -1
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '’'
}

// normalizeWord strips punctuation adjacency from a backend word, keeping
// letters, digits and apostrophes.
func normalizeWord(w string) string {
	var b strings.Builder
	for _, r := range w {
		if isWordRune(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
