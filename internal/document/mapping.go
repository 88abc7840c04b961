package document

import (
	"errors"
	"sort"
)

// ErrUnmapped is returned when a queried plain-text range falls entirely
// inside a separator gap and has no corresponding source range.
var ErrUnmapped = errors.New("plain range has no source mapping")

// OffsetMapping is a contiguous run where plain-text offsets
// [PlainStart, PlainEnd) correspond linearly to source offsets
// [SourceStart, SourceEnd). A document's full mapping is an ordered
// sequence of non-overlapping runs; separator characters inserted by the
// flattener fall in the gaps between runs and belong to no source range.
type OffsetMapping struct {
	PlainStart  int `json:"plain_start"`
	PlainEnd    int `json:"plain_end"`
	SourceStart int `json:"source_start"`
	SourceEnd   int `json:"source_end"`
}

// Resolver translates plain-text ranges into source ranges over a mapping
// sequence. It keeps a cursor into the sequence so the dominant access
// pattern (sequential, monotonically increasing queries) advances forward
// without searching; non-monotonic queries fall back to a binary search.
type Resolver struct {
	mapping []OffsetMapping
	cursor  int
}

// NewResolver creates a resolver over the given mapping sequence.
// The sequence must be ordered by PlainStart.
func NewResolver(mapping []OffsetMapping) *Resolver {
	return &Resolver{mapping: mapping}
}

// Resolve maps the plain range [plainStart, plainEnd) to a source range.
// A query that straddles multiple mapping entries resolves to a span from
// the first covering entry to the last covering entry: highlighting
// slightly more source text is acceptable, losing the highlight is not.
// Returns ErrUnmapped only when the query falls entirely inside a gap.
func (r *Resolver) Resolve(plainStart, plainEnd int) (sourceStart, sourceEnd int, err error) {
	m := r.mapping
	if len(m) == 0 || plainEnd <= plainStart {
		return 0, 0, ErrUnmapped
	}

	// Re-seek with a binary search when the query is not ahead of the cursor.
	if r.cursor >= len(m) || plainStart < m[r.cursor].PlainStart {
		r.cursor = sort.Search(len(m), func(i int) bool {
			return m[i].PlainEnd > plainStart
		})
	}
	for r.cursor < len(m) && m[r.cursor].PlainEnd <= plainStart {
		r.cursor++
	}

	first := r.cursor
	if first >= len(m) || m[first].PlainStart >= plainEnd {
		// The query lies entirely inside a separator gap.
		return 0, 0, ErrUnmapped
	}

	last := first
	for last+1 < len(m) && m[last+1].PlainStart < plainEnd {
		last++
	}

	sourceStart = interpolate(m[first], plainStart)
	sourceEnd = interpolate(m[last], plainEnd)
	return sourceStart, sourceEnd, nil
}

// interpolate maps a single plain offset into an entry's source range,
// clamping to the entry bounds. Supports non-equal-length runs.
func interpolate(e OffsetMapping, plain int) int {
	if plain <= e.PlainStart {
		return e.SourceStart
	}
	if plain >= e.PlainEnd {
		return e.SourceEnd
	}
	plainLen := e.PlainEnd - e.PlainStart
	sourceLen := e.SourceEnd - e.SourceStart
	return e.SourceStart + (plain-e.PlainStart)*sourceLen/plainLen
}

// Validate checks the structural invariants of a mapping sequence: plain
// ranges ordered and non-overlapping, source ranges non-regressing.
func Validate(mapping []OffsetMapping) error {
	for i, e := range mapping {
		if e.PlainEnd < e.PlainStart || e.SourceEnd < e.SourceStart {
			return errors.New("mapping entry has negative length")
		}
		if i == 0 {
			continue
		}
		prev := mapping[i-1]
		if e.PlainStart < prev.PlainEnd {
			return errors.New("mapping plain ranges overlap")
		}
		if e.SourceStart < prev.SourceEnd {
			return errors.New("mapping source ranges overlap or regress")
		}
	}
	return nil
}
