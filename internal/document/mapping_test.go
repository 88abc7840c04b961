package document

import (
	"testing"
)

// mapping for plain text "Title Some bold text." flattened from
// "# Title\n\nSome **bold** text."
func sampleMapping() []OffsetMapping {
	return []OffsetMapping{
		{PlainStart: 0, PlainEnd: 5, SourceStart: 2, SourceEnd: 7},    // "Title"
		{PlainStart: 6, PlainEnd: 11, SourceStart: 9, SourceEnd: 14},  // "Some "
		{PlainStart: 11, PlainEnd: 15, SourceStart: 16, SourceEnd: 20}, // "bold"
		{PlainStart: 15, PlainEnd: 21, SourceStart: 22, SourceEnd: 28}, // " text."
	}
}

func TestResolver_ExactEntry(t *testing.T) {
	resolver := NewResolver(sampleMapping())

	start, end, err := resolver.Resolve(11, 15)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if start != 16 || end != 20 {
		t.Errorf("Expected source range [16, 20), got [%d, %d)", start, end)
	}
}

func TestResolver_SubRange(t *testing.T) {
	resolver := NewResolver(sampleMapping())

	// "Some" inside the "Some " entry
	start, end, err := resolver.Resolve(6, 10)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if start != 9 || end != 13 {
		t.Errorf("Expected source range [9, 13), got [%d, %d)", start, end)
	}
}

func TestResolver_WidensAcrossEntries(t *testing.T) {
	resolver := NewResolver(sampleMapping())

	// A word straddling the "Some " and "bold" entries resolves to a span
	// covering both; widening is deliberate, not an error
	start, end, err := resolver.Resolve(9, 13)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if start != 12 {
		t.Errorf("Expected source start 12, got %d", start)
	}
	if end != 18 {
		t.Errorf("Expected source end 18, got %d", end)
	}
}

func TestResolver_SeparatorGapUnmapped(t *testing.T) {
	resolver := NewResolver(sampleMapping())

	// The separator between "Title" and "Some " is plain range [5, 6)
	if _, _, err := resolver.Resolve(5, 6); err != ErrUnmapped {
		t.Errorf("Expected ErrUnmapped for separator gap, got %v", err)
	}
}

func TestResolver_QueryTouchingGapEdge(t *testing.T) {
	resolver := NewResolver(sampleMapping())

	// A query starting inside the gap but overlapping the next entry
	// resolves from that entry's start
	start, _, err := resolver.Resolve(5, 8)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if start != 9 {
		t.Errorf("Expected source start 9, got %d", start)
	}
}

func TestResolver_MonotonicSequence(t *testing.T) {
	resolver := NewResolver(sampleMapping())

	queries := []struct {
		plainStart, plainEnd   int
		sourceStart, sourceEnd int
	}{
		{0, 5, 2, 7},
		{6, 10, 9, 13},
		{11, 15, 16, 20},
		{16, 20, 23, 27},
	}

	for _, q := range queries {
		start, end, err := resolver.Resolve(q.plainStart, q.plainEnd)
		if err != nil {
			t.Fatalf("Resolve(%d, %d) failed: %v", q.plainStart, q.plainEnd, err)
		}
		if start != q.sourceStart || end != q.sourceEnd {
			t.Errorf("Resolve(%d, %d): expected [%d, %d), got [%d, %d)",
				q.plainStart, q.plainEnd, q.sourceStart, q.sourceEnd, start, end)
		}
	}
}

func TestResolver_NonMonotonicFallsBack(t *testing.T) {
	resolver := NewResolver(sampleMapping())

	// Advance the cursor to the end, then query backwards
	if _, _, err := resolver.Resolve(15, 21); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	start, end, err := resolver.Resolve(0, 5)
	if err != nil {
		t.Fatalf("Resolve() after backwards seek failed: %v", err)
	}
	if start != 2 || end != 7 {
		t.Errorf("Expected source range [2, 7), got [%d, %d)", start, end)
	}
}

func TestResolver_NonEqualLengthRuns(t *testing.T) {
	// A substitution policy may legitimately produce runs whose plain and
	// source lengths differ; resolution interpolates proportionally
	mapping := []OffsetMapping{
		{PlainStart: 0, PlainEnd: 4, SourceStart: 10, SourceEnd: 18},
	}
	resolver := NewResolver(mapping)

	start, end, err := resolver.Resolve(1, 3)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if start != 12 || end != 16 {
		t.Errorf("Expected source range [12, 16), got [%d, %d)", start, end)
	}
}

func TestResolver_EmptyMapping(t *testing.T) {
	resolver := NewResolver(nil)
	if _, _, err := resolver.Resolve(0, 5); err != ErrUnmapped {
		t.Errorf("Expected ErrUnmapped for empty mapping, got %v", err)
	}
}

func TestResolver_EmptyRange(t *testing.T) {
	resolver := NewResolver(sampleMapping())
	if _, _, err := resolver.Resolve(3, 3); err != ErrUnmapped {
		t.Errorf("Expected ErrUnmapped for empty query range, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(sampleMapping()); err != nil {
		t.Errorf("Expected valid mapping, got %v", err)
	}

	overlapping := []OffsetMapping{
		{PlainStart: 0, PlainEnd: 5, SourceStart: 0, SourceEnd: 5},
		{PlainStart: 3, PlainEnd: 8, SourceStart: 6, SourceEnd: 11},
	}
	if err := Validate(overlapping); err == nil {
		t.Error("Expected error for overlapping plain ranges")
	}

	regressing := []OffsetMapping{
		{PlainStart: 0, PlainEnd: 5, SourceStart: 10, SourceEnd: 15},
		{PlainStart: 5, PlainEnd: 10, SourceStart: 2, SourceEnd: 7},
	}
	if err := Validate(regressing); err == nil {
		t.Error("Expected error for regressing source ranges")
	}
}
