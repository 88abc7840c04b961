// Package chunking partitions flattened document text into bounded-size
// speakable chunks for streaming synthesis, preserving the offset mapping
// across chunk boundaries.
package chunking

import (
	"github.com/glowread/read-gateway/internal/document"
)

// Chunk is a bounded contiguous slice of the flattened plain text submitted
// as one synthesis request. Mapping holds the chunk's slice of the offset
// mapping rebased to chunk-local plain offsets; source offsets stay
// absolute. PlainStart is the chunk's offset in the full plain text.
type Chunk struct {
	Text       string
	Mapping    []document.OffsetMapping
	PlainStart int
	Index      int
}

// unit is a separator-delimited run of plain text, the smallest piece the
// splitter will not break.
type unit struct {
	start, end int
}

// Split partitions the flattened plain text into chunks of at most
// maxChunkChars, splitting only at the separator gaps introduced by the
// flattener. Units are accumulated greedily; a single unit longer than
// maxChunkChars becomes its own oversized chunk rather than being broken
// mid-word. The chunk sequence is produced eagerly so downstream synthesis
// can prefetch the next chunk ahead of the current one finishing.
func Split(plainText string, mapping []document.OffsetMapping, maxChunkChars int) []Chunk {
	if len(plainText) == 0 {
		return nil
	}
	if maxChunkChars <= 0 || len(plainText) <= maxChunkChars {
		return []Chunk{{
			Text:    plainText,
			Mapping: sliceMapping(mapping, 0, len(plainText)),
			Index:   0,
		}}
	}

	units := splitUnits(plainText, mapping)

	var chunks []Chunk
	chunkStart := units[0].start
	chunkEnd := units[0].end
	for _, u := range units[1:] {
		// The separator run between units stays inside the chunk text so
		// concatenating chunks round-trips the plain text.
		if u.end-chunkStart <= maxChunkChars {
			chunkEnd = u.end
			continue
		}
		chunks = append(chunks, makeChunk(plainText, mapping, chunkStart, chunkEnd, len(chunks)))
		chunkStart = u.start
		chunkEnd = u.end
	}
	chunks = append(chunks, makeChunk(plainText, mapping, chunkStart, chunkEnd, len(chunks)))

	return chunks
}

// Reassemble reconstructs the full plain text from a chunk sequence using
// the separators consumed at split points. It is the inverse of Split.
func Reassemble(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	out := chunks[0].Text
	for _, c := range chunks[1:] {
		out += document.BlockSeparator + c.Text
	}
	return out
}

// splitUnits derives the separator-delimited units from the mapping: every
// uncovered plain range between consecutive entries is a separator gap and
// therefore a legal split point.
func splitUnits(plainText string, mapping []document.OffsetMapping) []unit {
	var units []unit
	start := 0
	covered := 0
	for _, e := range mapping {
		if e.PlainStart > covered && covered > 0 {
			units = append(units, unit{start: start, end: covered})
			start = e.PlainStart
		}
		if e.PlainEnd > covered {
			covered = e.PlainEnd
		}
	}
	if covered < len(plainText) {
		// Trailing uncovered text has no split point after it
		covered = len(plainText)
	}
	units = append(units, unit{start: start, end: covered})
	return units
}

func makeChunk(plainText string, mapping []document.OffsetMapping, start, end, index int) Chunk {
	return Chunk{
		Text:       plainText[start:end],
		Mapping:    sliceMapping(mapping, start, end),
		PlainStart: start,
		Index:      index,
	}
}

// sliceMapping clips the mapping to the plain range [start, end) and
// rebases plain offsets so they are chunk-local. An entry crossing a chunk
// boundary is split at the boundary with a proportionally clipped source
// range, keeping every chunk independently resolvable.
func sliceMapping(mapping []document.OffsetMapping, start, end int) []document.OffsetMapping {
	var out []document.OffsetMapping
	for _, e := range mapping {
		if e.PlainEnd <= start || e.PlainStart >= end {
			continue
		}
		clipped := clipEntry(e, start, end)
		clipped.PlainStart -= start
		clipped.PlainEnd -= start
		out = append(out, clipped)
	}
	return out
}

func clipEntry(e document.OffsetMapping, start, end int) document.OffsetMapping {
	plainLen := e.PlainEnd - e.PlainStart
	sourceLen := e.SourceEnd - e.SourceStart
	if e.PlainStart < start {
		e.SourceStart += (start - e.PlainStart) * sourceLen / plainLen
		e.PlainStart = start
	}
	if e.PlainEnd > end {
		e.SourceEnd -= (e.PlainEnd - end) * sourceLen / plainLen
		e.PlainEnd = end
	}
	return e
}
