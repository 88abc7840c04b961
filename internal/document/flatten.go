package document

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// BlockSeparator is the fixed-width whitespace run inserted between
// block-level elements. Separator characters belong to no source range.
const BlockSeparator = " "

// FlattenResult is the speakable rendition of a markdown document together
// with the offset mapping back into the original source.
type FlattenResult struct {
	PlainText string
	Mapping   []OffsetMapping
}

// Flatten parses a markdown source document and renders it as flat
// speakable text. Code blocks, code spans and raw HTML are skipped
// entirely; every emitted run of text carries a mapping entry correlating
// its plain range to the leaf's source byte range. Flattening is
// deterministic: identical source always yields identical output.
func Flatten(source []byte) (*FlattenResult, error) {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(source))

	f := &flattener{source: source}
	if err := ast.Walk(doc, f.visit); err != nil {
		return nil, err
	}

	return &FlattenResult{
		PlainText: f.plain.String(),
		Mapping:   f.mapping,
	}, nil
}

type flattener struct {
	source  []byte
	plain   strings.Builder
	mapping []OffsetMapping

	// pendingSeparator is set when a block element closes; the separator is
	// only written once the next speakable run arrives, so the plain text
	// never ends with trailing separators.
	pendingSeparator bool
}

func (f *flattener) visit(n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		if n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument && f.plain.Len() > 0 {
			f.pendingSeparator = true
		}
		return ast.WalkContinue, nil
	}

	switch v := n.(type) {
	case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
		// Non-speakable blocks: their source ranges are not emitted and are
		// not covered by any mapping entry.
		return ast.WalkSkipChildren, nil

	case *ast.CodeSpan, *ast.RawHTML:
		return ast.WalkSkipChildren, nil

	case *ast.Text:
		seg := v.Segment
		if seg.Len() > 0 {
			f.emitRun(string(f.source[seg.Start:seg.Stop]), seg.Start, seg.Stop)
		}
		if v.SoftLineBreak() || v.HardLineBreak() {
			// Line terminators are markup, not prose. Emit a single unmapped
			// filler space so words on adjacent lines stay separated.
			if f.plain.Len() > 0 && !f.pendingSeparator {
				f.plain.WriteString(BlockSeparator)
			}
		}

	case *ast.String:
		// Generated text with no source segment cannot be mapped back, so it
		// is not speakable.
		return ast.WalkContinue, nil
	}

	return ast.WalkContinue, nil
}

// emitRun appends one speakable run to the plain text and records its
// mapping entry. Runs map 1:1 in length today; the mapper supports
// non-equal-length runs should a substitution policy ever need them.
func (f *flattener) emitRun(run string, sourceStart, sourceEnd int) {
	if f.pendingSeparator {
		f.plain.WriteString(BlockSeparator)
		f.pendingSeparator = false
	}

	plainStart := f.plain.Len()
	f.plain.WriteString(run)
	f.mapping = append(f.mapping, OffsetMapping{
		PlainStart:  plainStart,
		PlainEnd:    plainStart + len(run),
		SourceStart: sourceStart,
		SourceEnd:   sourceEnd,
	})
}
