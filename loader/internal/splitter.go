package internal

import (
	"fmt"
	"privaterag/types"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// DefaultSeparators are tried in order: paragraph, line, sentence, word.
// Text that still does not fit is cut at rune boundaries.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " "}

// Splitter cuts text into chunks of at most chunkSize runes. Consecutive
// chunks share up to chunkOverlap runes, made of whole pieces, so every
// chunk is an exact substring and Rejoin reproduces the input.
type Splitter struct {
	chunkSize    int
	chunkOverlap int
	separators   []string
}

type Option func(*Splitter)

func WithChunkSize(n int) Option {
	return func(s *Splitter) {
		s.chunkSize = n
	}
}

func WithChunkOverlap(n int) Option {
	return func(s *Splitter) {
		s.chunkOverlap = n
	}
}

func WithSeparators(seps ...string) Option {
	return func(s *Splitter) {
		s.separators = seps
	}
}

func NewSplitter(opts ...Option) (*Splitter, error) {
	s := &Splitter{
		chunkSize:    DefaultChunkSize,
		chunkOverlap: DefaultChunkOverlap,
		separators:   DefaultSeparators,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", s.chunkSize)
	}
	if s.chunkOverlap < 0 || s.chunkOverlap >= s.chunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", s.chunkOverlap, s.chunkSize)
	}
	return s, nil
}

func (s *Splitter) ChunkSize() int    { return s.chunkSize }
func (s *Splitter) ChunkOverlap() int { return s.chunkOverlap }

// Span is one chunk of a text, in rune offsets.
type Span struct {
	Text    string
	Start   int
	Overlap int
}

// SplitText returns the chunks of text in order.
func (s *Splitter) SplitText(text string) []Span {
	if text == "" {
		return nil
	}

	pieces := s.pieces(text, s.separators)
	lens := make([]int, len(pieces))
	offs := make([]int, len(pieces)+1)
	for i, p := range pieces {
		lens[i] = utf8.RuneCountInString(p)
		offs[i+1] = offs[i] + lens[i]
	}

	var (
		spans   []Span
		prevEnd int
		lo      int
		total   int
	)
	emit := func(hi int) {
		start := offs[lo]
		overlap := 0
		if len(spans) > 0 && prevEnd > start {
			overlap = prevEnd - start
		}
		spans = append(spans, Span{
			Text:    strings.Join(pieces[lo:hi], ""),
			Start:   start,
			Overlap: overlap,
		})
		prevEnd = offs[hi]
	}

	for i, n := range lens {
		if total+n > s.chunkSize && i > lo {
			emit(i)
			for total > s.chunkOverlap || (total+n > s.chunkSize && total > 0) {
				total -= lens[lo]
				lo++
			}
		}
		total += n
	}
	if lo < len(pieces) {
		emit(len(pieces))
	}
	return spans
}

// pieces breaks text into fragments no longer than chunkSize, keeping each
// separator attached to the fragment it ends, so the fragments concatenate
// back to text.
func (s *Splitter) pieces(text string, seps []string) []string {
	if utf8.RuneCountInString(text) <= s.chunkSize {
		return []string{text}
	}
	for i, sep := range seps {
		if sep == "" || !strings.Contains(text, sep) {
			continue
		}
		var out []string
		for _, part := range strings.SplitAfter(text, sep) {
			if part == "" {
				continue
			}
			if utf8.RuneCountInString(part) <= s.chunkSize {
				out = append(out, part)
				continue
			}
			out = append(out, s.pieces(part, seps[i+1:])...)
		}
		return out
	}
	return s.hardSplit(text)
}

func (s *Splitter) hardSplit(text string) []string {
	runes := []rune(text)
	out := make([]string, 0, len(runes)/s.chunkSize+1)
	for start := 0; start < len(runes); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// Split chunks one document. Chunk metadata is the document metadata plus
// the chunk position.
func (s *Splitter) Split(doc *types.Document) []types.Chunk {
	spans := s.SplitText(doc.Text)
	chunks := make([]types.Chunk, 0, len(spans))
	for i, sp := range spans {
		meta := types.CloneMetadata(doc.Metadata)
		meta["chunk_index"] = strconv.Itoa(i)
		chunks = append(chunks, types.Chunk{
			ID:       uuid.New(),
			DocID:    doc.ID,
			Index:    i,
			Offset:   sp.Start,
			Overlap:  sp.Overlap,
			Content:  sp.Text,
			Metadata: meta,
		})
	}
	return chunks
}

func (s *Splitter) SplitDocuments(docs []*types.Document) []types.Chunk {
	var out []types.Chunk
	for _, d := range docs {
		out = append(out, s.Split(d)...)
	}
	return out
}

// Rejoin reverses Split for the chunks of one document given in index
// order: each chunk after the first drops its overlapping prefix.
func Rejoin(chunks []types.Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if i == 0 || c.Overlap == 0 {
			b.WriteString(c.Content)
			continue
		}
		runes := []rune(c.Content)
		if c.Overlap >= len(runes) {
			continue
		}
		b.WriteString(string(runes[c.Overlap:]))
	}
	return b.String()
}
