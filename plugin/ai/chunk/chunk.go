// Package chunk splits note and file content into overlapping segments for embedding.
package chunk

import (
	"regexp"
	"unicode/utf8"
)

const (
	// DefaultMaxLength is the default maximum chunk length in bytes.
	DefaultMaxLength = 1000
	// DefaultOverlap is the default overlap carried between adjacent chunks.
	DefaultOverlap = 100
)

// Chunk is a contiguous segment of a source text.
// Start and End are byte offsets into the source, End-Start == len(Text).
type Chunk struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Chunker splits text with a fixed configuration.
type Chunker struct {
	MaxLength int // default 1000
	Overlap   int // default 100
}

// NewChunker creates a Chunker, falling back to defaults for non-positive values.
func NewChunker(maxLength, overlap int) *Chunker {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	return &Chunker{MaxLength: maxLength, Overlap: overlap}
}

// Split splits text using the chunker configuration.
func (c *Chunker) Split(text string) []Chunk {
	return Split(text, c.MaxLength, c.Overlap)
}

var paragraphSeparator = regexp.MustCompile(`\n[ \t\r\f\v]*\n\s*`)

type span struct {
	start, end int
}

// Split divides text into chunks of at most maxLen bytes.
//
// Paragraphs (separated by blank lines) that fit are emitted whole. Longer paragraphs
// are split on sentence boundaries and packed; when a chunk is closed, the next one
// is seeded with a whole-word tail of about overlapLen bytes of the previous chunk.
// A sentence longer than maxLen is emitted as its own oversized chunk.
// Empty or blank text yields an empty slice.
func Split(text string, maxLen, overlapLen int) []Chunk {
	chunks := []Chunk{}
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}

	for _, p := range paragraphs(text) {
		if p.end-p.start <= maxLen {
			chunks = append(chunks, newChunk(text, p.start, p.end))
			continue
		}
		chunks = append(chunks, packSentences(text, sentences(text, p), maxLen, overlapLen)...)
	}
	return chunks
}

func newChunk(text string, start, end int) Chunk {
	return Chunk{Text: text[start:end], Start: start, End: end}
}

// paragraphs returns the trimmed, non-empty paragraph spans of text in order.
func paragraphs(text string) []span {
	var spans []span
	prev := 0
	for _, sep := range paragraphSeparator.FindAllStringIndex(text, -1) {
		if s, ok := trim(text, prev, sep[0]); ok {
			spans = append(spans, s)
		}
		prev = sep[1]
	}
	if s, ok := trim(text, prev, len(text)); ok {
		spans = append(spans, s)
	}
	return spans
}

func trim(text string, start, end int) (span, bool) {
	for start < end && isSpace(text[start]) {
		start++
	}
	for end > start && isSpace(text[end-1]) {
		end--
	}
	return span{start, end}, start < end
}

// sentences splits a paragraph span on terminal punctuation.
func sentences(text string, p span) []span {
	var spans []span
	start := p.start
	for i := p.start; i < p.end; {
		r, size := utf8.DecodeRuneInString(text[i:])
		end := -1
		switch r {
		case '.', '!', '?':
			if i+size < p.end && isSpace(text[i+size]) {
				end = i + size
			}
		case '。', '！', '？':
			end = i + size
		}
		i += size
		if end < 0 {
			continue
		}
		if s, ok := trim(text, start, end); ok {
			spans = append(spans, s)
		}
		start = end
	}
	if s, ok := trim(text, start, p.end); ok {
		spans = append(spans, s)
	}
	return spans
}

func packSentences(text string, sents []span, maxLen, overlapLen int) []Chunk {
	var chunks []Chunk
	var cur *span
	for _, s := range sents {
		if cur == nil {
			cur = &span{s.start, s.end}
			continue
		}
		if s.end-cur.start <= maxLen {
			cur.end = s.end
			continue
		}

		chunks = append(chunks, newChunk(text, cur.start, cur.end))
		next := span{s.start, s.end}
		if seed, ok := overlapStart(text, *cur, overlapLen); ok && s.end-seed <= maxLen {
			next.start = seed
		}
		cur = &next
	}
	if cur != nil {
		chunks = append(chunks, newChunk(text, cur.start, cur.end))
	}
	return chunks
}

// overlapStart returns the offset of the first whole word within the last
// overlapLen bytes of the closed chunk.
func overlapStart(text string, closed span, overlapLen int) (int, bool) {
	if overlapLen <= 0 {
		return 0, false
	}
	pos := closed.end - overlapLen
	if pos <= closed.start {
		return 0, false
	}
	for pos < closed.end && !isSpace(text[pos-1]) {
		pos++
	}
	for pos < closed.end && isSpace(text[pos]) {
		pos++
	}
	if pos >= closed.end {
		return 0, false
	}
	return pos, true
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}
