// Package chunk splits a source document into the contiguous slices the
// pipeline processes one extraction call at a time.
//
// Splitting happens on paragraph boundaries so dialogue lines are never cut
// mid-sentence; oversized paragraphs are split hard at the size cap. Each
// chunk carries its byte offsets into the original document.
package chunk

import "strings"

const (
	DefaultTargetSize = 4000
	DefaultMaxSize    = 6000
)

// Options configures chunking behavior.
type Options struct {
	// TargetSize is the preferred chunk size in bytes.
	TargetSize int

	// MaxSize is the hard cap; a single paragraph beyond it is split.
	MaxSize int
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MaxSize:    DefaultMaxSize,
	}
}

// Chunk is one contiguous slice of the source document. Index is the
// 0-based position in document order; Start and End are byte offsets into
// the original text.
type Chunk struct {
	Index int
	Text  string
	Start int
	End   int
}

// Split cuts text into chunks on paragraph boundaries. Short text returns a
// single chunk; empty or whitespace-only text returns nil.
func Split(text string, opts Options) []Chunk {
	if opts.TargetSize <= 0 {
		opts = DefaultOptions()
	}
	if opts.MaxSize < opts.TargetSize {
		opts.MaxSize = opts.TargetSize
	}

	if strings.TrimSpace(text) == "" {
		return nil
	}

	if len(text) <= opts.MaxSize {
		return []Chunk{{Index: 0, Text: text, Start: 0, End: len(text)}}
	}

	paragraphs := splitParagraphs(text, opts.MaxSize)

	var chunks []Chunk
	start := -1
	end := 0

	flush := func() {
		if start < 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  text[start:end],
			Start: start,
			End:   end,
		})
		start = -1
	}

	for _, p := range paragraphs {
		if start >= 0 && p.end-start > opts.TargetSize {
			flush()
		}
		if start < 0 {
			start = p.start
		}
		end = p.end
		if end-start >= opts.TargetSize {
			flush()
		}
	}
	flush()

	return chunks
}

// span is a half-open byte range of one paragraph.
type span struct {
	start int
	end   int
}

// splitParagraphs finds paragraph spans (separated by blank lines), hard
// splitting any paragraph larger than maxSize.
func splitParagraphs(text string, maxSize int) []span {
	var spans []span

	pos := 0
	for pos < len(text) {
		sep := strings.Index(text[pos:], "\n\n")
		end := len(text)
		if sep >= 0 {
			end = pos + sep + 2
		}

		for end-pos > maxSize {
			spans = append(spans, span{start: pos, end: pos + maxSize})
			pos += maxSize
		}
		spans = append(spans, span{start: pos, end: end})
		pos = end
	}

	return spans
}

// Neighbors returns the text of the chunks immediately before and after
// chunk i, used as extraction context. Empty at document edges.
func Neighbors(chunks []Chunk, i int) (prev, next string) {
	if i > 0 {
		prev = chunks[i-1].Text
	}
	if i+1 < len(chunks) {
		next = chunks[i+1].Text
	}
	return prev, next
}
