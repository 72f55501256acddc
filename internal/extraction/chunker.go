// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package extraction

import (
	"strings"
)

// ChunkingOptions tune how extracted text is split. Zero sizes take the
// defaults below; an Overlap of zero means no overlap.
type ChunkingOptions struct {
	MinChunkSize int
	MaxChunkSize int
	Overlap      int
}

const (
	defaultMinChunkSize = 200
	defaultMaxChunkSize = 1500
	defaultOverlap      = 100
)

func (o ChunkingOptions) withDefaults() ChunkingOptions {
	if o.MinChunkSize <= 0 {
		o.MinChunkSize = defaultMinChunkSize
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = defaultMaxChunkSize
	}
	if o.MaxChunkSize < o.MinChunkSize {
		o.MaxChunkSize = o.MinChunkSize
	}
	if o.Overlap < 0 || o.Overlap >= o.MaxChunkSize {
		o.Overlap = defaultOverlap
	}
	return o
}

// Chunk is one position-indexed slice of a file's content. Position, not
// queue order, preserves per-file chunk ordering end to end.
type Chunk struct {
	Content  string
	Position int
	Metadata map[string]any
}

// Chunker splits extracted text into chunks.
type Chunker interface {
	Chunk(text string, opts ChunkingOptions) []Chunk
}

// SemanticChunker splits on paragraph boundaries, packing paragraphs into
// chunks up to MaxChunkSize and carrying Overlap characters of trailing
// context into the next chunk. Oversized paragraphs are split on sentence
// boundaries.
type SemanticChunker struct{}

func NewSemanticChunker() *SemanticChunker {
	return &SemanticChunker{}
}

func (c *SemanticChunker) Chunk(text string, opts ChunkingOptions) []Chunk {
	opts = opts.withDefaults()

	text = strings.TrimSpace(Sanitize(text))
	if text == "" {
		return nil
	}

	var pieces []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= opts.MaxChunkSize {
			pieces = append(pieces, para)
			continue
		}
		pieces = append(pieces, splitSentences(para, opts.MaxChunkSize)...)
	}

	var chunks []Chunk
	var sb strings.Builder
	flush := func() {
		content := strings.TrimSpace(sb.String())
		if content == "" {
			return
		}
		chunks = append(chunks, Chunk{
			Content:  content,
			Position: len(chunks),
			Metadata: map[string]any{
				"chunk_type":     "text",
				"content_length": len(content),
			},
		})
		sb.Reset()
		if opts.Overlap > 0 && len(content) > opts.Overlap {
			sb.WriteString(content[len(content)-opts.Overlap:])
			sb.WriteString("\n")
		}
	}

	for _, piece := range pieces {
		if sb.Len() > 0 && sb.Len()+len(piece)+1 > opts.MaxChunkSize {
			flush()
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(piece)
	}
	flush()

	// Merge a trailing runt into its predecessor rather than emitting a
	// chunk below the minimum size.
	if n := len(chunks); n > 1 && len(chunks[n-1].Content) < opts.MinChunkSize {
		prev := &chunks[n-2]
		prev.Content = prev.Content + "\n\n" + chunks[n-1].Content
		prev.Metadata["content_length"] = len(prev.Content)
		chunks = chunks[:n-1]
	}

	return chunks
}

// splitSentences breaks an oversized paragraph on sentence terminators,
// hard-splitting any single sentence longer than maxSize.
func splitSentences(para string, maxSize int) []string {
	var out []string
	var sb strings.Builder
	for _, r := range para {
		sb.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && sb.Len() >= maxSize/2 {
			out = append(out, strings.TrimSpace(sb.String()))
			sb.Reset()
		} else if sb.Len() >= maxSize {
			out = append(out, strings.TrimSpace(sb.String()))
			sb.Reset()
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		out = append(out, s)
	}
	return out
}
