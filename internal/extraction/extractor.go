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

// Package extraction defines the content extraction and chunking
// capabilities the file pipeline consumes. The actual extraction engines
// (PDF, DOCX parsers) live behind the Extractor interface; this package
// ships the registry, the plain-text extractor, and the semantic chunker.
package extraction

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/cardinalhq/jobrunner/internal/jobs"
)

// Result is the outcome of extracting a file's content.
type Result struct {
	Text     string
	Metadata map[string]any
}

// Extractor pulls text out of a file's raw bytes.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (*Result, error)
}

// MIME types with dedicated extractors.
const (
	MimePDF      = "application/pdf"
	MimeDocx     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeText     = "text/plain"
	MimeMarkdown = "text/markdown"
)

// Registry resolves an extractor by MIME type, falling back to the file
// extension when the MIME type is missing or unregistered.
type Registry struct {
	byMime map[string]Extractor
}

func NewRegistry() *Registry {
	text := &TextExtractor{}
	return &Registry{
		byMime: map[string]Extractor{
			MimeText:     text,
			MimeMarkdown: text,
		},
	}
}

// Register adds or replaces the extractor for a MIME type.
func (r *Registry) Register(mimeType string, e Extractor) {
	r.byMime[mimeType] = e
}

// Resolve returns the extractor for the given MIME type or filename
// extension. An unresolvable type is a fatal, non-retryable error.
func (r *Registry) Resolve(mimeType, filename string) (Extractor, error) {
	if e, ok := r.byMime[mimeType]; ok {
		return e, nil
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		if e, ok := r.byMime[MimePDF]; ok {
			return e, nil
		}
	case ".docx":
		if e, ok := r.byMime[MimeDocx]; ok {
			return e, nil
		}
	case ".txt", ".md":
		return r.byMime[MimeText], nil
	}
	return nil, jobs.Errorf(jobs.KindUnsupported, "unsupported file type: %s (%s)", mimeType, filename)
}

// TextExtractor handles plain text and markdown.
type TextExtractor struct{}

func (e *TextExtractor) Extract(_ context.Context, data []byte) (*Result, error) {
	text := Sanitize(string(data))
	if strings.TrimSpace(text) == "" {
		return nil, jobs.Errorf(jobs.KindEmptyContent, "extraction produced no content")
	}
	return &Result{
		Text: text,
		Metadata: map[string]any{
			"content_length": len(text),
		},
	}, nil
}

// Sanitize strips NUL bytes, which Postgres text columns reject.
func Sanitize(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
